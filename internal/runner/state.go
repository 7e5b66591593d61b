package runner

// State is a runner's lifecycle position.
type State int

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Label is the display status: a Stopping runner is still finishing its
// cycle, so it reports running.
func (s State) Label() string {
	if s == Running || s == Stopping {
		return "running"
	}
	return "stopped"
}
