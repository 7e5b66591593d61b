// Package runner polls one recipe's table and dispatches notifications for
// records that fire its trigger.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/colebrumley/tablewatch/internal/logging"
	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/schedule"
	"github.com/colebrumley/tablewatch/internal/security"
	"github.com/colebrumley/tablewatch/internal/source"
	"github.com/colebrumley/tablewatch/internal/state"
	"github.com/colebrumley/tablewatch/internal/trigger"
)

// Fetcher returns the full current snapshot of a table.
type Fetcher interface {
	FetchAll(ctx context.Context, conn recipe.Connection) ([]source.Record, error)
}

// Dispatcher delivers a fired record to the recipe's action.
type Dispatcher interface {
	Dispatch(ctx context.Context, action recipe.Action, recipeName string, rec source.Record) (int, error)
}

// Observer receives per-cycle counters.
type Observer interface {
	CycleCompleted(recipe string, evaluated int)
	FetchFailed(recipe string)
	Dispatched(recipe, outcome string)
}

// History stores dispatch outcomes.
type History interface {
	RecordDispatch(ctx context.Context, rec state.DispatchRecord) (int64, error)
}

// Options configures a Runner. Zero values fall back to defaults.
type Options struct {
	Schedule schedule.Schedule
	Logger   *slog.Logger
	Observer Observer
	History  History
	Now      func() time.Time
}

// Snapshot is a point-in-time view of a runner for status reporting.
type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	Watermark time.Time `json:"watermark,omitzero"`
	Seen      int       `json:"seen"`
	Cycles    int       `json:"cycles"`
	LastCycle time.Time `json:"last_cycle,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Runner owns one recipe's poll loop.
type Runner struct {
	recipe    recipe.Recipe
	evaluator trigger.Evaluator
	source    Fetcher
	notifier  Dispatcher
	schedule  schedule.Schedule
	logger    *slog.Logger
	observer  Observer
	history   History
	now       func() time.Time

	mu        sync.Mutex
	state     State
	stop      chan struct{}
	done      chan struct{}
	watermark time.Time
	seen      int
	cycles    int
	lastCycle time.Time
	lastErr   string
}

// runState is the loop's private dedup state. Only the loop goroutine
// touches it.
type runState struct {
	watermark time.Time
	seen      map[string]struct{}
}

// New creates an Idle runner for r.
func New(r recipe.Recipe, src Fetcher, d Dispatcher, opts Options) (*Runner, error) {
	eval, err := trigger.New(r.Trigger)
	if err != nil {
		return nil, err
	}
	if opts.Schedule == nil {
		opts.Schedule = schedule.Fixed(schedule.DefaultInterval)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Runner{
		recipe:    r,
		evaluator: eval,
		source:    src,
		notifier:  d,
		schedule:  opts.Schedule,
		logger:    logging.WithRecipe(opts.Logger, r.Name),
		observer:  opts.Observer,
		history:   opts.History,
		now:       opts.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Recipe returns the runner's recipe.
func (r *Runner) Recipe() recipe.Recipe {
	return r.recipe
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start moves an Idle runner to Running and launches its loop. It reports
// false, and does nothing, for any other state. Cancelling ctx acts as a
// stop request.
func (r *Runner) Start(ctx context.Context) bool {
	r.mu.Lock()
	if r.state != Idle {
		r.mu.Unlock()
		return false
	}
	r.state = Running
	r.mu.Unlock()

	go r.loop(ctx)
	return true
}

// RequestStop moves a Running runner to Stopping. The current cycle always
// completes; a sleeping runner wakes and exits. It reports whether the
// request changed state.
func (r *Runner) RequestStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Running {
		return false
	}
	r.state = Stopping
	close(r.stop)
	return true
}

// Wait blocks until the loop has exited. It returns at once for a runner
// that was never started.
func (r *Runner) Wait() {
	r.mu.Lock()
	idle := r.state == Idle
	r.mu.Unlock()
	if idle {
		return
	}
	<-r.done
}

// Done is closed when the loop exits.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Watermark returns the boundary the loop compares timestamps against. It is
// zero until the loop starts.
func (r *Runner) Watermark() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}

// Snapshot returns the runner's status view.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Name:      r.recipe.Name,
		State:     r.state.String(),
		Status:    r.state.Label(),
		Watermark: r.watermark,
		Seen:      r.seen,
		Cycles:    r.cycles,
		LastCycle: r.lastCycle,
		LastError: r.lastErr,
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	defer func() {
		r.mu.Lock()
		r.state = Stopped
		r.mu.Unlock()
		r.logger.Info("recipe stopped")
	}()

	st := &runState{
		watermark: recipe.Normalize(r.now().UTC()),
		seen:      make(map[string]struct{}),
	}
	if r.recipe.LastExecution.After(st.watermark) {
		st.watermark = r.recipe.LastExecution
	}
	r.mu.Lock()
	r.watermark = st.watermark
	r.mu.Unlock()

	r.logger.Info("monitoring table for changes",
		"source", r.recipe.Connection.Source,
		"table", r.recipe.Connection.TableName,
		"trigger", r.recipe.Trigger.Kind,
		"watermark", recipe.FormatTime(st.watermark))

	// Fetch and dispatch are never interrupted by a stop; their own
	// timeouts bound them.
	ioCtx := context.WithoutCancel(ctx)

	for {
		r.cycle(ioCtx, st)

		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		timer := time.NewTimer(schedule.Delay(r.schedule, r.now()))
		select {
		case <-timer.C:
		case <-r.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// cycle runs one fetch/evaluate/dispatch pass.
func (r *Runner) cycle(ctx context.Context, st *runState) {
	records, err := r.source.FetchAll(ctx, r.recipe.Connection)
	if err != nil {
		msg := security.ScrubSecrets(err.Error())
		r.logger.Warn("fetch failed, retrying next cycle", "error", msg)
		if r.observer != nil {
			r.observer.FetchFailed(r.recipe.Name)
		}
		r.mu.Lock()
		r.lastErr = msg
		r.mu.Unlock()
		return
	}
	r.logger.Debug("fetched records", "count", len(records))

	evaluated := 0
	for _, rec := range records {
		if _, ok := st.seen[rec.ID]; ok {
			continue
		}
		evaluated++
		if r.evaluator.Fires(rec, st.watermark) {
			r.dispatch(ctx, rec)
		}
		st.seen[rec.ID] = struct{}{}
	}

	r.mu.Lock()
	r.seen = len(st.seen)
	r.cycles++
	r.lastCycle = r.now()
	r.lastErr = ""
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.CycleCompleted(r.recipe.Name, evaluated)
	}
}

func (r *Runner) dispatch(ctx context.Context, rec source.Record) {
	logger := r.logger.With("record", rec.ID, "action", r.recipe.Action.Kind)
	logger.Info("trigger fired")

	code, err := r.notifier.Dispatch(ctx, r.recipe.Action, r.recipe.Name, rec)

	outcome := outcomeOf(code, err)
	entry := state.DispatchRecord{
		Recipe:     r.recipe.Name,
		RecordID:   rec.ID,
		Trigger:    string(r.recipe.Trigger.Kind),
		Action:     string(r.recipe.Action.Kind),
		Endpoint:   r.recipe.Action.Endpoint,
		Status:     outcome,
		StatusCode: code,
	}
	switch outcome {
	case state.StatusFailed:
		entry.Error = security.ScrubSecrets(err.Error())
		logger.Error("delivery failed", "error", entry.Error)
	case state.StatusRejected:
		logger.Warn("delivery rejected", "status", code)
	default:
		logger.Info("notification delivered", "status", code)
	}

	if r.observer != nil {
		r.observer.Dispatched(r.recipe.Name, outcome)
	}
	if r.history != nil {
		if _, err := r.history.RecordDispatch(ctx, entry); err != nil {
			logger.Warn("recording dispatch history", "error", err)
		}
	}
}

func outcomeOf(code int, err error) string {
	if err != nil {
		return state.StatusFailed
	}
	if code >= 200 && code < 300 {
		return state.StatusDelivered
	}
	return state.StatusRejected
}
