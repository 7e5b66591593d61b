// Package manager owns the set of recipe runners.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/runner"
)

var (
	// ErrDuplicate is returned when a recipe name is already registered.
	ErrDuplicate = errors.New("recipe already registered")
	// ErrNotFound is returned for an unknown recipe name.
	ErrNotFound = errors.New("recipe not found")
)

// Factory builds an Idle runner for a recipe.
type Factory func(r recipe.Recipe) (*runner.Runner, error)

// PersistFunc is called with the recipe and its final watermark after a
// runner exits.
type PersistFunc func(r recipe.Recipe) error

// Entry is one line of Status output.
type Entry struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// StartReport describes what StartAll did.
type StartReport struct {
	Started       []string `json:"started"`
	AlreadyActive []string `json:"already_active"`
}

// Manager maps recipe names to runners.
type Manager struct {
	factory Factory
	persist PersistFunc
	logger  *slog.Logger

	mu      sync.RWMutex
	runners map[string]*runner.Runner
	order   []string

	exits sync.WaitGroup
}

// New creates a manager. persist may be nil.
func New(factory Factory, persist PersistFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory: factory,
		persist: persist,
		logger:  logger,
		runners: make(map[string]*runner.Runner),
	}
}

// Register adds an Idle runner for r. It does not start it.
func (m *Manager) Register(r recipe.Recipe) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runners[r.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, r.Name)
	}
	rn, err := m.factory(r)
	if err != nil {
		return err
	}
	m.runners[r.Name] = rn
	m.order = append(m.order, r.Name)
	m.logger.Info("recipe registered", "recipe", r.Name, "trigger", r.Trigger.Kind, "action", r.Action.Kind)
	return nil
}

// Has reports whether name is registered.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.runners[name]
	return ok
}

// StartAll starts every runner that is not already active. A Stopped runner
// is replaced by a fresh one that resumes from its last watermark.
func (m *Manager) StartAll(ctx context.Context) StartReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report StartReport
	for _, name := range m.order {
		started, err := m.startLocked(ctx, name)
		if err != nil {
			m.logger.Error("starting recipe", "recipe", name, "error", err)
			continue
		}
		if started {
			report.Started = append(report.Started, name)
		} else {
			report.AlreadyActive = append(report.AlreadyActive, name)
		}
	}

	switch {
	case len(m.order) == 0:
		m.logger.Info("no recipes registered")
	case len(report.Started) == 0 && len(report.AlreadyActive) == len(m.order):
		m.logger.Info("all recipes already running")
	default:
		for _, name := range report.AlreadyActive {
			m.logger.Info("recipe already active", "recipe", name)
		}
	}
	return report
}

// Start starts a single recipe. It reports false if it was already active.
func (m *Manager) Start(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[name]; !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return m.startLocked(ctx, name)
}

func (m *Manager) startLocked(ctx context.Context, name string) (bool, error) {
	rn := m.runners[name]
	if rn.State() == runner.Stopped {
		fresh, err := m.factory(rn.Recipe().WithLastExecution(rn.Watermark()))
		if err != nil {
			return false, err
		}
		rn = fresh
		m.runners[name] = rn
	}
	if !rn.Start(ctx) {
		return false, nil
	}

	m.exits.Add(1)
	go m.awaitExit(rn)
	return true, nil
}

func (m *Manager) awaitExit(rn *runner.Runner) {
	defer m.exits.Done()
	<-rn.Done()
	if m.persist == nil {
		return
	}
	r := rn.Recipe().WithLastExecution(rn.Watermark())
	if err := m.persist(r); err != nil {
		m.logger.Error("persisting recipe", "recipe", r.Name, "error", err)
	}
}

// Stop requests a stop on one recipe and waits for its loop to exit.
func (m *Manager) Stop(name string) error {
	m.mu.RLock()
	rn, ok := m.runners[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	rn.RequestStop()
	rn.Wait()
	return nil
}

// StopAll requests a stop on every runner, then joins them all along with
// their persistence callbacks.
func (m *Manager) StopAll() {
	m.mu.RLock()
	runners := make([]*runner.Runner, 0, len(m.runners))
	for _, rn := range m.runners {
		runners = append(runners, rn)
	}
	m.mu.RUnlock()

	for _, rn := range runners {
		rn.RequestStop()
	}
	for _, rn := range runners {
		rn.Wait()
	}
	m.exits.Wait()
}

// Status returns each recipe's label in registration order.
func (m *Manager) Status() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]Entry, 0, len(m.order))
	for _, name := range m.order {
		entries = append(entries, Entry{Name: name, Status: m.runners[name].State().Label()})
	}
	return entries
}

// Statuses returns Status as a map.
func (m *Manager) Statuses() map[string]string {
	out := make(map[string]string)
	for _, e := range m.Status() {
		out[e.Name] = e.Status
	}
	return out
}

// Snapshots returns detailed runner views sorted by name.
func (m *Manager) Snapshots() []runner.Snapshot {
	m.mu.RLock()
	snaps := make([]runner.Snapshot, 0, len(m.runners))
	for _, rn := range m.runners {
		snaps = append(snaps, rn.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}
