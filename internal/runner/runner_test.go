package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/colebrumley/tablewatch/internal/notify"
	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/schedule"
	"github.com/colebrumley/tablewatch/internal/source"
	"github.com/colebrumley/tablewatch/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchResult struct {
	records []source.Record
	err     error
}

// gatedSource hands out one snapshot per feed, so each cycle is driven by
// the test.
type gatedSource struct {
	feed chan fetchResult
}

func newGatedSource() *gatedSource {
	return &gatedSource{feed: make(chan fetchResult)}
}

func (s *gatedSource) FetchAll(ctx context.Context, conn recipe.Connection) ([]source.Record, error) {
	res := <-s.feed
	return res.records, res.err
}

type dispatchCall struct {
	endpoint string
	recipe   string
	id       string
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatchCall
	results map[string]fetchStatus
	entered chan string
	release chan struct{}
}

type fetchStatus struct {
	code int
	err  error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, action recipe.Action, name string, rec source.Record) (int, error) {
	if d.entered != nil {
		d.entered <- rec.ID
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{endpoint: action.Endpoint, recipe: name, id: rec.ID})
	if res, ok := d.results[rec.ID]; ok {
		return res.code, res.err
	}
	return http.StatusOK, nil
}

func (d *fakeDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, c := range d.calls {
		ids = append(ids, c.id)
	}
	return ids
}

type fakeObserver struct {
	cycles   chan int
	failures chan struct{}

	mu       sync.Mutex
	outcomes []string
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{cycles: make(chan int, 16), failures: make(chan struct{}, 16)}
}

func (o *fakeObserver) CycleCompleted(recipe string, evaluated int) { o.cycles <- evaluated }
func (o *fakeObserver) FetchFailed(recipe string)                  { o.failures <- struct{}{} }
func (o *fakeObserver) Dispatched(recipe, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []state.DispatchRecord
}

func (h *fakeHistory) RecordDispatch(ctx context.Context, rec state.DispatchRecord) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return int64(len(h.records)), nil
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runner")
		var zero T
		return zero
	}
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	recv(t, r.Done())
}

func urgentRecipe() recipe.Recipe {
	return recipe.Recipe{
		Name:       "urgent",
		Trigger:    recipe.Trigger{Kind: recipe.FieldContainsText, FieldName: "Status", TextToFind: "URGENT"},
		Action:     recipe.Action{Kind: recipe.Webhook, Endpoint: "https://hooks.example.com/urgent"},
		Connection: recipe.Connection{Source: recipe.SourceAirtable, BaseKey: "app", TableName: "Tasks"},
	}
}

func updatedRecipe() recipe.Recipe {
	r := urgentRecipe()
	r.Name = "updated"
	r.Trigger = recipe.Trigger{Kind: recipe.RecordUpdated}
	return r
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	runner     *Runner
	source     *gatedSource
	dispatcher *fakeDispatcher
	observer   *fakeObserver
	history    *fakeHistory
}

func newHarness(t *testing.T, r recipe.Recipe, opts Options) *harness {
	t.Helper()
	h := &harness{
		source:     newGatedSource(),
		dispatcher: &fakeDispatcher{},
		observer:   newFakeObserver(),
		history:    &fakeHistory{},
	}
	if opts.Schedule == nil {
		opts.Schedule = schedule.Fixed(time.Millisecond)
	}
	opts.Logger = quietLogger()
	opts.Observer = h.observer
	opts.History = h.history

	var err error
	h.runner, err = New(r, h.source, h.dispatcher, opts)
	require.NoError(t, err)
	return h
}

// step feeds one snapshot and waits for the cycle to finish.
func (h *harness) step(t *testing.T, records ...source.Record) int {
	t.Helper()
	h.source.feed <- fetchResult{records: records}
	return recv(t, h.observer.cycles)
}

// stop requests a stop and, if the runner is already blocked in the next
// fetch, lets that cycle complete with an empty snapshot.
func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.runner.RequestStop()
	select {
	case h.source.feed <- fetchResult{}:
	case <-h.runner.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out stopping runner")
	}
	waitDone(t, h.runner)
}

func rec(id, status string) source.Record {
	return source.Record{ID: id, Fields: map[string]any{"Status": status}}
}

func TestRunner_FieldContainsFiresOncePerRecord(t *testing.T) {
	h := newHarness(t, urgentRecipe(), Options{})
	require.True(t, h.runner.Start(context.Background()))

	snapshot := []source.Record{rec("r1", "URGENT review"), rec("r2", "done")}

	assert.Equal(t, 2, h.step(t, snapshot...))
	assert.Equal(t, []string{"r1"}, h.dispatcher.ids())

	assert.Equal(t, 0, h.step(t, snapshot...))
	assert.Equal(t, []string{"r1"}, h.dispatcher.ids(), "second identical cycle must not dispatch")

	h.stop(t)
	assert.Equal(t, "urgent", h.dispatcher.calls[0].recipe)
	assert.Equal(t, "https://hooks.example.com/urgent", h.dispatcher.calls[0].endpoint)
}

func TestRunner_SeenCountsDistinctIDs(t *testing.T) {
	h := newHarness(t, urgentRecipe(), Options{})
	h.runner.Start(context.Background())

	h.step(t, rec("r1", "a"), rec("r2", "b"))
	h.step(t, rec("r2", "b"), rec("r3", "c"))
	h.step(t, rec("r1", "a"), rec("r4", "d"))

	snap := h.runner.Snapshot()
	assert.Equal(t, 4, snap.Seen)
	assert.Equal(t, 3, snap.Cycles)
	h.stop(t)
}

func TestRunner_RecordUpdatedAlreadySeenIsNeverReevaluated(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, updatedRecipe(), Options{Now: func() time.Time { return t0 }})
	h.runner.Start(context.Background())

	stale := t0.Add(-time.Second)
	fresh := t0.Add(5 * time.Second)

	h.step(t, source.Record{ID: "r1", LastModified: &stale})
	assert.Empty(t, h.dispatcher.ids())

	h.step(t, source.Record{ID: "r1", LastModified: &fresh}, source.Record{ID: "r2", LastModified: &fresh})
	assert.Equal(t, []string{"r2"}, h.dispatcher.ids())

	assert.Equal(t, t0, h.runner.Watermark())
	h.stop(t)
}

func TestRunner_RecordUpdatedWithoutTimestampNeverFires(t *testing.T) {
	h := newHarness(t, updatedRecipe(), Options{Now: func() time.Time { return time.Unix(0, 0) }})
	h.runner.Start(context.Background())

	h.step(t, rec("r1", "anything"))
	assert.Empty(t, h.dispatcher.ids())
	h.stop(t)
}

func TestRunner_WatermarkUsesLaterPersistedTime(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	persisted := now.Add(time.Hour)

	r := updatedRecipe()
	r.LastExecution = persisted
	h := newHarness(t, r, Options{Now: func() time.Time { return now }})
	h.runner.Start(context.Background())

	between := now.Add(30 * time.Minute)
	h.step(t, source.Record{ID: "r1", LastModified: &between})
	assert.Empty(t, h.dispatcher.ids())
	assert.Equal(t, persisted, h.runner.Watermark())
	h.stop(t)

	r.LastExecution = now.Add(-time.Hour)
	h = newHarness(t, r, Options{Now: func() time.Time { return now }})
	h.runner.Start(context.Background())
	h.step(t)
	assert.Equal(t, now, h.runner.Watermark())
	h.stop(t)
}

func TestRunner_WatermarkIsUTCOnLocalClock(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	eastern := time.FixedZone("UTC-4", -4*60*60)
	h := newHarness(t, updatedRecipe(), Options{Now: func() time.Time { return start.In(eastern) }})
	h.runner.Start(context.Background())

	before, err := recipe.ParseTime("2024-06-01T11:00:00.000Z")
	require.NoError(t, err)
	after, err := recipe.ParseTime("2024-06-01T12:30:00.000Z")
	require.NoError(t, err)

	h.step(t, source.Record{ID: "r1", LastModified: &before}, source.Record{ID: "r2", LastModified: &after})
	assert.Equal(t, []string{"r2"}, h.dispatcher.ids(), "only the record edited after start fires")
	assert.Equal(t, start, h.runner.Watermark())
	h.stop(t)

	tokyo := time.FixedZone("UTC+9", 9*60*60)
	h = newHarness(t, updatedRecipe(), Options{Now: func() time.Time { return start.In(tokyo) }})
	h.runner.Start(context.Background())
	h.step(t, source.Record{ID: "r2", LastModified: &after})
	assert.Equal(t, []string{"r2"}, h.dispatcher.ids(), "an edit after start is not suppressed east of UTC")
	h.stop(t)
}

func TestRunner_StopDuringCycleCompletesCycle(t *testing.T) {
	h := newHarness(t, urgentRecipe(), Options{})
	h.dispatcher.entered = make(chan string)
	h.dispatcher.release = make(chan struct{})
	h.runner.Start(context.Background())

	h.source.feed <- fetchResult{records: []source.Record{rec("r1", "URGENT"), rec("r2", "URGENT too")}}

	assert.Equal(t, "r1", recv(t, h.dispatcher.entered))
	require.True(t, h.runner.RequestStop())
	assert.Equal(t, Stopping, h.runner.State())
	assert.Equal(t, "running", h.runner.State().Label())
	h.dispatcher.release <- struct{}{}

	assert.Equal(t, "r2", recv(t, h.dispatcher.entered))
	h.dispatcher.release <- struct{}{}

	waitDone(t, h.runner)
	assert.Equal(t, Stopped, h.runner.State())
	assert.Equal(t, []string{"r1", "r2"}, h.dispatcher.ids())
	assert.Equal(t, 2, recv(t, h.observer.cycles))
}

func TestRunner_StopWhileSleepingExitsWithoutAnotherCycle(t *testing.T) {
	h := newHarness(t, urgentRecipe(), Options{Schedule: schedule.Fixed(time.Hour)})
	h.runner.Start(context.Background())
	h.step(t)

	start := time.Now()
	h.stop(t)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "stopped", h.runner.State().Label())
}

func TestRunner_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, urgentRecipe(), Options{Schedule: schedule.Fixed(time.Hour)})
	h.runner.Start(ctx)
	h.step(t)

	cancel()
	waitDone(t, h.runner)
	assert.Equal(t, Stopped, h.runner.State())
}

func TestRunner_FetchFailureRetriesNextCycle(t *testing.T) {
	h := newHarness(t, urgentRecipe(), Options{})
	h.runner.Start(context.Background())

	h.source.feed <- fetchResult{err: &source.UnavailableError{Source: "airtable", Table: "Tasks", Err: errors.New("401 Bearer patSECRET123456")}}
	recv(t, h.observer.failures)
	assert.Equal(t, Running, h.runner.State())
	assert.NotContains(t, h.runner.Snapshot().LastError, "patSECRET123456")

	h.step(t, rec("r1", "URGENT"))
	assert.Equal(t, []string{"r1"}, h.dispatcher.ids())
	assert.Empty(t, h.runner.Snapshot().LastError)
	h.stop(t)
}

func TestRunner_DeliveryFailureContinues(t *testing.T) {
	h := newHarness(t, urgentRecipe(), Options{})
	h.dispatcher.results = map[string]fetchStatus{
		"r1": {err: &notify.DeliveryError{Endpoint: "x", Err: errors.New("connection refused")}},
		"r2": {code: http.StatusInternalServerError},
	}
	h.runner.Start(context.Background())

	h.step(t, rec("r1", "URGENT"), rec("r2", "URGENT"), rec("r3", "URGENT"))
	assert.Equal(t, []string{"r1", "r2", "r3"}, h.dispatcher.ids())

	h.step(t, rec("r1", "URGENT"))
	assert.Len(t, h.dispatcher.ids(), 3, "failed deliveries are not retried")
	h.stop(t)

	assert.Equal(t, []string{state.StatusFailed, state.StatusRejected, state.StatusDelivered}, h.observer.outcomes)
	require.Len(t, h.history.records, 3)
	assert.Contains(t, h.history.records[0].Error, "connection refused")
	assert.Equal(t, http.StatusInternalServerError, h.history.records[1].StatusCode)
	assert.Equal(t, "field_contains_text", h.history.records[2].Trigger)
}

func TestRunner_Lifecycle(t *testing.T) {
	h := newHarness(t, urgentRecipe(), Options{})

	assert.Equal(t, Idle, h.runner.State())
	assert.Equal(t, "stopped", h.runner.State().Label())
	assert.False(t, h.runner.RequestStop(), "stop from Idle is a no-op")
	h.runner.Wait()

	assert.True(t, h.runner.Start(context.Background()))
	assert.False(t, h.runner.Start(context.Background()), "second start is a no-op")
	h.step(t)

	h.stop(t)
	assert.False(t, h.runner.Start(context.Background()), "no restart after Stopped")
	assert.False(t, h.runner.RequestStop())
	h.runner.Wait()
}

func TestNew_UnknownTrigger(t *testing.T) {
	r := urgentRecipe()
	r.Trigger.Kind = "row_deleted"

	_, err := New(r, newGatedSource(), &fakeDispatcher{}, Options{})
	var cfgErr *recipe.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
