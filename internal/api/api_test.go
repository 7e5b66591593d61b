package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/colebrumley/tablewatch/internal/manager"
	"github.com/colebrumley/tablewatch/internal/runner"
	"github.com/colebrumley/tablewatch/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecipes struct {
	startCtx context.Context
	stopped  []string
}

func (f *fakeRecipes) Status() []manager.Entry {
	return []manager.Entry{{Name: "a", Status: "running"}, {Name: "b", Status: "stopped"}}
}

func (f *fakeRecipes) Snapshots() []runner.Snapshot {
	return []runner.Snapshot{{Name: "a", State: "running", Status: "running", Seen: 3}}
}

func (f *fakeRecipes) StartAll(ctx context.Context) manager.StartReport {
	f.startCtx = ctx
	return manager.StartReport{Started: []string{"b"}, AlreadyActive: []string{"a"}}
}

func (f *fakeRecipes) Start(ctx context.Context, name string) (bool, error) {
	if name != "a" && name != "b" {
		return false, fmt.Errorf("%w: %s", manager.ErrNotFound, name)
	}
	f.startCtx = ctx
	return name == "b", nil
}

func (f *fakeRecipes) Stop(name string) error {
	if name != "a" && name != "b" {
		return fmt.Errorf("%w: %s", manager.ErrNotFound, name)
	}
	f.stopped = append(f.stopped, name)
	return nil
}

type fakeHistory struct {
	recipe string
	limit  int
}

func (h *fakeHistory) GetHistory(ctx context.Context, recipe string, limit int) ([]state.DispatchRecord, error) {
	h.recipe, h.limit = recipe, limit
	return []state.DispatchRecord{{Recipe: "a", RecordID: "r1", Status: state.StatusDelivered, StatusCode: 200}}, nil
}

type ctxKey struct{}

func newTestServer(t *testing.T) (*httptest.Server, *fakeRecipes, *fakeHistory, context.Context) {
	t.Helper()
	runCtx := context.WithValue(context.Background(), ctxKey{}, "run")
	recipes := &fakeRecipes{}
	history := &fakeHistory{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tablewatch_cycles_total 1\n"))
	})
	srv := httptest.NewServer(New(runCtx, recipes, history, metrics, nil).Router())
	t.Cleanup(srv.Close)
	return srv, recipes, history, runCtx
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	var body map[string]any
	resp := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["recipes_loaded"])
	assert.EqualValues(t, 1, body["recipes_running"])
}

func TestRecipes(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	var snaps []runner.Snapshot
	getJSON(t, srv.URL+"/api/recipes", &snaps)
	require.Len(t, snaps, 1)
	assert.Equal(t, 3, snaps[0].Seen)
}

func TestStartAll_UsesRunContext(t *testing.T) {
	srv, recipes, _, runCtx := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/recipes/start", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var report manager.StartReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, []string{"b"}, report.Started)
	assert.Equal(t, runCtx, recipes.startCtx, "runners must not be bound to the request context")
}

func TestStartAndStopOne(t *testing.T) {
	srv, recipes, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/recipes/b/start", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/recipes/a/stop", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"a"}, recipes.stopped)

	resp, err = http.Post(srv.URL+"/api/recipes/zzz/start", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartAll_WrongMethod(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	resp := getJSON(t, srv.URL+"/api/recipes/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	srv, _, history, _ := newTestServer(t)

	var records []state.DispatchRecord
	getJSON(t, srv.URL+"/api/history?recipe=a&limit=10", &records)
	require.Len(t, records, 1)
	assert.Equal(t, "a", history.recipe)
	assert.Equal(t, 10, history.limit)

	getJSON(t, srv.URL+"/api/history?limit=9999", &records)
	assert.Equal(t, 500, history.limit)

	resp := getJSON(t, srv.URL+"/api/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsMounted(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	h := rateLimit(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)
}
