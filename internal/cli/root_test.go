package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/colebrumley/tablewatch/internal/config"
	"github.com/colebrumley/tablewatch/internal/manager"
	"github.com/colebrumley/tablewatch/internal/runner"
	"github.com/colebrumley/tablewatch/internal/state"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("TABLEWATCH_CONFIG", "")
	t.Setenv("TABLEWATCH_RECIPES_DIR", "")

	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeRecipe(t *testing.T, dir string, r config.Recipe) {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, r.Name+".json"), data, 0600))
}

func validRecipe(name string) config.Recipe {
	return config.Recipe{
		Trigger:    "record_updated",
		Action:     "webhook",
		WebhookURL: config.StringPtr("https://hooks.example.com/x"),
		BaseKey:    "appXYZ",
		TableName:  "Tasks",
		APIKey:     "keyABC",
		Name:       name,
	}
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "tablewatch", cmd.Use)
	assert.Contains(t, cmd.Long, "webhook")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"init", "list", "validate", "status", "start", "stop", "history", "logs", "shell"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := execute(t, "--format", "xml", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInitWritesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tablewatch.yaml")
	recipesDir := filepath.Join(dir, "recipes")

	out, _, err := execute(t, "--config", cfgPath, "--recipes-dir", recipesDir, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Created "+cfgPath)

	info, err := os.Stat(recipesDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	var cfg config.Global
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, recipesDir, cfg.Recipes.Dir)
	assert.Equal(t, 9876, cfg.Daemon.ListenPort)

	// A second run leaves the file alone.
	out, _, err = execute(t, "--config", cfgPath, "--recipes-dir", recipesDir, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestListRecipes(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, validRecipe("beta"))
	writeRecipe(t, dir, validRecipe("alpha"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0600))

	out, errOut, err := execute(t, "--recipes-dir", dir, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Less(t, bytes.Index([]byte(out), []byte("alpha")), bytes.Index([]byte(out), []byte("beta")))
	assert.Contains(t, errOut, "broken.json")

	out, _, err = execute(t, "--recipes-dir", dir, "--format", "json", "list")
	require.NoError(t, err)
	var summaries []recipeSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "alpha", summaries[0].Name)
	assert.Equal(t, "record_updated", summaries[0].Trigger)
	assert.Equal(t, "airtable", summaries[0].Source)
}

func TestListEmpty(t *testing.T) {
	out, _, err := execute(t, "--recipes-dir", t.TempDir(), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No recipes found")
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, validRecipe("good"))
	bad := validRecipe("bad")
	bad.Trigger = "on_tuesday"
	writeRecipe(t, dir, bad)

	t.Run("single valid", func(t *testing.T) {
		out, _, err := execute(t, "--recipes-dir", dir, "validate", "good")
		require.NoError(t, err)
		assert.Contains(t, out, "Recipe 'good' is valid")
	})

	t.Run("single invalid", func(t *testing.T) {
		_, _, err := execute(t, "--recipes-dir", dir, "validate", "bad")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "trigger")
	})

	t.Run("missing", func(t *testing.T) {
		_, _, err := execute(t, "--recipes-dir", dir, "validate", "nope")
		require.Error(t, err)
	})

	t.Run("all", func(t *testing.T) {
		out, errOut, err := execute(t, "--recipes-dir", dir, "validate")
		require.Error(t, err)
		assert.Contains(t, out, "Validated 2 recipes, 1 invalid")
		assert.Contains(t, errOut, "on_tuesday")
	})
}

func TestLogs(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "tablewatch.log")
	require.NoError(t, os.WriteFile(logPath, []byte("one\ntwo\nthree\n"), 0600))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf("logging:\n  file: %s\n", logPath)), 0600))

	out, _, err := execute(t, "--config", cfgPath, "logs", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\n", out)
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	db, err := state.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	ctx := t.Context()
	_, err = db.RecordDispatch(ctx, state.DispatchRecord{
		Recipe: "alpha", RecordID: "rec1", Trigger: "record_updated", Action: "webhook",
		Endpoint: "https://hooks.example.com/x", Status: state.StatusDelivered, StatusCode: 200,
		DispatchedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf("state:\n  path: %s\n", filepath.Join(dir, "state.db"))), 0600))

	out, _, err := execute(t, "--config", cfgPath, "history", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "rec1")
	assert.Contains(t, out, "delivered")

	out, _, err = execute(t, "--config", cfgPath, "history", "other")
	require.NoError(t, err)
	assert.Contains(t, out, "No dispatches recorded")
}

// daemonConfig points the CLI at srv.
func daemonConfig(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf("daemon:\n  listen_address: %s\n  listen_port: %s\n", host, port)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestStatusAndStart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/recipes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]runner.Snapshot{
			{Name: "alpha", State: "running", Status: "running", Seen: 3, Cycles: 7},
		})
	})
	mux.HandleFunc("POST /api/recipes/start", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(manager.StartReport{Started: []string{}, AlreadyActive: []string{"alpha"}})
	})
	mux.HandleFunc("POST /api/recipes/{name}/start", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"name": r.PathValue("name"), "started": true})
	})
	mux.HandleFunc("POST /api/recipes/{name}/stop", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "recipe not found", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	cfgPath := daemonConfig(t, srv)

	out, _, err := execute(t, "--config", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "running")

	out, _, err = execute(t, "--config", cfgPath, "start")
	require.NoError(t, err)
	assert.Contains(t, out, "All recipes are already running.")

	out, _, err = execute(t, "--config", cfgPath, "start", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "Started recipe: alpha")

	_, _, err = execute(t, "--config", cfgPath, "stop", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestStatusDaemonDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfgPath := daemonConfig(t, srv)
	srv.Close()

	_, _, err := execute(t, "--config", cfgPath, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}
