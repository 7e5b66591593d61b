// internal/config/loader.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TABLEWATCH_DAEMON_LISTEN_PORT.
const EnvPrefix = "TABLEWATCH"

// LoadGlobal loads the global configuration from a YAML file. Environment
// variables override file values. An empty path yields defaults plus
// environment overrides.
func LoadGlobal(path string) (*Global, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Global
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyGlobalDefaults(&cfg)
	return &cfg, nil
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Global {
	cfg, err := LoadGlobal("")
	if err != nil {
		cfg = &Global{}
		applyGlobalDefaults(cfg)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.log_level", "info")
	v.SetDefault("daemon.listen_address", "127.0.0.1")
	v.SetDefault("daemon.listen_port", 9876)
	v.SetDefault("daemon.autostart", false)
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "tablewatch.log")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("recipes.dir", ".")
	v.SetDefault("recipes.poll_interval", "10s")
	v.SetDefault("recipes.schedule", "")
	v.SetDefault("state.path", "")
	v.SetDefault("state.retention_days", 90)
	v.SetDefault("notify.timeout_seconds", 30)
	v.SetDefault("notify.signing_secret_env", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait_seconds", 2)
	v.SetDefault("sources.airtable_base_url", "https://api.airtable.com/v0")
	v.SetDefault("sources.last_modified_field", "Last Modified")
	v.SetDefault("sources.timeout_seconds", 30)
}

func applyGlobalDefaults(cfg *Global) {
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}
	if cfg.Daemon.ListenPort == 0 {
		cfg.Daemon.ListenPort = 9876
	}
	if cfg.Daemon.ListenAddress == "" {
		cfg.Daemon.ListenAddress = "127.0.0.1"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Recipes.Dir == "" {
		cfg.Recipes.Dir = "."
	}
	if cfg.Recipes.PollInterval == "" {
		cfg.Recipes.PollInterval = "10s"
	}
	if cfg.State.RetentionDays <= 0 {
		cfg.State.RetentionDays = 90
	}
	// State DB lives next to the recipes unless placed explicitly
	if cfg.State.Path == "" {
		cfg.State.Path = defaultStatePath(cfg.Recipes.Dir)
	}
	if cfg.Notify.TimeoutSeconds <= 0 {
		cfg.Notify.TimeoutSeconds = 30
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 10
	}
	if cfg.NATS.ReconnectWaitSeconds <= 0 {
		cfg.NATS.ReconnectWaitSeconds = 2
	}
	if cfg.Sources.AirtableBaseURL == "" {
		cfg.Sources.AirtableBaseURL = "https://api.airtable.com/v0"
	}
	if cfg.Sources.LastModifiedField == "" {
		cfg.Sources.LastModifiedField = "Last Modified"
	}
	if cfg.Sources.TimeoutSeconds <= 0 {
		cfg.Sources.TimeoutSeconds = 30
	}
}

// OverrideRecipesDir points cfg at dir. A state path that was derived from
// the old recipes directory follows it.
func OverrideRecipesDir(cfg *Global, dir string) {
	if cfg.State.Path == defaultStatePath(cfg.Recipes.Dir) {
		cfg.State.Path = defaultStatePath(dir)
	}
	cfg.Recipes.Dir = dir
}

func defaultStatePath(recipesDir string) string {
	return filepath.Join(recipesDir, ".tablewatch", "history.db")
}

// LoadRecipe loads a recipe from a JSON file
func LoadRecipe(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe file: %w", err)
	}

	var r Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing recipe file: %w", err)
	}

	return &r, nil
}

// LoadRecipesDir loads every *.json recipe in dir. Files that fail to parse,
// or whose name does not match their file stem, are returned in the error
// map keyed by file name rather than aborting the whole load. Recipes are
// written back to RecipePath(dir, name), so a mismatched file would fork.
func LoadRecipesDir(dir string) ([]*Recipe, map[string]error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading recipes directory: %w", err)
	}

	var recipes []*Recipe
	failed := make(map[string]error)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		r, err := LoadRecipe(filepath.Join(dir, entry.Name()))
		if err != nil {
			failed[entry.Name()] = err
			continue
		}
		if stem := strings.TrimSuffix(entry.Name(), ".json"); r.Name != stem {
			failed[entry.Name()] = fmt.Errorf("recipe name %q does not match file name %q", r.Name, entry.Name())
			continue
		}
		recipes = append(recipes, r)
	}

	return recipes, failed, nil
}

// RecipePath returns the file a recipe named name is persisted to.
func RecipePath(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// SaveRecipe writes r to <dir>/<name>.json. The file holds credentials so it
// is created owner-only.
func SaveRecipe(dir string, r *Recipe) (string, error) {
	if r.Name == "" {
		return "", fmt.Errorf("recipe has no name")
	}
	if strings.ContainsAny(r.Name, `/\`) || r.Name == "." || r.Name == ".." {
		return "", fmt.Errorf("invalid recipe name %q", r.Name)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating recipes directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding recipe: %w", err)
	}

	path := RecipePath(dir, r.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("writing recipe file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("writing recipe file: %w", err)
	}
	return path, nil
}
