package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/colebrumley/tablewatch/internal/config"
	"github.com/colebrumley/tablewatch/internal/manager"
	"github.com/colebrumley/tablewatch/internal/metrics"
	"github.com/colebrumley/tablewatch/internal/notify"
	"github.com/colebrumley/tablewatch/internal/recipe"
	"github.com/colebrumley/tablewatch/internal/runner"
	"github.com/colebrumley/tablewatch/internal/schedule"
	"github.com/colebrumley/tablewatch/internal/security"
	"github.com/colebrumley/tablewatch/internal/source"
	"github.com/colebrumley/tablewatch/internal/state"
)

// Engine wires sources, notifiers, history and metrics into a recipe
// manager. The daemon and the interactive shell both run one.
type Engine struct {
	Config  *config.Global
	Logger  *slog.Logger
	Manager *manager.Manager
	History *state.DB // nil when the state database could not be opened
	Metrics *metrics.Exporter

	sources    *source.Registry
	dispatcher *notify.Dispatcher
	nats       *notify.NATS

	saveMu sync.Mutex
}

// NewEngine builds an engine from cfg. The state database and NATS are
// optional: failures there are logged and the engine runs without them.
func NewEngine(cfg *config.Global, logger *slog.Logger) (*Engine, error) {
	e := &Engine{Config: cfg, Logger: logger}

	if db, err := state.Open(cfg.State.Path); err != nil {
		logger.Warn("failed to initialize state database, history will not be recorded", "error", err, "path", cfg.State.Path)
	} else {
		e.History = db
		go e.cleanupHistory(db)
	}

	m, err := metrics.New(nil)
	if err != nil {
		e.closeHistory()
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	e.Metrics = m

	e.sources = newSourceRegistry(cfg, logger)

	e.dispatcher = notify.NewDispatcher()
	webhook, err := newWebhookNotifier(cfg)
	if err != nil {
		e.closeHistory()
		return nil, err
	}
	e.dispatcher.Register(recipe.Webhook, webhook)

	if cfg.NATS.URL != "" {
		nc, err := notify.NewNATS(cfg.NATS.URL, cfg.NATS.MaxReconnects,
			time.Duration(cfg.NATS.ReconnectWaitSeconds)*time.Second,
			time.Duration(cfg.Notify.TimeoutSeconds)*time.Second, logger)
		if err != nil {
			logger.Warn("nats unavailable, nats actions will fail to deliver", "error", err)
		} else {
			e.nats = nc
			e.dispatcher.Register(recipe.NATS, nc)
		}
	}

	e.Manager = manager.New(e.newRunner, e.persist, logger)
	e.Metrics.SetStateSource(e.Manager)
	return e, nil
}

func newSourceRegistry(cfg *config.Global, logger *slog.Logger) *source.Registry {
	field := cfg.Sources.LastModifiedField
	timeout := time.Duration(cfg.Sources.TimeoutSeconds) * time.Second
	reg := source.NewRegistry()
	reg.Register(recipe.SourceAirtable, source.NewAirtable(cfg.Sources.AirtableBaseURL, field, timeout, logger))
	reg.Register(recipe.SourceSQLite, source.NewSQL("sqlite", field, timeout, logger))
	reg.Register(recipe.SourceMySQL, source.NewSQL("mysql", field, timeout, logger))
	return reg
}

func newWebhookNotifier(cfg *config.Global) (*notify.Webhook, error) {
	timeout := time.Duration(cfg.Notify.TimeoutSeconds) * time.Second
	if cfg.Notify.SigningSecretEnv == "" {
		return notify.NewWebhook(timeout, nil), nil
	}
	raw := os.Getenv(cfg.Notify.SigningSecretEnv)
	if raw == "" {
		return nil, fmt.Errorf("signing secret env %s is not set", cfg.Notify.SigningSecretEnv)
	}
	secret, err := notify.ParseSecret(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing signing secret from %s: %w", cfg.Notify.SigningSecretEnv, err)
	}
	return notify.NewWebhook(timeout, &secret), nil
}

func (e *Engine) cleanupHistory(db *state.DB) {
	deleted, err := db.Cleanup(context.Background(), e.Config.State.RetentionDays)
	if err != nil {
		e.Logger.Warn("state cleanup failed", "error", err)
	} else if deleted > 0 {
		e.Logger.Info("cleaned up old dispatch records", "deleted", deleted)
	}
}

func (e *Engine) newRunner(r recipe.Recipe) (*runner.Runner, error) {
	sched, err := schedule.Resolve(r.Schedule, e.Config.Recipes.Schedule, e.Config.Recipes.PollInterval)
	if err != nil {
		return nil, err
	}
	opts := runner.Options{
		Schedule: sched,
		Logger:   e.Logger,
		Observer: e.Metrics,
	}
	if e.History != nil {
		opts.History = e.History
	}
	return runner.New(r, e.sources, e.dispatcher, opts)
}

// persist writes a stopped runner's watermark back to its recipe file.
func (e *Engine) persist(r recipe.Recipe) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	path, err := config.SaveRecipe(e.Config.Recipes.Dir, r.Config())
	if err != nil {
		return err
	}
	e.Logger.Debug("persisted recipe", "recipe", r.Name, "path", path)
	return nil
}

// SaveRecipe validates c, writes it to the recipes directory and registers
// it. It is the create path of the shell.
func (e *Engine) SaveRecipe(c *config.Recipe) (recipe.Recipe, error) {
	r, err := recipe.New(c)
	if err != nil {
		return recipe.Recipe{}, err
	}
	if e.Manager.Has(r.Name) {
		return recipe.Recipe{}, fmt.Errorf("%w: %s", manager.ErrDuplicate, r.Name)
	}
	if err := e.persist(r); err != nil {
		return recipe.Recipe{}, err
	}
	if err := e.Manager.Register(r); err != nil {
		return recipe.Recipe{}, err
	}
	return r, nil
}

// LoadRecipes registers every recipe in the recipes directory that is not
// registered yet and returns the new names. Bad files are logged and skipped.
func (e *Engine) LoadRecipes() ([]string, error) {
	dir := e.Config.Recipes.Dir
	if err := security.ValidateDirectoryPermissions(dir); err != nil {
		e.Logger.Error("CRITICAL: recipes directory has unsafe permissions", "error", err, "path", dir)
	}

	configs, failed, err := config.LoadRecipesDir(dir)
	if err != nil {
		return nil, err
	}
	for file, ferr := range failed {
		e.Logger.Error("skipping unreadable recipe file", "file", file, "error", ferr)
	}

	var added []string
	for _, c := range configs {
		if e.Manager.Has(c.Name) {
			continue
		}
		r, err := recipe.New(c)
		if err != nil {
			e.Logger.Error("skipping invalid recipe", "recipe", c.Name, "error", err)
			continue
		}
		if err := security.ValidateRecipeFile(config.RecipePath(dir, r.Name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.Logger.Warn("recipe file permissions", "recipe", r.Name, "error", err)
		}
		if err := e.Manager.Register(r); err != nil {
			e.Logger.Error("registering recipe", "recipe", r.Name, "error", err)
			continue
		}
		added = append(added, r.Name)
	}
	sort.Strings(added)
	return added, nil
}

// Close stops and joins every runner, persisting their watermarks, then
// releases the notifiers, sources and state database.
func (e *Engine) Close() error {
	e.Manager.StopAll()

	var errs []error
	if e.nats != nil {
		errs = append(errs, e.nats.Close())
	}
	errs = append(errs, e.sources.Close())
	errs = append(errs, e.Metrics.Shutdown(context.Background()))
	errs = append(errs, e.closeHistory())
	return errors.Join(errs...)
}

func (e *Engine) closeHistory() error {
	if e.History == nil {
		return nil
	}
	return e.History.Close()
}
