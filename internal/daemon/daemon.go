// Package daemon runs the recipe engine as a long-lived service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/colebrumley/tablewatch/internal/api"
	"github.com/colebrumley/tablewatch/internal/config"
	"github.com/colebrumley/tablewatch/internal/logging"
)

// Daemon polls every loaded recipe and serves the HTTP control API.
type Daemon struct {
	configPath string
	recipesDir string

	config    *config.Global
	logger    *slog.Logger
	logCloser io.Closer
	engine    *Engine

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup

	// ready is closed once setup has finished and the API is listening.
	ready chan struct{}
}

// New creates a new daemon instance. recipesDir overrides recipes.dir from
// the config when set.
func New(configPath, recipesDir string) *Daemon {
	return &Daemon{
		configPath: configPath,
		recipesDir: recipesDir,
		ready:      make(chan struct{}),
	}
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.setup(ctx); err != nil {
		d.closeLog()
		return err
	}
	close(d.ready)

	<-ctx.Done()
	d.logger.Info("daemon stopping, waiting for runners")
	return d.shutdown()
}

// Addr returns the API listen address once the daemon is ready.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Ready is closed when setup completes.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

func (d *Daemon) setup(ctx context.Context) error {
	cfg, err := config.LoadGlobal(d.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if d.recipesDir != "" {
		config.OverrideRecipesDir(cfg, d.recipesDir)
	}
	d.config = cfg

	logger, closer, err := logging.Open(cfg.Logging.Format, cfg.Daemon.LogLevel, cfg.Logging.File, cfg.Logging.MaxSizeMB)
	if err != nil {
		logger = logging.NewLogger(cfg.Logging.Format, cfg.Daemon.LogLevel, nil)
		logger.Warn("failed to initialize rotating log writer, using stdout", "error", err)
		closer = io.NopCloser(nil)
	}
	d.logger, d.logCloser = logger, closer
	d.logger.Info("starting daemon", "config", d.configPath, "recipes_dir", cfg.Recipes.Dir)

	engine, err := NewEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	d.engine = engine

	loaded, err := engine.LoadRecipes()
	if err != nil {
		engine.Close()
		return fmt.Errorf("loading recipes: %w", err)
	}

	if err := d.startHTTPServer(ctx); err != nil {
		engine.Close()
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.watchRecipes(ctx)
	}()

	if cfg.Daemon.Autostart {
		engine.Manager.StartAll(ctx)
	}

	d.logger.Info("daemon started", "recipes_loaded", len(loaded), "autostart", cfg.Daemon.Autostart)
	return nil
}

func (d *Daemon) startHTTPServer(ctx context.Context) error {
	addr := net.JoinHostPort(d.config.Daemon.ListenAddress, strconv.Itoa(d.config.Daemon.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	d.listener = ln

	var history api.History
	if d.engine.History != nil {
		history = d.engine.History
	}
	srv := api.New(ctx, d.engine.Manager, history, d.engine.Metrics.Handler(), d.logger)
	d.httpServer = &http.Server{Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second}

	d.logger.Info("starting HTTP server", "address", ln.Addr().String())
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// watchRecipes registers recipe files that appear in the recipes directory
// while the daemon runs.
func (d *Daemon) watchRecipes(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("could not create recipes watcher", "error", err)
		return
	}
	defer watcher.Close()

	dir := d.config.Recipes.Dir
	if err := watcher.Add(dir); err != nil {
		d.logger.Error("could not watch recipes directory", "error", err, "dir", dir)
		return
	}
	d.logger.Info("recipe watcher started", "dir", dir)

	// Debounce: wait after the last event before reloading
	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" || !event.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			d.reloadRecipes(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("recipes watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) reloadRecipes(ctx context.Context) {
	added, err := d.engine.LoadRecipes()
	if err != nil {
		d.logger.Error("failed to reload recipes", "error", err)
		return
	}
	if len(added) == 0 {
		return
	}
	d.logger.Info("recipes added", "recipes", added)
	if !d.config.Daemon.Autostart {
		return
	}
	for _, name := range added {
		if _, err := d.engine.Manager.Start(ctx, name); err != nil {
			d.logger.Error("starting recipe", "recipe", name, "error", err)
		}
	}
}

func (d *Daemon) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if d.httpServer != nil {
		errs = append(errs, d.httpServer.Shutdown(shutdownCtx))
	}
	d.wg.Wait()

	errs = append(errs, d.engine.Close())
	d.logger.Info("daemon stopped")
	d.closeLog()
	return errors.Join(errs...)
}

func (d *Daemon) closeLog() {
	if d.logCloser != nil {
		d.logCloser.Close()
	}
}
