// Package tandem supervises a backend service and a client that depends on
// it on a single host, and updates both in place with snapshot and rollback.
//
// Open builds every component from one config file; the cmd/tandem binary
// and embedders (see examples/) use it the same way.
package tandem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/loykin/tandem/internal/auth"
	"github.com/loykin/tandem/internal/config"
	"github.com/loykin/tandem/internal/deploy"
	"github.com/loykin/tandem/internal/failure"
	"github.com/loykin/tandem/internal/health"
	"github.com/loykin/tandem/internal/history"
	"github.com/loykin/tandem/internal/history/factory"
	"github.com/loykin/tandem/internal/locks"
	"github.com/loykin/tandem/internal/logger"
	"github.com/loykin/tandem/internal/metrics"
	"github.com/loykin/tandem/internal/pidstore"
	"github.com/loykin/tandem/internal/process"
	"github.com/loykin/tandem/internal/server"
	"github.com/loykin/tandem/internal/supervisor"
	tlsx "github.com/loykin/tandem/internal/tls"
	"github.com/loykin/tandem/internal/update"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = supervisor.Status

type Record = pidstore.Record

type UpdateResult = update.Result

type Degraded = update.Degraded

type Config = config.Config

// LoadConfig reads and validates a config file without opening anything.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Options tweak Open for the caller.
type Options struct {
	// Console receives human-oriented log output; nil means stderr.
	Console io.Writer
	// LogLevel overrides log.level from the file when set.
	LogLevel string
}

// App is a fully wired orchestrator.
type App struct {
	Config     *Config
	Logger     *slog.Logger
	Supervisor *supervisor.Supervisor
	// Updater is nil when no update source is configured.
	Updater  *update.Orchestrator
	Auth     *auth.Authenticator
	Registry *prometheus.Registry

	history *history.Recorder
	closers []io.Closer
}

// Open loads path and wires the supervisor, updater, history sinks, metrics
// and control API around it. Configuration problems are reported as
// failure.Configuration (exit status 2).
func Open(path string, opts Options) (*App, error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(c, opts)
}

// New wires an App from an already loaded config.
func New(c *Config, opts Options) (app *App, err error) {
	if opts.LogLevel != "" {
		c.Log.Level = opts.LogLevel
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	log, logCloser, err := logger.New(c.Log, console)
	if err != nil {
		return nil, failure.New(failure.KindConfiguration, "", "config", err)
	}
	a := &App{Config: c, Logger: log, closers: []io.Closer{logCloser}}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	e, err := c.Environment()
	if err != nil {
		return nil, err
	}
	store, err := pidstore.NewFileStore(c.PIDDir())
	if err != nil {
		return nil, fmt.Errorf("pid store: %w", err)
	}
	lk, err := locks.New(c.LockDir())
	if err != nil {
		return nil, fmt.Errorf("locks: %w", err)
	}
	sinks, err := factory.NewSinks(c.History.DSN)
	if err != nil {
		return nil, failure.New(failure.KindConfiguration, "", "history", err)
	}
	a.history = history.NewRecorder(log, sinks...)
	a.closers = append(a.closers, a.history)

	a.Supervisor, err = supervisor.New(c.Specs(), supervisor.Options{
		Store:       store,
		Locks:       lk,
		Checker:     health.NewChecker(),
		Env:         e,
		History:     a.history,
		Logger:      log,
		LockTimeout: c.LockTimeout,
	})
	if err != nil {
		return nil, err
	}

	if c.UpdateEnabled() {
		src, err := c.Source()
		if err != nil {
			return nil, err
		}
		u := c.Update
		a.Updater, err = update.New(update.Config{
			DeployDir: u.DeployDir,
			StateDir:  c.StateDir,
			Snapshots: &deploy.Snapshots{Dir: u.SnapshotDir, Keep: u.Keep, Headroom: u.MinFreeBytes},
			Preserve:  deploy.Preserve(u.Preserve),
			Source:    src,
			Install: deploy.Command{
				Line:    u.Install.Command,
				Timeout: u.Install.Timeout,
				Env:     e.Merge(nil),
			},
			ReinstallOnRollback: u.Install.OnRollback,
			RollbackTimeout:     u.RollbackTimeout,
		}, a.Supervisor, lk, a.history, log)
		if err != nil {
			return nil, err
		}
	}

	a.Auth, err = auth.New(c.Server.Auth)
	if err != nil {
		return nil, failure.New(failure.KindConfiguration, "", "server", err)
	}

	a.Registry = prometheus.NewRegistry()
	if err := metrics.Register(a.Registry); err != nil {
		return nil, err
	}
	a.Registry.MustRegister(
		metrics.NewResourceCollector(a.Supervisor.RunningPIDs),
		collectors.NewGoCollector(),
	)
	if d, ok, _ := update.ReadMarker(c.StateDir); ok {
		metrics.SetDegraded(true)
		log.Warn("deployment is degraded after a failed rollback", "update_id", d.UpdateID, "snapshot", d.SnapshotPath)
	}
	return a, nil
}

func (a *App) Start(ctx context.Context, name string) (Record, error) {
	return a.Supervisor.Start(ctx, name)
}
func (a *App) Stop(ctx context.Context, name string) error { return a.Supervisor.Stop(ctx, name) }
func (a *App) Restart(ctx context.Context, name string) (Record, error) {
	return a.Supervisor.Restart(ctx, name)
}
func (a *App) Kill(ctx context.Context, name string) error { return a.Supervisor.Kill(ctx, name) }
func (a *App) StartAll(ctx context.Context) error          { return a.Supervisor.StartAll(ctx) }
func (a *App) StopAll(ctx context.Context) error           { return a.Supervisor.StopAll(ctx) }
func (a *App) Status(ctx context.Context, name string) (Status, error) {
	return a.Supervisor.Status(ctx, name)
}
func (a *App) StatusAll(ctx context.Context) ([]Status, error) { return a.Supervisor.StatusAll(ctx) }

// Update runs one transactional update.
func (a *App) Update(ctx context.Context) (UpdateResult, error) {
	if a.Updater == nil {
		return UpdateResult{}, failure.Errorf(failure.KindConfiguration, "", "update", "update.deploy_dir and update.source are required")
	}
	return a.Updater.Run(ctx)
}

// History returns recent lifecycle and update events, newest first, from the
// first queryable history sink.
func (a *App) History(ctx context.Context, service string, limit int) ([]history.Event, error) {
	return a.history.Recent(ctx, service, limit)
}

// Degraded returns the marker left by a failed rollback, if any.
func (a *App) Degraded() (Degraded, bool, error) { return update.ReadMarker(a.Config.StateDir) }

// Handler returns the control API, mountable under any mux.
func (a *App) Handler() http.Handler { return a.Router().Handler() }

// Router returns the control API router for mounting into an existing gin engine.
func (a *App) Router() *server.Router {
	opts := server.Options{
		Auth:     a.Auth,
		Metrics:  metrics.HandlerFor(a.Registry),
		StateDir: a.Config.StateDir,
	}
	if a.Updater != nil {
		opts.Updater = a.Updater
	}
	return server.NewRouter(a.Supervisor, a.Config.Server.BasePath, opts)
}

// Serve runs the control API (and the standalone metrics listener when
// configured) until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	srv := server.NewServer(a.Config.Server.Listen, a.Handler())
	tc, err := tlsx.Setup(a.Config.Server.TLS)
	if err != nil {
		return failure.New(failure.KindConfiguration, "", "server", err)
	}
	srv.TLSConfig = tc

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- server.Serve(sctx, srv) }()
	n := 1
	if addr := a.Config.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HandlerFor(a.Registry))
		go func() { errCh <- server.Serve(sctx, server.NewServer(addr, mux)) }()
		n++
	}
	a.Logger.Info("control API listening", "addr", srv.Addr, "base_path", a.Config.Server.BasePath, "tls", tc != nil, "auth", a.Auth.Enabled())

	var errs []error
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
			// One listener failed; bring the other down too.
			cancel()
		}
	}
	return errors.Join(errs...)
}

// WriteMetrics exports the registry to metrics.textfile, if configured.
func (a *App) WriteMetrics() error {
	return metrics.WriteTextfile(a.Config.Metrics.Textfile, a.Registry)
}

// Close flushes history sinks and log files.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
