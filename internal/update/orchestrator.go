package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/tandem/internal/deploy"
	"github.com/loykin/tandem/internal/failure"
	"github.com/loykin/tandem/internal/history"
	"github.com/loykin/tandem/internal/locks"
	"github.com/loykin/tandem/internal/metrics"
	"github.com/loykin/tandem/internal/pidstore"
	"github.com/loykin/tandem/internal/supervisor"
)

// LockName is the global lock held for the whole run.
const LockName = "update"

const DefaultRollbackTimeout = 5 * time.Minute

// Services is the part of the supervisor an update drives.
type Services interface {
	Order() []string
	Stop(ctx context.Context, name string) error
	Kill(ctx context.Context, name string) error
	Start(ctx context.Context, name string) (pidstore.Record, error)
	StartAll(ctx context.Context) error
	StatusAll(ctx context.Context) ([]supervisor.Status, error)
}

// Config describes what is updated and how.
type Config struct {
	DeployDir string
	StateDir  string
	Snapshots *deploy.Snapshots
	Preserve  deploy.Preserve
	Source    deploy.Source
	// Install runs in DeployDir after replacing; an empty Line skips it.
	Install deploy.Command
	// ReinstallOnRollback reruns Install after the tree is restored.
	ReinstallOnRollback bool
	RollbackTimeout     time.Duration
}

// Result summarizes a run.
type Result struct {
	ID          string          `json:"id" yaml:"id"`
	Phase       Phase           `json:"phase" yaml:"phase"`
	Snapshot    deploy.Snapshot `json:"snapshot" yaml:"snapshot"`
	Transitions []Transition    `json:"transitions" yaml:"transitions"`
	Error       string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// Orchestrator runs updates. A second concurrent Run fails fast with Busy.
type Orchestrator struct {
	cfg     Config
	svc     Services
	locks   *locks.Locker
	history *history.Recorder
	log     *slog.Logger

	mu      sync.Mutex
	current Phase
}

func New(cfg Config, svc Services, lk *locks.Locker, rec *history.Recorder, logger *slog.Logger) (*Orchestrator, error) {
	if cfg.DeployDir == "" || cfg.StateDir == "" {
		return nil, failure.Errorf(failure.KindConfiguration, "", "update", "deploy_dir and state_dir are required")
	}
	if cfg.Snapshots == nil || cfg.Snapshots.Dir == "" {
		return nil, failure.Errorf(failure.KindConfiguration, "", "update", "snapshot directory is required")
	}
	if cfg.Source == nil {
		return nil, failure.Errorf(failure.KindConfiguration, "", "update", "no update source configured")
	}
	if err := cfg.Preserve.Validate(); err != nil {
		return nil, failure.New(failure.KindConfiguration, "", "update", err)
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = DefaultRollbackTimeout
	}
	if cfg.Install.Dir == "" {
		cfg.Install.Dir = cfg.DeployDir
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{cfg: cfg, svc: svc, locks: lk, history: rec, log: logger, current: PhaseIdle}, nil
}

// Phase returns the phase of the run in progress, or idle.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// run carries the state of one update.
type run struct {
	o       *Orchestrator
	res     Result
	entered time.Time
	log     *slog.Logger
	// running holds the services that were up before stopping; nil when
	// that could not be read.
	running map[string]bool
}

func (r *run) enter(ctx context.Context, p Phase) {
	now := time.Now()
	if len(r.res.Transitions) > 0 {
		prev := r.res.Transitions[len(r.res.Transitions)-1].Phase
		metrics.ObservePhase(string(prev), now.Sub(r.entered).Seconds())
	}
	r.entered = now
	r.res.Phase = p
	r.res.Transitions = append(r.res.Transitions, Transition{Phase: p, At: now.UTC()})
	r.o.mu.Lock()
	r.o.current = p
	r.o.mu.Unlock()
	r.log.Info("update phase", "phase", p)
	r.o.history.Record(ctx, history.Event{Type: history.EventUpdate, UpdateID: r.res.ID, Phase: string(p)})
}

func (r *run) finish(ctx context.Context, p Phase, err error) (Result, error) {
	r.enter(ctx, p)
	if err != nil {
		r.res.Error = err.Error()
		r.o.history.Record(ctx, history.Event{Type: history.EventUpdate, UpdateID: r.res.ID, Phase: string(p), Error: err.Error()})
	}
	metrics.IncUpdate(string(p))
	r.o.mu.Lock()
	r.o.current = PhaseIdle
	r.o.mu.Unlock()
	return r.res, err
}

// Run performs one update. Interruption before services are stopped aborts
// cleanly; from stopping on, any failure or interruption rolls back on a
// context detached from ctx.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	lk, err := o.locks.TryAcquire(LockName)
	if err != nil {
		return Result{Phase: PhaseIdle}, err
	}
	defer func() { _ = lk.Release() }()

	id := uuid.NewString()
	r := &run{o: o, res: Result{ID: id}, log: o.log.With("update_id", id)}
	r.enter(ctx, PhaseIdle)

	if err := failure.FromContext(ctx, "update"); err != nil {
		return r.finish(ctx, PhaseAborted, err)
	}

	r.enter(ctx, PhaseSnapshotting)
	snap, err := o.cfg.Snapshots.Create(ctx, o.cfg.DeployDir)
	if err != nil {
		if cerr := failure.FromContext(ctx, string(PhaseSnapshotting)); cerr != nil {
			return r.finish(ctx, PhaseAborted, cerr)
		}
		return r.finish(ctx, PhaseAborted, failure.New(failure.KindSnapshotFailed, "", string(PhaseSnapshotting), err))
	}
	r.res.Snapshot = snap
	r.log.Info("snapshot taken", "snapshot", snap.ID, "bytes", snap.Bytes)
	if cerr := failure.FromContext(ctx, string(PhaseSnapshotting)); cerr != nil {
		if err := o.cfg.Snapshots.Remove(snap); err != nil {
			r.log.Warn("remove snapshot of aborted update", "snapshot", snap.ID, "error", err)
		}
		return r.finish(ctx, PhaseAborted, cerr)
	}

	if err := r.forward(ctx); err != nil {
		return r.rollback(ctx, err)
	}

	if err := ClearMarker(o.cfg.StateDir); err != nil {
		r.log.Warn("clear degraded marker", "error", err)
	}
	metrics.SetDegraded(false)
	if n, err := o.cfg.Snapshots.Prune(); err != nil {
		r.log.Warn("prune snapshots", "error", err)
	} else if n > 0 {
		r.log.Info("pruned snapshots", "removed", n)
	}
	return r.finish(ctx, PhaseCommitted, nil)
}

// forward runs stopping through verifying. The returned error names the phase
// that failed.
func (r *run) forward(ctx context.Context) error {
	o := r.o
	r.enter(ctx, PhaseStopping)
	r.recordRunning(ctx)
	if err := r.stopAll(ctx); err != nil {
		return err
	}

	r.enter(ctx, PhaseReplacing)
	if err := o.cfg.Source.Fetch(ctx, o.cfg.DeployDir, o.cfg.Preserve); err != nil {
		return r.stageErr(ctx, PhaseReplacing, err)
	}
	if err := failure.FromContext(ctx, string(PhaseReplacing)); err != nil {
		return err
	}

	r.enter(ctx, PhaseDependencyInstall)
	if strings.TrimSpace(o.cfg.Install.Line) != "" {
		if err := deploy.RunCommand(ctx, o.cfg.Install); err != nil {
			return r.stageErr(ctx, PhaseDependencyInstall, err)
		}
	}
	if err := failure.FromContext(ctx, string(PhaseDependencyInstall)); err != nil {
		return err
	}

	r.enter(ctx, PhaseStarting)
	if err := o.svc.StartAll(ctx); err != nil {
		return r.stageErr(ctx, PhaseStarting, err)
	}

	r.enter(ctx, PhaseVerifying)
	if err := r.verify(ctx, nil); err != nil {
		return r.stageErr(ctx, PhaseVerifying, err)
	}
	return nil
}

// stageErr prefers the interruption over whatever it caused.
func (r *run) stageErr(ctx context.Context, p Phase, err error) error {
	if cerr := failure.FromContext(ctx, string(p)); cerr != nil {
		return cerr
	}
	return failure.New(failure.KindUpdateFailed, "", string(p), err)
}

// stopAll stops services dependents first. A failed stop falls back to Kill;
// only an interruption ends the phase early.
func (r *run) stopAll(ctx context.Context) error {
	names := slices.Clone(r.o.svc.Order())
	slices.Reverse(names)
	var failed []string
	for _, name := range names {
		if err := failure.FromContext(ctx, string(PhaseStopping)); err != nil {
			return err
		}
		if err := r.o.svc.Stop(ctx, name); err != nil {
			r.log.Warn("stop failed, killing", "service", name, "error", err)
			if kerr := r.o.svc.Kill(ctx, name); kerr != nil {
				r.log.Error("kill failed", "service", name, "error", kerr)
				failed = append(failed, name)
			}
		}
	}
	if err := failure.FromContext(ctx, string(PhaseStopping)); err != nil {
		return err
	}
	if len(failed) > 0 {
		r.log.Error("continuing with services that could not be stopped", "services", failed)
	}
	return nil
}

func (r *run) recordRunning(ctx context.Context) {
	sts, err := r.o.svc.StatusAll(ctx)
	if err != nil {
		r.log.Warn("read service states, rollback will start everything", "error", err)
		return
	}
	r.running = make(map[string]bool, len(sts))
	for _, st := range sts {
		r.running[st.Name] = st.State == supervisor.StateRunning
	}
}

// verify checks that every service, or only those in want when it is
// non-nil, is running.
func (r *run) verify(ctx context.Context, want map[string]bool) error {
	sts, err := r.o.svc.StatusAll(ctx)
	if err != nil {
		return err
	}
	var bad []string
	for _, st := range sts {
		if want != nil && !want[st.Name] {
			continue
		}
		if st.State != supervisor.StateRunning {
			bad = append(bad, fmt.Sprintf("%s is %s", st.Name, st.State))
		}
	}
	if len(bad) > 0 {
		return errors.New(strings.Join(bad, ", "))
	}
	return nil
}

// rollback restores the snapshot and brings back the services that were
// running before the update. It runs
// on its own bounded context so an interrupt cannot cut it short.
func (r *run) rollback(ctx context.Context, cause error) (Result, error) {
	o := r.o
	failedPhase := r.res.Phase
	r.log.Error("update failed, rolling back", "phase", failedPhase, "error", cause)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RollbackTimeout)
	defer cancel()
	r.enter(rctx, PhaseRollingBack)

	rerr := r.restore(rctx)
	if rerr == nil {
		return r.finish(rctx, PhaseRolledBack, cause)
	}

	d := Degraded{
		UpdateID:      r.res.ID,
		SnapshotID:    r.res.Snapshot.ID,
		SnapshotPath:  r.res.Snapshot.Path,
		FailedPhase:   failedPhase,
		Cause:         cause.Error(),
		RollbackError: rerr.Error(),
		At:            time.Now().UTC(),
	}
	if err := WriteMarker(o.cfg.StateDir, d); err != nil {
		r.log.Error("write degraded marker", "error", err)
	}
	metrics.SetDegraded(true)
	r.log.Error("rollback failed, deployment degraded", "error", rerr, "snapshot", r.res.Snapshot.Path)
	return r.finish(rctx, PhaseDegraded,
		failure.New(failure.KindRollbackFailed, "", string(PhaseRollingBack), errors.Join(rerr, cause)))
}

func (r *run) restore(ctx context.Context) error {
	o := r.o
	if err := r.stopAll(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := deploy.Restore(ctx, r.res.Snapshot, o.cfg.DeployDir, o.cfg.Preserve); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", r.res.Snapshot.ID, err)
	}
	if o.cfg.ReinstallOnRollback && strings.TrimSpace(o.cfg.Install.Line) != "" {
		if err := deploy.RunCommand(ctx, o.cfg.Install); err != nil {
			return fmt.Errorf("reinstall: %w", err)
		}
	}
	if err := r.restart(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := r.verify(ctx, r.running); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}

// restart starts what was running before the update, in dependency order.
func (r *run) restart(ctx context.Context) error {
	if r.running == nil {
		return r.o.svc.StartAll(ctx)
	}
	names := r.o.svc.Order()
	if !slices.ContainsFunc(names, func(n string) bool { return !r.running[n] }) {
		return r.o.svc.StartAll(ctx)
	}
	for _, name := range names {
		if !r.running[name] {
			r.log.Info("left stopped as before the update", "service", name)
			continue
		}
		if _, err := r.o.svc.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
