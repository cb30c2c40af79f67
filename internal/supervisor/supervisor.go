// Package supervisor starts, stops and inspects the configured services,
// persisting each process identity so that separate invocations agree on
// what is running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loykin/tandem/internal/detector"
	"github.com/loykin/tandem/internal/env"
	"github.com/loykin/tandem/internal/failure"
	"github.com/loykin/tandem/internal/health"
	"github.com/loykin/tandem/internal/history"
	"github.com/loykin/tandem/internal/locks"
	"github.com/loykin/tandem/internal/metrics"
	"github.com/loykin/tandem/internal/pidstore"
	"github.com/loykin/tandem/internal/process"
)

const DefaultLockTimeout = 30 * time.Second

// Options carries the collaborators of a Supervisor. Store and Locks are
// required; the rest default to usable values.
type Options struct {
	Store       pidstore.Store
	Locks       *locks.Locker
	Checker     *health.Checker
	Env         *env.Env
	History     *history.Recorder
	Logger      *slog.Logger
	LockTimeout time.Duration
	// DisableScan turns off command-line discovery of unrecorded processes.
	DisableScan bool
}

// Supervisor manages the lifecycle of a fixed set of services.
type Supervisor struct {
	specs map[string]process.Spec
	order []string
	opts  Options
	log   *slog.Logger

	mu      sync.Mutex
	handles map[string]*process.Handle
}

// New validates the dependency graph and returns a Supervisor. Graph errors
// are Configuration failures.
func New(specs []process.Spec, opts Options) (*Supervisor, error) {
	if opts.Store == nil || opts.Locks == nil {
		return nil, errors.New("supervisor: store and locks are required")
	}
	order, err := Order(specs)
	if err != nil {
		return nil, err
	}
	if opts.Checker == nil {
		opts.Checker = health.NewChecker()
	}
	if opts.Env == nil {
		opts.Env = env.New(true)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	m := make(map[string]process.Spec, len(specs))
	for _, s := range specs {
		m[s.Name] = s.WithDefaults()
	}
	return &Supervisor{
		specs:   m,
		order:   order,
		opts:    opts,
		log:     opts.Logger,
		handles: make(map[string]*process.Handle),
	}, nil
}

// Order returns service names in start order.
func (s *Supervisor) Order() []string { return slices.Clone(s.order) }

// Spec returns the spec of name.
func (s *Supervisor) Spec(name string) (process.Spec, bool) {
	sp, ok := s.specs[name]
	return sp, ok
}

func (s *Supervisor) spec(name, stage string) (process.Spec, error) {
	sp, ok := s.specs[name]
	if !ok {
		return process.Spec{}, failure.Errorf(failure.KindConfiguration, name, stage, "unknown service")
	}
	return sp, nil
}

func (s *Supervisor) lock(ctx context.Context, name string) (*locks.Lock, error) {
	lk, err := s.opts.Locks.Acquire(ctx, name, s.opts.LockTimeout)
	if err != nil {
		var fe *failure.Error
		if errors.As(err, &fe) && fe.Service == "" {
			fe.Service = name
		}
		return nil, err
	}
	return lk, nil
}

// Start brings name to Running, starting its dependency first. Starting a
// service whose recorded process is alive and verified is a no-op that
// returns the existing record.
func (s *Supervisor) Start(ctx context.Context, name string) (pidstore.Record, error) {
	sp, err := s.spec(name, "start")
	if err != nil {
		return pidstore.Record{}, err
	}
	lk, err := s.lock(ctx, name)
	if err != nil {
		return pidstore.Record{}, err
	}
	defer func() { _ = lk.Release() }()
	return s.startLocked(ctx, sp)
}

func (s *Supervisor) startLocked(ctx context.Context, sp process.Spec) (pidstore.Record, error) {
	if err := failure.FromContext(ctx, "start"); err != nil {
		return pidstore.Record{}, err
	}
	log := s.log.With("service", sp.Name)

	rec, err := s.opts.Store.Load(ctx, sp.Name)
	switch {
	case err == nil:
		verdict := detector.Verify(rec.PID, rec.StartedAt)
		if verdict == detector.Alive && rec.State == pidstore.StateRunning {
			log.Debug("already running", "pid", rec.PID)
			return rec, nil
		}
		if verdict == detector.Alive {
			// An unconfirmed process left behind by an interrupted start.
			log.Warn("terminating unconfirmed process", "pid", rec.PID, "state", rec.State)
			if _, err := process.Terminate(rec.PID, true, sp.StopTimeout); err != nil {
				return pidstore.Record{}, failure.New(failure.KindStopFailed, sp.Name, "start", err)
			}
		} else {
			log.Info("purging stale record", "pid", rec.PID, "state", rec.State, "verdict", verdict.String())
		}
		if err := s.opts.Store.Delete(ctx, sp.Name); err != nil {
			return pidstore.Record{}, failure.New(failure.KindStartupCrashed, sp.Name, "start", fmt.Errorf("purge record: %w", err))
		}
	case errors.Is(err, pidstore.ErrNotFound):
	default:
		return pidstore.Record{}, failure.New(failure.KindStartupCrashed, sp.Name, "start", fmt.Errorf("load record: %w", err))
	}

	if sp.DependsOn != "" {
		if _, err := s.Start(ctx, sp.DependsOn); err != nil {
			log.Warn("dependency not ready", "dependency", sp.DependsOn, "error", err)
			return pidstore.Record{}, failure.New(failure.KindDependencyNotReady, sp.Name, "start",
				fmt.Errorf("dependency %s: %w", sp.DependsOn, err))
		}
	}

	if !s.opts.DisableScan {
		if pids, _ := (detector.ScanDetector{Signature: sp.Signature}).Find(ctx); len(pids) > 0 {
			log.Warn("unrecorded processes match the service signature", "pids", pids)
		}
	}

	launched := time.Now()
	h, err := process.Launch(sp, s.opts.Env.Merge(sp.Env))
	if err != nil {
		metrics.IncStartFailure(sp.Name, string(failure.KindStartupCrashed))
		return pidstore.Record{}, failure.New(failure.KindStartupCrashed, sp.Name, "start", err)
	}
	s.mu.Lock()
	s.handles[sp.Name] = h
	s.mu.Unlock()

	rec = pidstore.Record{Service: sp.Name, PID: h.PID(), StartedAt: h.StartedAt(), State: pidstore.StateStarting}
	if err := s.opts.Store.Save(ctx, rec); err != nil {
		_ = h.Kill(time.Second)
		return pidstore.Record{}, failure.New(failure.KindStartupCrashed, sp.Name, "start", fmt.Errorf("persist record: %w", err))
	}
	log.Info("launched", "pid", rec.PID)
	s.opts.History.Record(ctx, history.Event{Type: history.EventStart, Service: sp.Name, PID: rec.PID, State: string(rec.State)})

	res := s.opts.Checker.Confirm(ctx, h, sp.StartupGrace, health.Readiness{URL: sp.ReadyURL, Timeout: sp.ReadyTimeout})
	if res.Outcome == health.Ready {
		rec.State = pidstore.StateRunning
		if err := s.opts.Store.Save(ctx, rec); err != nil {
			return pidstore.Record{}, failure.New(failure.KindStartupCrashed, sp.Name, "start", fmt.Errorf("persist record: %w", err))
		}
		metrics.IncStart(sp.Name)
		metrics.ObserveStartDuration(sp.Name, time.Since(launched).Seconds())
		metrics.SetServiceUp(sp.Name, true)
		log.Info("running", "pid", rec.PID)
		s.opts.History.Record(ctx, history.Event{Type: history.EventReady, Service: sp.Name, PID: rec.PID, State: string(rec.State)})
		return rec, nil
	}

	kind := failure.KindStartupTimeout
	if res.Outcome == health.Crashed {
		kind = failure.KindStartupCrashed
	}
	// A crashed leader can leave forked children behind in its group.
	if err := h.Kill(2 * time.Second); err != nil {
		log.Error("kill after failed start", "pid", rec.PID, "error", err)
	}
	cause := res.Err
	if cerr := failure.FromContext(ctx, "start"); cerr != nil {
		cause = cerr
	}
	if cause == nil {
		cause = errors.New(string(res.Outcome))
	}
	rec.State = pidstore.StateFailed
	rec.ExitError = cause.Error()
	// The failed record must survive a cancelled ctx.
	if err := s.opts.Store.Save(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("persist failed state", "error", err)
	}
	metrics.IncStartFailure(sp.Name, string(kind))
	metrics.SetServiceUp(sp.Name, false)
	log.Error("start failed", "pid", rec.PID, "kind", kind, "error", cause)
	s.opts.History.Record(ctx, history.Event{Type: history.EventStartFailed, Service: sp.Name, PID: rec.PID, State: string(rec.State), Error: cause.Error()})
	return rec, failure.New(kind, sp.Name, "start", cause)
}

// Stop terminates name if its recorded process is alive and still the same
// process, then deletes the record. A missing, stale or reused record is a
// successful no-op; a reused pid is never signalled.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	sp, err := s.spec(name, "stop")
	if err != nil {
		return err
	}
	lk, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()
	return s.stopLocked(ctx, sp)
}

func (s *Supervisor) stopLocked(ctx context.Context, sp process.Spec) error {
	log := s.log.With("service", sp.Name)
	rec, err := s.opts.Store.Load(ctx, sp.Name)
	if errors.Is(err, pidstore.ErrNotFound) {
		metrics.SetServiceUp(sp.Name, false)
		return nil
	}
	if err != nil {
		return failure.New(failure.KindStopFailed, sp.Name, "stop", err)
	}

	switch detector.Verify(rec.PID, rec.StartedAt) {
	case detector.Dead:
		log.Debug("record is stale, process already gone", "pid", rec.PID)
		if process.GroupAlive(rec.PID) {
			log.Warn("leader gone but its process group is alive, killing it", "pgid", rec.PID)
			if err := process.KillGroup(rec.PID); err != nil {
				return failure.New(failure.KindStopFailed, sp.Name, "stop", err)
			}
			metrics.IncStop(sp.Name, true)
		}
	case detector.Reused:
		log.Warn("pid reused by another process, not signalling", "pid", rec.PID)
	case detector.Alive:
		forced, err := process.Terminate(rec.PID, true, sp.StopTimeout)
		if err != nil {
			log.Error("stop failed", "pid", rec.PID, "error", err)
			return failure.New(failure.KindStopFailed, sp.Name, "stop", err)
		}
		s.waitHandle(sp.Name, rec.PID)
		metrics.IncStop(sp.Name, forced)
		log.Info("stopped", "pid", rec.PID, "forced", forced)
		s.opts.History.Record(ctx, history.Event{Type: history.EventStop, Service: sp.Name, PID: rec.PID, State: string(pidstore.StateStopped)})
	}
	metrics.SetServiceUp(sp.Name, false)
	if err := s.opts.Store.Delete(context.WithoutCancel(ctx), sp.Name); err != nil {
		return failure.New(failure.KindStopFailed, sp.Name, "stop", err)
	}
	return nil
}

// waitHandle lets the reaper of a process launched by this Supervisor finish.
func (s *Supervisor) waitHandle(name string, pid int) {
	s.mu.Lock()
	h := s.handles[name]
	if h != nil && h.PID() == pid {
		delete(s.handles, name)
	} else {
		h = nil
	}
	s.mu.Unlock()
	if h == nil {
		return
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
	}
}

// Restart stops then starts name while holding its lock for both steps.
func (s *Supervisor) Restart(ctx context.Context, name string) (pidstore.Record, error) {
	sp, err := s.spec(name, "restart")
	if err != nil {
		return pidstore.Record{}, err
	}
	lk, err := s.lock(ctx, name)
	if err != nil {
		return pidstore.Record{}, err
	}
	defer func() { _ = lk.Release() }()
	if err := s.stopLocked(ctx, sp); err != nil {
		return pidstore.Record{}, err
	}
	return s.startLocked(ctx, sp)
}

// Kill is the forced last resort: SIGKILL to the recorded process group, or
// to every process matching the signature when no live record exists.
func (s *Supervisor) Kill(ctx context.Context, name string) error {
	sp, err := s.spec(name, "kill")
	if err != nil {
		return err
	}
	lk, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()
	log := s.log.With("service", sp.Name)

	var errs []error
	rec, err := s.opts.Store.Load(ctx, sp.Name)
	if err == nil && detector.Verify(rec.PID, rec.StartedAt) == detector.Alive {
		if err := process.Kill(rec.PID, true); err != nil {
			errs = append(errs, err)
		} else {
			s.waitHandle(sp.Name, rec.PID)
			log.Warn("killed", "pid", rec.PID)
			metrics.IncStop(sp.Name, true)
			s.opts.History.Record(ctx, history.Event{Type: history.EventKill, Service: sp.Name, PID: rec.PID})
		}
	} else if !s.opts.DisableScan {
		pids, serr := (detector.ScanDetector{Signature: sp.Signature}).Find(ctx)
		if serr != nil {
			errs = append(errs, serr)
		}
		for _, pid := range pids {
			if err := process.Kill(pid, false); err != nil {
				errs = append(errs, err)
				continue
			}
			log.Warn("killed unrecorded process", "pid", pid, "detected_by", "scan:"+sp.Signature)
			s.opts.History.Record(ctx, history.Event{Type: history.EventKill, Service: sp.Name, PID: pid})
		}
	}
	if len(errs) > 0 {
		return failure.New(failure.KindStopFailed, sp.Name, "kill", errors.Join(errs...))
	}
	metrics.SetServiceUp(sp.Name, false)
	if err := s.opts.Store.Delete(context.WithoutCancel(ctx), sp.Name); err != nil {
		return failure.New(failure.KindStopFailed, sp.Name, "kill", err)
	}
	return nil
}

// StartAll starts every service in dependency order and stops at the first
// failure.
func (s *Supervisor) StartAll(ctx context.Context) error {
	for _, name := range s.order {
		if _, err := s.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every service in reverse dependency order. It keeps going
// after a failure and returns all of them joined.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var errs []error
	for i := len(s.order) - 1; i >= 0; i-- {
		if err := s.Stop(ctx, s.order[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
