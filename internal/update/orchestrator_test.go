package update

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tandem/internal/deploy"
	"github.com/loykin/tandem/internal/failure"
	"github.com/loykin/tandem/internal/locks"
	"github.com/loykin/tandem/internal/pidstore"
	"github.com/loykin/tandem/internal/supervisor"
)

// fakeServices tracks which services are up and lets tests inject failures.
type fakeServices struct {
	mu       sync.Mutex
	order    []string
	up       map[string]bool
	calls    []string
	startErr []error // consumed one per StartAll call; nil entries succeed
	stopErr  map[string]error
	killErr  map[string]error
	onStop   func(name string)
}

func newFake() *fakeServices {
	return &fakeServices{
		order: []string{"backend", "client"},
		up:    map[string]bool{"backend": true, "client": true},
	}
}

func (f *fakeServices) Order() []string { return f.order }

func (f *fakeServices) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "stop:"+name)
	err := f.stopErr[name]
	hook := f.onStop
	if err == nil {
		f.up[name] = false
	}
	f.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return err
}

func (f *fakeServices) Kill(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "kill:"+name)
	if err := f.killErr[name]; err != nil {
		return err
	}
	f.up[name] = false
	return nil
}

func (f *fakeServices) Start(ctx context.Context, name string) (pidstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start:"+name)
	if ctx.Err() != nil {
		return pidstore.Record{}, failure.FromContext(ctx, "start")
	}
	f.up[name] = true
	return pidstore.Record{Service: name}, nil
}

func (f *fakeServices) StartAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start_all")
	if ctx.Err() != nil {
		return failure.FromContext(ctx, "start")
	}
	if len(f.startErr) > 0 {
		err := f.startErr[0]
		f.startErr = f.startErr[1:]
		if err != nil {
			return err
		}
	}
	for _, n := range f.order {
		f.up[n] = true
	}
	return nil
}

func (f *fakeServices) StatusAll(context.Context) ([]supervisor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]supervisor.Status, 0, len(f.order))
	for _, n := range f.order {
		st := supervisor.Status{Name: n, State: supervisor.StateStopped}
		if f.up[n] {
			st.State = supervisor.StateRunning
		}
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeServices) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type env struct {
	deployDir string
	release   string
	stateDir  string
	snaps     *deploy.Snapshots
	locks     *locks.Locker
}

func newEnv(t *testing.T) env {
	t.Helper()
	root := t.TempDir()
	e := env{
		deployDir: filepath.Join(root, "deploy"),
		release:   filepath.Join(root, "release"),
		stateDir:  filepath.Join(root, "state"),
		snaps:     &deploy.Snapshots{Dir: filepath.Join(root, "snapshots"), Keep: 1},
	}
	write(t, e.deployDir, "app/main.py", "v1")
	write(t, e.deployDir, ".env", "TOKEN=secret")
	write(t, e.release, "app/main.py", "v2")
	write(t, e.release, "app/new.py", "new")
	lk, err := locks.New(filepath.Join(root, "locks"))
	require.NoError(t, err)
	e.locks = lk
	return e
}

func write(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func read(t *testing.T, dir, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	return string(b)
}

func (e env) orchestrator(t *testing.T, svc Services, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		DeployDir:       e.deployDir,
		StateDir:        e.stateDir,
		Snapshots:       e.snaps,
		Preserve:        deploy.Preserve{".env"},
		Source:          deploy.DirSource{Path: e.release},
		RollbackTimeout: 10 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg, svc, e.locks, nil, nil)
	require.NoError(t, err)
	return o
}

func phases(res Result) []Phase {
	out := make([]Phase, 0, len(res.Transitions))
	for _, tr := range res.Transitions {
		out = append(out, tr.Phase)
	}
	return out
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("update commands need /bin/sh")
	}
}

func TestRunCommits(t *testing.T) {
	e := newEnv(t)
	svc := newFake()
	require.NoError(t, WriteMarker(e.stateDir, Degraded{UpdateID: "old"}))
	o := e.orchestrator(t, svc, nil)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, res.Phase)
	assert.Equal(t, []Phase{
		PhaseIdle, PhaseSnapshotting, PhaseStopping, PhaseReplacing,
		PhaseDependencyInstall, PhaseStarting, PhaseVerifying, PhaseCommitted,
	}, phases(res))
	assert.Equal(t, []string{"stop:client", "stop:backend", "start_all"}, svc.Calls())

	assert.Equal(t, "v2", read(t, e.deployDir, "app/main.py"))
	assert.Equal(t, "new", read(t, e.deployDir, "app/new.py"))
	assert.Equal(t, "TOKEN=secret", read(t, e.deployDir, ".env"))

	_, ok, err := ReadMarker(e.stateDir)
	require.NoError(t, err)
	assert.False(t, ok, "commit clears the degraded marker")
	assert.Equal(t, PhaseIdle, o.Phase())
}

func TestRunRollsBackOnInstallFailure(t *testing.T) {
	requireUnix(t)
	e := newEnv(t)
	svc := newFake()
	o := e.orchestrator(t, svc, func(c *Config) {
		c.Install = deploy.Command{Line: "echo resolving; exit 7", Timeout: 5 * time.Second}
	})

	res, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.UpdateFailed))
	assert.Equal(t, failure.ExitFailure, failure.ExitCode(err))
	assert.Contains(t, err.Error(), "dependency_install")
	assert.Equal(t, PhaseRolledBack, res.Phase)
	assert.Contains(t, phases(res), PhaseRollingBack)

	assert.Equal(t, "v1", read(t, e.deployDir, "app/main.py"))
	assert.NoFileExists(t, filepath.Join(e.deployDir, "app/new.py"))
	assert.Equal(t, "TOKEN=secret", read(t, e.deployDir, ".env"))
	sts, _ := svc.StatusAll(context.Background())
	for _, st := range sts {
		assert.Equal(t, supervisor.StateRunning, st.State, st.Name)
	}
}

func TestRunRollsBackOnStartFailure(t *testing.T) {
	e := newEnv(t)
	svc := newFake()
	svc.startErr = []error{failure.Errorf(failure.KindStartupCrashed, "client", "start", "exit status 1")}
	o := e.orchestrator(t, svc, nil)

	res, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.UpdateFailed))
	assert.True(t, errors.Is(err, failure.StartupCrashed))
	assert.Equal(t, PhaseRolledBack, res.Phase)
	assert.Equal(t, "v1", read(t, e.deployDir, "app/main.py"))
	assert.Equal(t, []string{
		"stop:client", "stop:backend", "start_all",
		"stop:client", "stop:backend", "start_all",
	}, svc.Calls())
}

func TestRollbackKeepsStoppedServicesStopped(t *testing.T) {
	e := newEnv(t)
	svc := newFake()
	svc.up["client"] = false
	svc.startErr = []error{failure.Errorf(failure.KindStartupCrashed, "client", "start", "exit status 1")}
	o := e.orchestrator(t, svc, nil)

	res, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseRolledBack, res.Phase)
	assert.Equal(t, []string{
		"stop:client", "stop:backend", "start_all",
		"stop:client", "stop:backend", "start:backend",
	}, svc.Calls())
	sts, _ := svc.StatusAll(context.Background())
	assert.Equal(t, supervisor.StateRunning, sts[0].State)
	assert.Equal(t, supervisor.StateStopped, sts[1].State, "client was down before the update")
}

func TestRollbackWithNothingRunningStartsNothing(t *testing.T) {
	e := newEnv(t)
	svc := newFake()
	svc.up["backend"], svc.up["client"] = false, false
	svc.startErr = []error{errors.New("port in use")}
	o := e.orchestrator(t, svc, nil)

	res, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseRolledBack, res.Phase)
	assert.Equal(t, []string{
		"stop:client", "stop:backend", "start_all",
		"stop:client", "stop:backend",
	}, svc.Calls())
}

func TestRunRollbackFailureLeavesDegradedMarker(t *testing.T) {
	e := newEnv(t)
	svc := newFake()
	boom := errors.New("port in use")
	svc.startErr = []error{boom, boom}
	o := e.orchestrator(t, svc, nil)

	res, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.RollbackFailed))
	assert.Equal(t, failure.ExitRollbackFailed, failure.ExitCode(err))
	assert.Equal(t, PhaseDegraded, res.Phase)

	d, ok, err := ReadMarker(e.stateDir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.ID, d.UpdateID)
	assert.Equal(t, res.Snapshot.ID, d.SnapshotID)
	assert.Equal(t, PhaseStarting, d.FailedPhase)
	assert.Contains(t, d.RollbackError, "port in use")
	// The tree itself was restored even though the services were not.
	assert.Equal(t, "v1", read(t, e.deployDir, "app/main.py"))
}

func TestRunInterruptedBeforeStoppingAborts(t *testing.T) {
	e := newEnv(t)
	svc := newFake()
	o := e.orchestrator(t, svc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.Interrupted))
	assert.Equal(t, PhaseAborted, res.Phase)
	assert.Empty(t, svc.Calls())
	list, err := e.snaps.List()
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, "v1", read(t, e.deployDir, "app/main.py"))
}

func TestRunInterruptedWhileStoppingRollsBack(t *testing.T) {
	e := newEnv(t)
	svc := newFake()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.onStop = func(name string) {
		if name == "client" {
			cancel()
		}
	}
	o := e.orchestrator(t, svc, nil)

	res, err := o.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.Interrupted))
	assert.Equal(t, failure.ExitFailure, failure.ExitCode(err))
	assert.Equal(t, PhaseRolledBack, res.Phase)
	assert.NotContains(t, phases(res), PhaseReplacing)

	// Rollback ran on a live context and brought both services back.
	sts, _ := svc.StatusAll(context.Background())
	for _, st := range sts {
		assert.Equal(t, supervisor.StateRunning, st.State, st.Name)
	}
	assert.Equal(t, "v1", read(t, e.deployDir, "app/main.py"))
}

func TestRunKillsServiceThatWillNotStop(t *testing.T) {
	e := newEnv(t)
	svc := newFake()
	svc.stopErr = map[string]error{"client": failure.Errorf(failure.KindStopFailed, "client", "stop", "still alive")}
	o := e.orchestrator(t, svc, nil)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, res.Phase)
	assert.Equal(t, []string{"stop:client", "kill:client", "stop:backend", "start_all"}, svc.Calls())
}

func TestRunSnapshotFailureTouchesNothing(t *testing.T) {
	e := newEnv(t)
	e.snaps.Headroom = 1 << 62
	svc := newFake()
	o := e.orchestrator(t, svc, nil)

	res, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.SnapshotFailed))
	assert.Equal(t, PhaseAborted, res.Phase)
	assert.Empty(t, svc.Calls())
	assert.Equal(t, "v1", read(t, e.deployDir, "app/main.py"))
}

func TestRunIsExclusive(t *testing.T) {
	e := newEnv(t)
	held, err := e.locks.TryAcquire(LockName)
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	svc := newFake()
	o := e.orchestrator(t, svc, nil)
	_, err = o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.Busy))
	assert.Empty(t, svc.Calls())
}

func TestNewValidatesConfig(t *testing.T) {
	e := newEnv(t)
	_, err := New(Config{StateDir: e.stateDir, Snapshots: e.snaps, Source: deploy.DirSource{Path: e.release}}, newFake(), e.locks, nil, nil)
	assert.True(t, errors.Is(err, failure.Configuration))

	_, err = New(Config{DeployDir: e.deployDir, StateDir: e.stateDir, Snapshots: e.snaps}, newFake(), e.locks, nil, nil)
	assert.True(t, errors.Is(err, failure.Configuration))
}
