package update

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tandem/internal/deploy"
	"github.com/loykin/tandem/internal/failure"
	"github.com/loykin/tandem/internal/health"
	"github.com/loykin/tandem/internal/pidstore"
	"github.com/loykin/tandem/internal/process"
	"github.com/loykin/tandem/internal/supervisor"
)

func TestBrokenReleaseRollsBackRealServices(t *testing.T) {
	requireUnix(t)
	if testing.Short() {
		t.Skip("spawns processes")
	}
	e := newEnv(t)
	write(t, e.deployDir, "backend.sh", "exec sleep 30\n")
	write(t, e.deployDir, "client.sh", "exec sleep 30\n")
	write(t, e.release, "backend.sh", "exec sleep 30\n")
	write(t, e.release, "client.sh", "echo missing token >&2; exit 1\n")

	store, err := pidstore.NewFileStore(filepath.Join(e.stateDir, "pids"))
	require.NoError(t, err)
	checker := health.NewChecker()
	checker.Interval = 20 * time.Millisecond
	specs := []process.Spec{
		{Name: "backend", Command: "sh backend.sh", WorkDir: e.deployDir, StartupGrace: 300 * time.Millisecond, StopTimeout: 2 * time.Second},
		{Name: "client", Command: "sh client.sh", WorkDir: e.deployDir, DependsOn: "backend", StartupGrace: 300 * time.Millisecond, StopTimeout: 2 * time.Second},
	}
	sup, err := supervisor.New(specs, supervisor.Options{Store: store, Locks: e.locks, Checker: checker, LockTimeout: 5 * time.Second, DisableScan: true})
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() { _ = sup.StopAll(context.Background()) })
	require.NoError(t, sup.StartAll(ctx))

	o := e.orchestrator(t, sup, func(c *Config) { c.Preserve = deploy.Preserve{".env"} })
	res, err := o.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.UpdateFailed))
	assert.True(t, errors.Is(err, failure.StartupCrashed))
	assert.Equal(t, PhaseRolledBack, res.Phase)

	assert.Equal(t, "exec sleep 30\n", read(t, e.deployDir, "client.sh"))
	sts, err := sup.StatusAll(ctx)
	require.NoError(t, err)
	for _, st := range sts {
		assert.Equal(t, supervisor.StateRunning, st.State, st.Name)
	}
}
