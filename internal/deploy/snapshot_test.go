package deploy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCreateRestore(t *testing.T) {
	ctx := context.Background()
	deployDir := t.TempDir()
	writeTree(t, deployDir, map[string]string{"app/main.py": "v1", ".env": "TOKEN=a"})
	snaps := &Snapshots{Dir: filepath.Join(t.TempDir(), "snapshots"), Keep: 2}

	snap, err := snaps.Create(ctx, deployDir)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, deployDir, snap.Source)
	assert.Equal(t, int64(len("v1")+len("TOKEN=a")), snap.Bytes)

	// Simulate a half-applied update.
	writeTree(t, deployDir, map[string]string{"app/main.py": "v2-broken", "app/extra.py": "x", ".env": "TOKEN=b"})

	require.NoError(t, Restore(ctx, snap, deployDir, Preserve{".env"}))
	assert.Equal(t, map[string]string{"app/main.py": "v1", ".env": "TOKEN=b"}, readTree(t, deployDir))

	all, err := snaps.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, snap.ID, all[0].ID)
}

func TestSnapshotPruneKeepsNewest(t *testing.T) {
	ctx := context.Background()
	deployDir := t.TempDir()
	writeTree(t, deployDir, map[string]string{"f": "x"})
	snaps := &Snapshots{Dir: filepath.Join(t.TempDir(), "snapshots"), Keep: 2}

	var ids []string
	for i := 0; i < 4; i++ {
		s, err := snaps.Create(ctx, deployDir)
		require.NoError(t, err)
		ids = append(ids, s.ID)
		time.Sleep(10 * time.Millisecond)
	}
	removed, err := snaps.Prune()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := snaps.List()
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, ids[2], left[0].ID)
	assert.Equal(t, ids[3], left[1].ID)
}

func TestSnapshotInsufficientSpace(t *testing.T) {
	deployDir := t.TempDir()
	writeTree(t, deployDir, map[string]string{"f": "x"})
	snaps := &Snapshots{Dir: filepath.Join(t.TempDir(), "snapshots"), Headroom: 1 << 62}

	_, err := snaps.Create(context.Background(), deployDir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "insufficient space"), err.Error())
	left, err := snaps.List()
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSnapshotListIgnoresIncomplete(t *testing.T) {
	snaps := &Snapshots{Dir: t.TempDir()}
	require.NoError(t, os.MkdirAll(filepath.Join(snaps.Dir, "partial", treeName), 0o750))
	all, err := snaps.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}
