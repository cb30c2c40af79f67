package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
)

const (
	manifestName = "snapshot.json"
	treeName     = "tree"
)

// Snapshot is a full copy of the deployed tree taken before an update. It is
// never modified after creation.
type Snapshot struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`   // copy of the tree
	Source    string    `json:"source"` // the deployed directory it was taken from
	Bytes     int64     `json:"bytes"`
}

// Snapshots manages snapshot directories under Dir.
type Snapshots struct {
	Dir  string
	Keep int // how many to retain on Prune; values below 1 keep one
	// Headroom is extra free space required beyond the tree size.
	Headroom int64
}

// Create copies source into a new snapshot. It fails before copying when the
// snapshot filesystem lacks space, and removes any partial copy on error.
func (s *Snapshots) Create(ctx context.Context, source string) (Snapshot, error) {
	size, err := Size(source)
	if err != nil {
		return Snapshot{}, fmt.Errorf("measure %s: %w", source, err)
	}
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return Snapshot{}, err
	}
	if err := s.checkSpace(ctx, size); err != nil {
		return Snapshot{}, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	dir := filepath.Join(s.Dir, now.Format("20060102T150405Z")+"-"+id[:8])
	snap := Snapshot{ID: id, Timestamp: now, Path: filepath.Join(dir, treeName), Source: source, Bytes: size}

	if err := CopyTree(ctx, source, snap.Path, nil); err != nil {
		_ = os.RemoveAll(dir)
		return Snapshot{}, fmt.Errorf("copy %s: %w", source, err)
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		_ = os.RemoveAll(dir)
		return Snapshot{}, err
	}
	// The manifest is written last: a directory without one is incomplete.
	if err := renameio.WriteFile(filepath.Join(dir, manifestName), b, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Snapshots) checkSpace(ctx context.Context, need int64) error {
	u, err := disk.UsageWithContext(ctx, s.Dir)
	if err != nil {
		return fmt.Errorf("free space of %s: %w", s.Dir, err)
	}
	want := uint64(need + s.Headroom) // #nosec G115
	if u.Free < want {
		return fmt.Errorf("insufficient space in %s: need %d bytes, %d free", s.Dir, want, u.Free)
	}
	return nil
}

// List returns complete snapshots, oldest first.
func (s *Snapshots) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.Dir, e.Name(), manifestName)) // #nosec G304
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Remove deletes snap from disk.
func (s *Snapshots) Remove(snap Snapshot) error {
	return os.RemoveAll(filepath.Dir(snap.Path))
}

// Prune removes all but the Keep newest snapshots and returns how many went.
func (s *Snapshots) Prune() (int, error) {
	keep := max(s.Keep, 1)
	all, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i < len(all)-keep; i++ {
		if err := s.Remove(all[i]); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Restore makes dst identical to the snapshot again, except for preserved
// paths which are left as they are.
func Restore(ctx context.Context, snap Snapshot, dst string, preserve Preserve) error {
	if _, err := os.Stat(snap.Path); err != nil {
		return fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	return Sync(ctx, snap.Path, dst, preserve)
}
