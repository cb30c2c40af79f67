// Package pidstore persists the last known process identity of each service.
package pidstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// ErrNotFound is returned by Load when no record exists for a service.
var ErrNotFound = errors.New("pid record not found")

// State is the persisted lifecycle state of a service process.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Record is the unit of state persisted for a service. It is created on start,
// rewritten on every state transition and deleted on confirmed stop.
type Record struct {
	Service   string    `json:"service"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	State     State     `json:"state"`
	ExitError string    `json:"exit_error,omitempty"`
}

// Store keeps one Record per service.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, service string) (Record, error)
	Delete(ctx context.Context, service string) error
	List(ctx context.Context) ([]Record, error)
}

const suffix = ".pid"

// FileStore stores records as JSON files named <service>.pid under Dir.
type FileStore struct {
	Dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("pidstore: empty directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("pidstore: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

// Path returns the record file of service.
func (s *FileStore) Path(service string) string {
	return filepath.Join(s.Dir, service+suffix)
}

// Save writes rec through a temp file and rename, so a reader never observes a
// partially written record.
func (s *FileStore) Save(_ context.Context, rec Record) error {
	if rec.Service == "" {
		return errors.New("pidstore: record without service name")
	}
	if rec.PID <= 0 {
		return fmt.Errorf("pidstore: invalid pid %d for %s", rec.PID, rec.Service)
	}
	rec.StartedAt = rec.StartedAt.UTC()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.Path(rec.Service), append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("pidstore: save %s: %w", rec.Service, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, service string) (Record, error) {
	b, err := os.ReadFile(s.Path(service)) // #nosec G304
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("pidstore: load %s: %w", service, err)
	}
	return decode(service, b)
}

func decode(service string, b []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("pidstore: corrupt record for %s: %w", service, err)
	}
	if rec.Service == "" {
		rec.Service = service
	}
	return rec, nil
}

// Delete removes the record; a missing record is not an error.
func (s *FileStore) Delete(_ context.Context, service string) error {
	err := os.Remove(s.Path(service))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("pidstore: delete %s: %w", service, err)
	}
	return nil
}

// List returns all readable records sorted by service name. Corrupt files are
// skipped.
func (s *FileStore) List(_ context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		service := strings.TrimSuffix(name, suffix)
		b, err := os.ReadFile(filepath.Join(s.Dir, name)) // #nosec G304
		if err != nil {
			continue
		}
		rec, err := decode(service, b)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}
