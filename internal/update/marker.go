package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// MarkerName is the file written to the state directory when a rollback fails.
const MarkerName = "DEGRADED"

// Degraded describes a deployment left in an unknown state by a failed
// rollback. It stays until the next committed update.
type Degraded struct {
	UpdateID      string    `json:"update_id" yaml:"update_id"`
	SnapshotID    string    `json:"snapshot_id,omitempty" yaml:"snapshot_id,omitempty"`
	SnapshotPath  string    `json:"snapshot_path,omitempty" yaml:"snapshot_path,omitempty"`
	FailedPhase   Phase     `json:"failed_phase" yaml:"failed_phase"`
	Cause         string    `json:"cause" yaml:"cause"`
	RollbackError string    `json:"rollback_error" yaml:"rollback_error"`
	At            time.Time `json:"at" yaml:"at"`
}

func markerPath(stateDir string) string { return filepath.Join(stateDir, MarkerName) }

// WriteMarker atomically writes d into stateDir.
func WriteMarker(stateDir string, d Degraded) error {
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(markerPath(stateDir), append(b, '\n'), 0o600)
}

// ReadMarker returns the degraded marker if one exists.
func ReadMarker(stateDir string) (Degraded, bool, error) {
	b, err := os.ReadFile(markerPath(stateDir)) // #nosec G304
	if errors.Is(err, os.ErrNotExist) {
		return Degraded{}, false, nil
	}
	if err != nil {
		return Degraded{}, false, err
	}
	var d Degraded
	if err := json.Unmarshal(b, &d); err != nil {
		return Degraded{}, true, fmt.Errorf("corrupt %s marker: %w", MarkerName, err)
	}
	return d, true, nil
}

// ClearMarker removes the marker; a missing marker is fine.
func ClearMarker(stateDir string) error {
	err := os.Remove(markerPath(stateDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
