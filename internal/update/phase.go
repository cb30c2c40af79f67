// Package update runs the transactional update workflow: snapshot, stop,
// replace, install, start, verify, and roll back on any failure.
package update

import "time"

// Phase of an update run.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseSnapshotting      Phase = "snapshotting"
	PhaseStopping          Phase = "stopping"
	PhaseReplacing         Phase = "replacing"
	PhaseDependencyInstall Phase = "dependency_install"
	PhaseStarting          Phase = "starting"
	PhaseVerifying         Phase = "verifying"
	PhaseCommitted         Phase = "committed"
	PhaseRollingBack       Phase = "rolling_back"
	PhaseRolledBack        Phase = "rolled_back"
	PhaseDegraded          Phase = "degraded"
	// PhaseAborted ends a run that failed or was interrupted before any
	// service was touched.
	PhaseAborted Phase = "aborted"
)

// Transition records entering a phase.
type Transition struct {
	Phase Phase     `json:"phase" yaml:"phase"`
	At    time.Time `json:"at" yaml:"at"`
}
