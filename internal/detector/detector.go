// Package detector decides whether a recorded service process is still the
// process that was started, and finds unrecorded ones by command line.
package detector

import "time"

// Verdict is the outcome of re-verifying a recorded process identity
// against the OS.
type Verdict int

const (
	// Dead means no process with the recorded pid exists (or it is a zombie).
	Dead Verdict = iota
	// Alive means the pid exists and its start time matches the record.
	Alive
	// Reused means the pid exists but belongs to a different, later process.
	Reused
)

func (v Verdict) String() string {
	switch v {
	case Alive:
		return "alive"
	case Reused:
		return "reused"
	default:
		return "dead"
	}
}

// StartTimeTolerance bounds the difference between a recorded start time and
// the OS-reported start time for the two to be considered the same process.
// The OS value is derived from boot time in whole seconds plus clock ticks.
const StartTimeTolerance = time.Second
