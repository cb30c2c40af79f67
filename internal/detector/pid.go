package detector

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

// PIDAlive returns true if a process with the given pid exists and is not a
// zombie. EPERM counts as alive: the process exists but belongs to another user.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	// A child that exited but was not reaped yet still answers signal 0.
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return true
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Verify re-checks a recorded identity. A live pid whose OS start time cannot
// be read is trusted only when startedAt is zero; otherwise the start times
// must agree within StartTimeTolerance.
func Verify(pid int, startedAt time.Time) Verdict {
	if !PIDAlive(pid) {
		return Dead
	}
	if startedAt.IsZero() {
		return Alive
	}
	actual, ok := ProcStart(pid)
	if !ok {
		// Alive but unverifiable: never claim it is ours.
		return Reused
	}
	d := actual.Sub(startedAt)
	if d < 0 {
		d = -d
	}
	if d > StartTimeTolerance {
		return Reused
	}
	return Alive
}

// RecordDetector detects a service through its persisted pid and start time.
type RecordDetector struct {
	PID       int
	StartedAt time.Time
}

// Verify re-checks the recorded identity.
func (d RecordDetector) Verify() Verdict { return Verify(d.PID, d.StartedAt) }

func (d RecordDetector) Describe() string { return fmt.Sprintf("record:%d", d.PID) }
