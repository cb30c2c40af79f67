//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/tandem/internal/detector"
)

const (
	pollInterval = 50 * time.Millisecond
	killWait     = 2 * time.Second
)

// configureSysProcAttr starts the child in a new session: it is detached from
// the controlling terminal and leads its own process group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// signalGroup signals the process group led by pid, falling back to the pid
// alone when it does not lead a group.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// GroupAlive reports whether any member of the process group pgid exists. A
// pgid is never handed out as a new pid while its group has members, so this
// stays meaningful after the leader is gone.
func GroupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// KillGroup sends SIGKILL to every member of the group pgid, including
// members that outlived the leader, and waits a bounded time for them to go.
func KillGroup(pgid int) error {
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("SIGKILL group %d: %w", pgid, err)
	}
	if !waitGone(pgid, true, killWait) {
		return fmt.Errorf("process group %d still alive after SIGKILL", pgid)
	}
	return nil
}

// Terminate sends SIGTERM, waits up to timeout for the process to exit and then
// escalates to SIGKILL. With group set the whole process group is signalled
// and waited for, not only its leader. forced reports whether SIGKILL was
// needed. An error means something was still alive after SIGKILL.
func Terminate(pid int, group bool, timeout time.Duration) (forced bool, err error) {
	if !alive(pid, group) {
		return false, nil
	}
	send := func(sig syscall.Signal) error {
		if group {
			return signalGroup(pid, sig)
		}
		return syscall.Kill(pid, sig)
	}
	if err := send(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return false, fmt.Errorf("SIGTERM pid %d: %w", pid, err)
	}
	if waitGone(pid, group, timeout) {
		return false, nil
	}
	if err := Kill(pid, group); err != nil {
		return true, err
	}
	return true, nil
}

// Kill sends SIGKILL and waits a bounded time for the process (and with group
// set, every member of its group) to disappear.
func Kill(pid int, group bool) error {
	if group {
		if !alive(pid, true) {
			return nil
		}
		if GroupAlive(pid) {
			return KillGroup(pid)
		}
	}
	if !detector.PIDAlive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("SIGKILL pid %d: %w", pid, err)
	}
	if !waitGone(pid, false, killWait) {
		return fmt.Errorf("pid %d still alive after SIGKILL", pid)
	}
	return nil
}

func alive(pid int, group bool) bool {
	return detector.PIDAlive(pid) || (group && GroupAlive(pid))
}

func waitGone(pid int, group bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !alive(pid, group) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
