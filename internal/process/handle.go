package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/tandem/internal/detector"
)

// ExitInfo describes how a launched process ended.
type ExitInfo struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	Err    error     `json:"-"`
	At     time.Time `json:"at"`
}

func (e ExitInfo) String() string {
	if e.Signal != "" {
		return "killed by signal " + e.Signal
	}
	if e.Err != nil && e.Code < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Handle is a launched service process. The process runs in its own session
// so it outlives the launcher and can be signalled as a group.
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu   sync.Mutex
	exit *ExitInfo
}

// Launch starts spec with the given environment (nil inherits the current
// one). Output is appended to spec.LogPath, or discarded when it is empty.
func Launch(spec Spec, env []string) (*Handle, error) {
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, err
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	out, err := openLog(spec.LogPath)
	if err != nil {
		return nil, fmt.Errorf("open log for %s: %w", spec.Name, err)
	}
	// The child holds its own descriptor once started.
	defer func() { _ = out.Close() }()
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	started, ok := detector.ProcStart(pid)
	if !ok {
		started = time.Now()
	}
	h := &Handle{spec: spec, cmd: cmd, pid: pid, startedAt: started, done: make(chan struct{})}
	go h.reap()
	return h, nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640) // #nosec G304
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	info := ExitInfo{Code: -1, Err: err, At: time.Now()}
	var ee *exec.ExitError
	switch {
	case err == nil:
		info.Code = 0
	case errors.As(err, &ee):
		info.Code = ee.ExitCode()
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signal = ws.Signal().String()
		}
	}
	h.mu.Lock()
	h.exit = &info
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited returns the exit information once the process has ended.
func (h *Handle) Exited() (ExitInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exit == nil {
		return ExitInfo{}, false
	}
	return *h.exit, true
}

// Kill sends SIGKILL to the whole process group, even when the leader has
// already exited, and waits up to wait for the leader to be reaped and the
// group to empty.
func (h *Handle) Kill(wait time.Duration) error {
	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("SIGKILL group of %s (pid %d): %w", h.spec.Name, h.pid, err)
	}
	select {
	case <-h.done:
	case <-time.After(wait):
		return fmt.Errorf("%s (pid %d) not reaped after SIGKILL", h.spec.Name, h.pid)
	}
	if !waitGone(h.pid, true, wait) {
		return fmt.Errorf("%s: process group %d still alive after SIGKILL", h.spec.Name, h.pid)
	}
	return nil
}
