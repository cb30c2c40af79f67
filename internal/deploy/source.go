package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Source delivers a new version of the tree into the deploy directory.
type Source interface {
	Fetch(ctx context.Context, deployDir string, preserve Preserve) error
	Describe() string
}

// DirSource mirrors a prepared directory (a release checkout, an unpacked
// artifact) into the deploy directory.
type DirSource struct {
	Path string
}

func (d DirSource) Fetch(ctx context.Context, deployDir string, preserve Preserve) error {
	fi, err := os.Stat(d.Path)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("update source %s is not a directory", d.Path)
	}
	return Sync(ctx, d.Path, deployDir, preserve)
}

func (d DirSource) Describe() string { return "dir:" + d.Path }

// CommandSource runs a command (for example "git pull --ff-only") inside the
// deploy directory. Preserved paths are set aside before the command runs and
// put back afterwards, whether or not it succeeded.
type CommandSource struct {
	Command string
	Timeout time.Duration
	Env     []string
	Output  io.Writer
}

func (c CommandSource) Fetch(ctx context.Context, deployDir string, preserve Preserve) error {
	run := func() error {
		return RunCommand(ctx, Command{Line: c.Command, Dir: deployDir, Timeout: c.Timeout, Env: c.Env, Output: c.Output})
	}
	if len(preserve) == 0 {
		return run()
	}
	stash, err := os.MkdirTemp("", "tandem-preserve-")
	if err != nil {
		return fmt.Errorf("stash preserved paths: %w", err)
	}
	defer func() { _ = os.RemoveAll(stash) }()
	if err := CopyMatched(ctx, deployDir, stash, preserve); err != nil {
		return fmt.Errorf("stash preserved paths: %w", err)
	}
	runErr := run()
	// Put the operator's files back even when the command failed or ctx was
	// cancelled; rollback restores around them.
	if err := CopyTree(context.WithoutCancel(ctx), stash, deployDir, nil); err != nil {
		return errors.Join(runErr, fmt.Errorf("restore preserved paths: %w", err))
	}
	return runErr
}

func (c CommandSource) Describe() string { return "command:" + c.Command }

// Command is an opaque shell command run with a bounded duration.
type Command struct {
	Line    string
	Dir     string
	Timeout time.Duration
	Env     []string
	Output  io.Writer
}

// DefaultCommandTimeout bounds commands configured without a timeout.
const DefaultCommandTimeout = 10 * time.Minute

// RunCommand runs c through /bin/sh. On timeout or cancellation the whole
// process group is killed.
func RunCommand(ctx context.Context, c Command) error {
	line := strings.TrimSpace(c.Line)
	if line == "" {
		return errors.New("empty command")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", line) // #nosec G204
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	out := c.Output
	if out == nil {
		out = io.Discard
	}
	var tail tailBuffer
	cmd.Stdout = io.MultiWriter(out, &tail)
	cmd.Stderr = io.MultiWriter(out, &tail)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if cctx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%q timed out after %v", line, timeout)
	}
	if err != nil {
		if t := tail.String(); t != "" {
			return fmt.Errorf("%q: %w: %s", line, err, t)
		}
		return fmt.Errorf("%q: %w", line, err)
	}
	return nil
}

// tailBuffer keeps the last few hundred bytes of output for error messages.
type tailBuffer struct{ b []byte }

const tailSize = 512

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.b = append(t.b, p...)
	if len(t.b) > tailSize {
		t.b = t.b[len(t.b)-tailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return strings.TrimSpace(string(t.b)) }
