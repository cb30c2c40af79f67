// Package health confirms that a freshly launched process survived its
// startup grace window and, optionally, answers an HTTP readiness check.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/loykin/tandem/internal/detector"
	"github.com/loykin/tandem/internal/process"
)

// Outcome of a startup confirmation.
type Outcome string

const (
	Ready   Outcome = "ready"
	Crashed Outcome = "crashed"
	Timeout Outcome = "timeout"
)

// Target is a launched process under confirmation. *process.Handle satisfies it.
type Target interface {
	PID() int
	Done() <-chan struct{}
	Exited() (process.ExitInfo, bool)
}

// Result is returned by Confirm. Exit is set when Outcome is Crashed.
type Result struct {
	Outcome Outcome
	Exit    *process.ExitInfo
	Err     error
}

// Readiness describes the optional HTTP readiness check.
type Readiness struct {
	URL     string
	Timeout time.Duration
}

// Checker confirms process startup by polling liveness.
type Checker struct {
	// Interval between liveness polls.
	Interval time.Duration
	// HTTP readiness check backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Client         *http.Client
}

// NewChecker returns a checker with a 100ms poll interval and a 50ms to 1s
// exponential readiness backoff.
func NewChecker() *Checker {
	return &Checker{
		Interval:       100 * time.Millisecond,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Client:         &http.Client{Timeout: 5 * time.Second},
	}
}

// Confirm waits for the grace window. An exit observed inside it yields
// Crashed with the exit information; surviving it yields Ready unless readiness
// has a URL, in which case the URL must answer 2xx before readiness.Timeout.
// A cancelled ctx yields Timeout with Err set to the context error.
func (c *Checker) Confirm(ctx context.Context, target Target, grace time.Duration, readiness Readiness) Result {
	interval := c.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		if r, ok := crashed(target); ok {
			return r
		}
		select {
		case <-target.Done():
			r, _ := crashed(target)
			return r
		case <-ctx.Done():
			return Result{Outcome: Timeout, Err: ctx.Err()}
		case <-deadline.C:
			if r, ok := crashed(target); ok {
				return r
			}
			if readiness.URL == "" {
				return Result{Outcome: Ready}
			}
			return c.waitReady(ctx, target, readiness)
		case <-tick.C:
		}
	}
}

// crashed reports an exit of target, whether reaped by us or vanished.
func crashed(target Target) (Result, bool) {
	if info, ok := target.Exited(); ok {
		return Result{Outcome: Crashed, Exit: &info, Err: errors.New(info.String())}, true
	}
	if !detector.PIDAlive(target.PID()) {
		select {
		case <-target.Done():
			info, _ := target.Exited()
			return Result{Outcome: Crashed, Exit: &info, Err: errors.New(info.String())}, true
		case <-time.After(50 * time.Millisecond):
		}
		if info, ok := target.Exited(); ok {
			return Result{Outcome: Crashed, Exit: &info, Err: errors.New(info.String())}, true
		}
		return Result{Outcome: Crashed, Err: fmt.Errorf("pid %d disappeared", target.PID())}, true
	}
	return Result{}, false
}

func (c *Checker) waitReady(ctx context.Context, target Target, readiness Readiness) Result {
	timeout := readiness.Timeout
	if timeout <= 0 {
		timeout = process.DefaultReadyTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := c.InitialBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	maxBackoff := c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = time.Second
	}
	attempts := 0
	var lastErr error
	for {
		attempts++
		if lastErr = c.check(pctx, readiness.URL); lastErr == nil {
			return Result{Outcome: Ready}
		}
		if r, ok := crashed(target); ok {
			return r
		}
		select {
		case <-target.Done():
			r, _ := crashed(target)
			return r
		case <-pctx.Done():
			return Result{Outcome: Timeout, Err: fmt.Errorf("readiness check %s failed after %d attempts: %w", readiness.URL, attempts, lastErr)}
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Checker) check(ctx context.Context, url string) error {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
