package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultStartupGrace = 5 * time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultReadyTimeout = 30 * time.Second
)

// Spec describes a service to be supervised. It is immutable once loaded.
type Spec struct {
	Name         string        `json:"name"`
	Command      string        `json:"command"`    // executable and args; shell metacharacters run through /bin/sh -c
	WorkDir      string        `json:"work_dir"`   // optional working dir
	Env          []string      `json:"env"`        // optional extra env (KEY=VALUE)
	LogPath      string        `json:"log_path"`   // stdout+stderr are appended here
	DependsOn    string        `json:"depends_on"` // optional name of a service that must be running first
	StartupGrace time.Duration `json:"startup_grace"`
	StopTimeout  time.Duration `json:"stop_timeout"`
	Signature    string        `json:"signature"` // command-line substring for fallback discovery
	ReadyURL     string        `json:"ready_url"` // optional HTTP readiness check
	ReadyTimeout time.Duration `json:"ready_timeout"`
}

// WithDefaults returns a copy with zero durations and the signature filled in.
func (s Spec) WithDefaults() Spec {
	if s.StartupGrace <= 0 {
		s.StartupGrace = DefaultStartupGrace
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	if s.ReadyTimeout <= 0 {
		s.ReadyTimeout = DefaultReadyTimeout
	}
	if strings.TrimSpace(s.Signature) == "" {
		s.Signature = strings.TrimSpace(s.Command)
	}
	return s
}

// Validate checks the fields that do not depend on other services.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New("service name is required")
	}
	if !IsSafeName(s.Name) {
		return fmt.Errorf("service name %q may only contain letters, digits, '.', '_' and '-'", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %s: command is required", s.Name)
	}
	if s.DependsOn == s.Name {
		return fmt.Errorf("service %s: cannot depend on itself", s.Name)
	}
	if s.StartupGrace < 0 || s.StopTimeout < 0 || s.ReadyTimeout < 0 {
		return fmt.Errorf("service %s: durations must not be negative", s.Name)
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("service %s: env entry %q is not KEY=VALUE", s.Name, kv)
		}
	}
	return nil
}

// IsSafeName reports whether s can be used as a file name component.
func IsSafeName(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// BuildCommand constructs an *exec.Cmd for s.Command. A shell is used only when
// the command needs one, and an explicit "sh -c" prefix is not wrapped twice.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return nil, fmt.Errorf("service %s: empty command", s.Name)
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC), nil
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr), nil
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...), nil
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG with
// one pair of enclosing quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
