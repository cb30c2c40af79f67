// Package failure defines the typed errors surfaced by the supervisor and the
// updater, and maps them onto CLI exit codes.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindDependencyNotReady Kind = "dependency_not_ready"
	KindStartupTimeout     Kind = "startup_timeout"
	KindStartupCrashed     Kind = "startup_crashed"
	KindStopFailed         Kind = "stop_failed"
	KindSnapshotFailed     Kind = "snapshot_failed"
	KindUpdateFailed       Kind = "update_failed"
	KindRollbackFailed     Kind = "rollback_failed"
	KindBusy               Kind = "busy"
	KindInterrupted        Kind = "interrupted"
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	Configuration      = &Error{Kind: KindConfiguration}
	DependencyNotReady = &Error{Kind: KindDependencyNotReady}
	StartupTimeout     = &Error{Kind: KindStartupTimeout}
	StartupCrashed     = &Error{Kind: KindStartupCrashed}
	StopFailed         = &Error{Kind: KindStopFailed}
	SnapshotFailed     = &Error{Kind: KindSnapshotFailed}
	UpdateFailed       = &Error{Kind: KindUpdateFailed}
	RollbackFailed     = &Error{Kind: KindRollbackFailed}
	Busy               = &Error{Kind: KindBusy}
	Interrupted        = &Error{Kind: KindInterrupted}
)

// Error carries the kind plus enough context (service, stage) to log and alert.
type Error struct {
	Kind    Kind
	Service string
	Stage   string
	Err     error
}

// New builds an *Error. service and stage may be empty.
func New(kind Kind, service, stage string, err error) *Error {
	return &Error{Kind: kind, Service: service, Stage: stage, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, service, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Service: service, Stage: stage, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Service != "" {
		msg += " (service " + e.Service + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work with
// errors.Is regardless of service or stage.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Exit codes of the command surface.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitConfiguration  = 2
	ExitRollbackFailed = 3
)

// ExitCode maps err to the command exit status. A rollback failure anywhere
// in the chain wins over the outer kind because it needs an operator.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, RollbackFailed) {
		return ExitRollbackFailed
	}
	if errors.Is(err, Configuration) {
		return ExitConfiguration
	}
	return ExitFailure
}

// FromContext converts a context error into an Interrupted failure. It returns
// nil when ctx is still live.
func FromContext(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return New(KindInterrupted, "", stage, err)
	}
	return nil
}
