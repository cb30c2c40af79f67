// Package history exports service lifecycle and update events to external
// analytics stores.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"        // process launched, awaiting confirmation
	EventReady       EventType = "ready"        // survived the grace window
	EventStartFailed EventType = "start_failed" // crashed or timed out while starting
	EventStop        EventType = "stop"
	EventKill        EventType = "kill"
	EventUpdate      EventType = "update" // update phase transition
)

// Event is a single lifecycle or update record.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service,omitempty"`
	PID        int       `json:"pid,omitempty"`
	State      string    `json:"state,omitempty"`
	UpdateID   string    `json:"update_id,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to every sink. Sink failures are logged and never
// surface to the caller: history must not break supervision.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecorder returns a Recorder over sinks. A nil logger discards failures.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{sinks: sinks, logger: logger, timeout: 5 * time.Second}
}

// Record stamps e if needed and sends it to all sinks.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	// Events are also recorded while rolling back after cancellation.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(sctx, e); err != nil {
			r.logger.Warn("history sink failed", "event", e.Type, "service", e.Service, "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Reader is implemented by sinks that can be queried back.
type Reader interface {
	Recent(ctx context.Context, service string, limit int) ([]Event, error)
}

// ErrNoReader is returned by Recent when no configured sink can be queried.
var ErrNoReader = errors.New("no queryable history sink configured (use a sqlite DSN)")

// Recent reads from the first sink that implements Reader.
func (r *Recorder) Recent(ctx context.Context, service string, limit int) ([]Event, error) {
	if r != nil {
		for _, s := range r.sinks {
			if rd, ok := s.(Reader); ok {
				return rd.Recent(ctx, service, limit)
			}
		}
	}
	return nil, ErrNoReader
}
