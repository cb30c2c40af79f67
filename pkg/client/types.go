package client

import (
	"fmt"
	"time"
)

// ServiceStatus is the observed state of one service.
type ServiceStatus struct {
	Name        string    `json:"name" yaml:"name"`
	State       string    `json:"state" yaml:"state"` // running, stopped or unknown
	PID         int       `json:"pid,omitempty" yaml:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	DetectedBy  string    `json:"detected_by,omitempty" yaml:"detected_by,omitempty"`
	RecordState string    `json:"record_state,omitempty" yaml:"record_state,omitempty"`
	DependsOn   string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Note        string    `json:"note,omitempty" yaml:"note,omitempty"`
}

// Record is the persisted identity of a started service.
type Record struct {
	Service   string    `json:"service"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
}

// Transition is one phase change of an update.
type Transition struct {
	Phase string    `json:"phase" yaml:"phase"`
	At    time.Time `json:"at" yaml:"at"`
}

// UpdateResult is the outcome of POST /update.
type UpdateResult struct {
	Result struct {
		ID          string       `json:"id" yaml:"id"`
		Phase       string       `json:"phase" yaml:"phase"`
		Transitions []Transition `json:"transitions" yaml:"transitions"`
		Error       string       `json:"error,omitempty" yaml:"error,omitempty"`
	} `json:"result" yaml:"result"`
	Kind     string `json:"kind,omitempty" yaml:"kind,omitempty"`
	ExitCode int    `json:"exit_code" yaml:"exit_code"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// APIError is returned for non-2xx responses. ExitCode is what the same
// operation run locally would have exited with.
type APIError struct {
	Status   int
	Message  string
	Kind     string
	ExitCode int
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (HTTP %d, %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}
