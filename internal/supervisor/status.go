package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/tandem/internal/detector"
	"github.com/loykin/tandem/internal/metrics"
	"github.com/loykin/tandem/internal/pidstore"
	"github.com/loykin/tandem/internal/process"
)

// State is the normalized, externally reported state of a service.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"
)

// Status is what status reporting shows for one service.
type Status struct {
	Name        string         `json:"name" yaml:"name"`
	State       State          `json:"state" yaml:"state"`
	PID         int            `json:"pid,omitempty" yaml:"pid,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	DetectedBy  string         `json:"detected_by,omitempty" yaml:"detected_by,omitempty"`
	RecordState pidstore.State `json:"record_state,omitempty" yaml:"record_state,omitempty"`
	DependsOn   string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Note        string         `json:"note,omitempty" yaml:"note,omitempty"`
}

// StatusAll reports every service in dependency order. It takes no locks and
// never changes persisted state.
func (s *Supervisor) StatusAll(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		st, err := s.Status(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Status reports one service. A live pid is reported running only when its
// OS start time matches the record and the record says running.
func (s *Supervisor) Status(ctx context.Context, name string) (Status, error) {
	sp, err := s.spec(name, "status")
	if err != nil {
		return Status{}, err
	}
	st := s.inspect(ctx, sp)
	metrics.SetServiceUp(name, st.State == StateRunning)
	return st, nil
}

func (s *Supervisor) inspect(ctx context.Context, sp process.Spec) Status {
	st := Status{Name: sp.Name, State: StateStopped, DependsOn: sp.DependsOn}
	rec, err := s.opts.Store.Load(ctx, sp.Name)
	switch {
	case errors.Is(err, pidstore.ErrNotFound):
		return s.scan(ctx, sp, st)
	case err != nil:
		st.State = StateUnknown
		st.Note = err.Error()
		return st
	}

	st.PID = rec.PID
	st.StartedAt = rec.StartedAt
	st.RecordState = rec.State
	d := detector.RecordDetector{PID: rec.PID, StartedAt: rec.StartedAt}
	st.DetectedBy = d.Describe()

	switch d.Verify() {
	case detector.Alive:
		if rec.State == pidstore.StateRunning {
			st.State = StateRunning
		} else {
			st.State = StateUnknown
			st.Note = fmt.Sprintf("process alive but record is %s", rec.State)
		}
	case detector.Reused:
		st.State = StateUnknown
		st.Note = "pid reused by another process"
	case detector.Dead:
		st.State = StateStopped
		if process.GroupAlive(rec.PID) {
			st.State = StateUnknown
			st.Note = "leader exited but its process group is still alive"
			break
		}
		switch rec.State {
		case pidstore.StateFailed:
			st.Note = "last start failed: " + rec.ExitError
		case pidstore.StateRunning, pidstore.StateStarting:
			st.Note = "exited unexpectedly"
		}
	}
	return st
}

// scan looks for unrecorded processes; anything found is reported unknown.
func (s *Supervisor) scan(ctx context.Context, sp process.Spec, st Status) Status {
	if s.opts.DisableScan {
		return st
	}
	d := detector.ScanDetector{Signature: sp.Signature}
	pids, err := d.Find(ctx)
	if err != nil || len(pids) == 0 {
		return st
	}
	st.State = StateUnknown
	st.PID = pids[0]
	st.DetectedBy = d.Describe()
	st.Note = fmt.Sprintf("no record; %d process(es) match the command line", len(pids))
	return st
}

// RunningPIDs returns the pid of every service reported running.
func (s *Supervisor) RunningPIDs(ctx context.Context) map[string]int {
	out := make(map[string]int)
	sts, err := s.StatusAll(ctx)
	if err != nil {
		return out
	}
	for _, st := range sts {
		if st.State == StateRunning {
			out[st.Name] = st.PID
		}
	}
	return out
}
