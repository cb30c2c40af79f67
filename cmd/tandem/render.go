package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/loykin/tandem"
	"github.com/loykin/tandem/internal/history"
	"github.com/loykin/tandem/pkg/client"
)

var stateColors = map[string]*color.Color{
	"running": color.New(color.FgGreen),
	"stopped": color.New(color.FgYellow),
	"unknown": color.New(color.FgRed, color.Bold),
}

var phaseColors = map[string]*color.Color{
	"committed":   color.New(color.FgGreen),
	"rolled_back": color.New(color.FgYellow),
	"aborted":     color.New(color.FgYellow),
	"degraded":    color.New(color.FgRed, color.Bold),
}

func paint(colors map[string]*color.Color, s string) string {
	if c, ok := colors[s]; ok {
		return c.Sprint(s)
	}
	return s
}

func validOutput(o string) error {
	switch o {
	case "", "table", "json", "yaml":
		return nil
	}
	return usageError{fmt.Errorf("unknown output format %q (table, json, yaml)", o)}
}

// renderAny writes v as JSON or YAML. Table output falls back to JSON for
// types without a table form.
func renderAny(w io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func toView(sts []tandem.Status) []client.ServiceStatus {
	out := make([]client.ServiceStatus, 0, len(sts))
	for _, s := range sts {
		out = append(out, client.ServiceStatus{
			Name:        s.Name,
			State:       string(s.State),
			PID:         s.PID,
			StartedAt:   s.StartedAt,
			DetectedBy:  s.DetectedBy,
			RecordState: string(s.RecordState),
			DependsOn:   s.DependsOn,
			Note:        s.Note,
		})
	}
	return out
}

type statusDoc struct {
	Services []client.ServiceStatus `json:"services" yaml:"services"`
	Degraded *tandem.Degraded       `json:"degraded,omitempty" yaml:"degraded,omitempty"`
}

func renderStatus(w io.Writer, format string, sts []client.ServiceStatus, d *tandem.Degraded) error {
	if format == "json" || format == "yaml" {
		return renderAny(w, format, statusDoc{Services: sts, Degraded: d})
	}
	if d != nil {
		red := color.New(color.FgRed, color.Bold)
		if _, err := fmt.Fprintf(w, "%s update %s failed in %s and could not roll back: %s\n",
			red.Sprint("DEGRADED"), d.UpdateID, d.FailedPhase, d.RollbackError); err != nil {
			return err
		}
		if d.SnapshotPath != "" {
			if _, err := fmt.Fprintf(w, "         snapshot kept at %s\n", d.SnapshotPath); err != nil {
				return err
			}
		}
	}
	// state goes last so its color codes do not skew column widths
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tPID\tSTARTED\tDETECTED BY\tSTATE")
	for _, s := range sts {
		pid, started := "-", "-"
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
		}
		if !s.StartedAt.IsZero() {
			started = s.StartedAt.Local().Format(time.DateTime)
		}
		detected := s.DetectedBy
		if detected == "" {
			detected = "-"
		}
		state := paint(stateColors, s.State)
		if s.Note != "" {
			state += " (" + s.Note + ")"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Name, pid, started, detected, state)
	}
	return tw.Flush()
}

func renderOnce(ctx context.Context, app *tandem.App, w io.Writer, format, name string) error {
	var sts []tandem.Status
	if name != "" {
		st, err := app.Status(ctx, name)
		if err != nil {
			return err
		}
		sts = []tandem.Status{st}
	} else {
		all, err := app.StatusAll(ctx)
		if err != nil {
			return err
		}
		sts = all
	}
	d, degraded, err := app.Degraded()
	if err != nil {
		app.Logger.Warn("read degraded marker", "error", err)
	}
	var dp *tandem.Degraded
	if degraded {
		dp = &d
	}
	return renderStatus(w, format, toView(sts), dp)
}

func renderUpdate(w io.Writer, format string, res tandem.UpdateResult) error {
	if format == "json" || format == "yaml" {
		return renderAny(w, format, res)
	}
	if _, err := fmt.Fprintf(w, "update %s: %s\n", res.ID, paint(phaseColors, string(res.Phase))); err != nil {
		return err
	}
	var prev time.Time
	for _, t := range res.Transitions {
		step := ""
		if !prev.IsZero() {
			step = "+" + t.At.Sub(prev).Round(time.Millisecond).String()
		}
		prev = t.At
		if _, err := fmt.Fprintf(w, "  %-20s %s\n", t.Phase, step); err != nil {
			return err
		}
	}
	if res.Snapshot.ID != "" {
		if _, err := fmt.Fprintf(w, "  snapshot %s\n", res.Snapshot.Path); err != nil {
			return err
		}
	}
	return nil
}

func renderHistory(w io.Writer, format string, evs []history.Event) error {
	if format == "json" || format == "yaml" {
		if evs == nil {
			evs = []history.Event{}
		}
		return renderAny(w, format, evs)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tSERVICE\tDETAIL")
	for _, e := range evs {
		var detail []string
		if e.PID > 0 {
			detail = append(detail, "pid="+strconv.Itoa(e.PID))
		}
		if e.Phase != "" {
			detail = append(detail, "phase="+e.Phase)
		}
		if e.UpdateID != "" {
			detail = append(detail, "update="+e.UpdateID)
		}
		if e.Error != "" {
			detail = append(detail, "error="+e.Error)
		}
		svc := e.Service
		if svc == "" {
			svc = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.OccurredAt.Local().Format(time.DateTime), e.Type, svc, strings.Join(detail, " "))
	}
	return tw.Flush()
}
