package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("backend")
	IncStartFailure("client", "startup_crashed")
	IncStop("backend", false)
	IncStop("backend", true)
	ObserveStartDuration("backend", 1.25)
	SetServiceUp("backend", true)
	IncUpdate("committed")
	ObservePhase("snapshotting", 0.3)
	SetDegraded(false)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"tandem_service_starts_total":           false,
		"tandem_service_start_failures_total":   false,
		"tandem_service_stops_total":            false,
		"tandem_service_start_duration_seconds": false,
		"tandem_service_up":                     false,
		"tandem_update_runs_total":              false,
		"tandem_update_phase_duration_seconds":  false,
		"tandem_update_degraded":                false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerForServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "tandem_test_total", Help: "t"})
	reg.MustRegister(c)
	c.Inc()

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "tandem_test_total 1") {
		t.Fatalf("unexpected body: %s", b)
	}
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "tandem_textfile_check", Help: "t"})
	reg.MustRegister(g)
	g.Set(3)

	path := filepath.Join(t.TempDir(), "tandem.prom")
	if err := WriteTextfile(path, reg); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), "tandem_textfile_check 3") {
		t.Fatalf("unexpected textfile: %s", b)
	}
	if err := WriteTextfile("", reg); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

func TestResourceCollectorReportsSelf(t *testing.T) {
	pid := os.Getpid()
	c := NewResourceCollector(func(context.Context) map[string]int {
		return map[string]int{"self": pid}
	})
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "tandem_service_memory_rss_bytes" {
			for _, m := range mf.GetMetric() {
				if m.GetGauge().GetValue() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatalf("rss for own process not reported")
	}
}
