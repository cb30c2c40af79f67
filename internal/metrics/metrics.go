package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tandem"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of confirmed service starts.",
		}, []string{"service"},
	)
	serviceStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "start_failures_total",
			Help:      "Number of failed service starts by failure kind.",
		}, []string{"service", "kind"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops; forced is true when SIGKILL was needed.",
		}, []string{"service", "forced"},
	)
	serviceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "start_duration_seconds",
			Help:      "Time from launch to confirmed readiness.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "up",
			Help:      "1 when the service was last observed running, 0 otherwise.",
		}, []string{"service"},
	)

	updateRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "runs_total",
			Help:      "Number of update runs by final phase.",
		}, []string{"outcome"},
	)
	updatePhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each update phase.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"phase"},
	)
	updateDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "degraded",
			Help:      "1 while a failed rollback left the deployment degraded.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStartFailures, serviceStops, serviceStartDuration, serviceUp,
		updateRuns, updatePhaseDuration, updateDegraded,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// Already registered: keep the existing collector.
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncStartFailure(service, kind string) {
	if regOK.Load() {
		serviceStartFailures.WithLabelValues(service, kind).Inc()
	}
}

func IncStop(service string, forced bool) {
	if regOK.Load() {
		f := "false"
		if forced {
			f = "true"
		}
		serviceStops.WithLabelValues(service, f).Inc()
	}
}

func ObserveStartDuration(service string, seconds float64) {
	if regOK.Load() {
		serviceStartDuration.WithLabelValues(service).Observe(seconds)
	}
}

func SetServiceUp(service string, up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1
		}
		serviceUp.WithLabelValues(service).Set(v)
	}
}

func IncUpdate(outcome string) {
	if regOK.Load() {
		updateRuns.WithLabelValues(outcome).Inc()
	}
}

func ObservePhase(phase string, seconds float64) {
	if regOK.Load() {
		updatePhaseDuration.WithLabelValues(phase).Observe(seconds)
	}
}

func SetDegraded(degraded bool) {
	if regOK.Load() {
		if degraded {
			updateDegraded.Set(1)
		} else {
			updateDegraded.Set(0)
		}
	}
}

// WriteTextfile writes everything g gathers to path in the text exposition
// format, atomically, for the node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, g)
}
