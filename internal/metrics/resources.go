package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDSource returns the pid of every service currently believed running.
type PIDSource func(ctx context.Context) map[string]int

// ResourceCollector reports CPU and memory of supervised services at scrape
// time. It holds no state between scrapes.
type ResourceCollector struct {
	source  PIDSource
	timeout time.Duration

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
	fds     *prometheus.Desc
}

func NewResourceCollector(source PIDSource) *ResourceCollector {
	labels := []string{"service", "pid"}
	return &ResourceCollector{
		source:  source,
		timeout: 2 * time.Second,
		cpu: prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "cpu_percent"),
			"CPU usage of the service process since it started.", labels, nil),
		rss: prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "memory_rss_bytes"),
			"Resident set size of the service process.", labels, nil),
		threads: prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "threads"),
			"Thread count of the service process.", labels, nil),
		fds: prometheus.NewDesc(prometheus.BuildFQName(namespace, "service", "open_fds"),
			"Open file descriptors of the service process.", labels, nil),
	}
}

func (c *ResourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
	ch <- c.fds
}

func (c *ResourceCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	for service, pid := range c.source(ctx) {
		p, err := gopsproc.NewProcessWithContext(ctx, int32(pid)) // #nosec G115
		if err != nil {
			continue
		}
		lv := []string{service, strconv.Itoa(pid)}
		if v, err := p.CPUPercentWithContext(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, v, lv...)
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mi.RSS), lv...)
		} else {
			slog.Debug("memory info unavailable", "service", service, "pid", pid, "error", err)
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n), lv...)
		}
		if n, err := p.NumFDsWithContext(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.fds, prometheus.GaugeValue, float64(n), lv...)
		}
	}
}
