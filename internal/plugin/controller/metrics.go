package controller

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"orbishost/internal/plugin/process"
)

const metricsNamespace = "orbishost"

// collectTimeout bounds the usage sampling one scrape may spend per
// plugin.
const collectTimeout = 2 * time.Second

// ManagerCollector exports the manager's view of every plugin on each
// scrape. Samples are taken live rather than cached so the scrape
// interval decides the polling cost.
type ManagerCollector struct {
	svc Service

	up       *prometheus.Desc
	restarts *prometheus.Desc
	uptime   *prometheus.Desc
	memory   *prometheus.Desc
	cpu      *prometheus.Desc
}

// NewManagerCollector creates a collector over the manager surface.
func NewManagerCollector(svc Service) *ManagerCollector {
	return &ManagerCollector{
		svc: svc,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "plugin", "up"),
			"Whether the plugin's worker is serving (1) or down (0).",
			[]string{"plugin", "status"}, nil),
		restarts: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "plugin", "restarts_total"),
			"Restart attempts consumed by the plugin.",
			[]string{"plugin"}, nil),
		uptime: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "plugin", "uptime_seconds"),
			"Seconds since the current worker came up.",
			[]string{"plugin"}, nil),
		memory: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "plugin", "memory_bytes"),
			"Worker memory consumption as measured by the enforcement layer.",
			[]string{"plugin", "source"}, nil),
		cpu: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "plugin", "cpu_seconds_total"),
			"Cumulative worker CPU time.",
			[]string{"plugin", "source"}, nil),
	}
}

func (mc *ManagerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.up
	ch <- mc.restarts
	ch <- mc.uptime
	ch <- mc.memory
	ch <- mc.cpu
}

func (mc *ManagerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range mc.svc.List() {
		running := 0.0
		if info.Status == process.StatusRunning || info.Status == process.StatusUnhealthy {
			running = 1.0
		}
		ch <- prometheus.MustNewConstMetric(mc.up, prometheus.GaugeValue,
			running, info.Name, string(info.Status))
		ch <- prometheus.MustNewConstMetric(mc.restarts, prometheus.CounterValue,
			float64(info.RestartCount), info.Name)
		if info.UptimeMs > 0 {
			ch <- prometheus.MustNewConstMetric(mc.uptime, prometheus.GaugeValue,
				float64(info.UptimeMs)/1000, info.Name)
		}
		if running == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
		usage, err := mc.svc.UsageOf(ctx, info.Name)
		cancel()
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(mc.memory, prometheus.GaugeValue,
			float64(usage.MemoryBytes), info.Name, usage.Source)
		ch <- prometheus.MustNewConstMetric(mc.cpu, prometheus.CounterValue,
			float64(usage.CPUTimeMs)/1000, info.Name, usage.Source)
	}
}
