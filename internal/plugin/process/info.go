package process

import (
	"context"
	"sort"
	"time"

	"orbishost/internal/plugin/ipc"
	"orbishost/internal/plugin/monitor"
	appErr "orbishost/pkg/errors"
)

// Info is a point-in-time snapshot of one managed plugin.
type Info struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Status       Status   `json:"status"`
	Reason       string   `json:"reason,omitempty"`
	PID          int      `json:"pid,omitempty"`
	RestartCount int      `json:"restart_count"`
	UptimeMs     int64    `json:"uptime_ms,omitempty"`
	LastHealthAt int64    `json:"last_health_at,omitempty"`
	Hooks        []string `json:"hooks,omitempty"`

	// Worker self-reports, zero until the first ResourceUsage arrives.
	SelfHeapBytes uint64 `json:"self_heap_bytes,omitempty"`
	SelfCPUTimeMs uint64 `json:"self_cpu_time_ms,omitempty"`
}

// ResourceUsageInfo reports live consumption and which layer measured
// it: "cgroup" when the enforcement layer answered, "proc" for the
// observation fallback.
type ResourceUsageInfo struct {
	MemoryBytes     uint64 `json:"memory_bytes"`
	MemoryPeakBytes uint64 `json:"memory_peak_bytes,omitempty"`
	CPUTimeMs       uint64 `json:"cpu_time_ms"`
	Source          string `json:"source"`
}

// TerminationEvent records a deliberate termination for audit.
type TerminationEvent struct {
	Plugin       string           `json:"plugin"`
	PID          int              `json:"pid,omitempty"`
	Reason       string           `json:"reason"`
	UptimeMs     int64            `json:"uptime_ms"`
	RestartCount int              `json:"restart_count"`
	FinalMetrics *monitor.Metrics `json:"final_metrics,omitempty"`
	At           time.Time        `json:"at"`
}

// snapshot captures the plugin's observable state under the lock.
func (p *PluginProcess) snapshot() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Info{
		Name:          p.name,
		Version:       p.mf.Version,
		Status:        p.status,
		Reason:        p.reason,
		RestartCount:  p.restarts,
		SelfHeapBytes: p.selfReport.HeapBytes,
		SelfCPUTimeMs: p.selfReport.CPUTimeMs,
	}
	if p.sess != nil {
		info.PID = p.sess.pid
	}
	if !p.startedAt.IsZero() && (p.status == StatusRunning || p.status == StatusUnhealthy) {
		info.UptimeMs = time.Since(p.startedAt).Milliseconds()
	}
	if !p.lastHealth.IsZero() {
		info.LastHealthAt = p.lastHealth.Unix()
	}
	if len(p.hooks) > 0 {
		info.Hooks = sortedHookNames(p.hooks)
	}
	return info
}

// sortedHookNames orders hooks by priority, then name, matching the
// order a multi-hook dispatch would run them in.
func sortedHookNames(hooks map[string]ipc.HookRegistration) []string {
	regs := make([]ipc.HookRegistration, 0, len(hooks))
	for _, reg := range hooks {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority < regs[j].Priority
		}
		return regs[i].Name < regs[j].Name
	})
	names := make([]string, len(regs))
	for i, reg := range regs {
		names[i] = reg.Name
	}
	return names
}

// usage samples live consumption, preferring the enforcement layer and
// falling back to process observation when cgroups are unavailable.
func (p *PluginProcess) usage(ctx context.Context) (ResourceUsageInfo, error) {
	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess == nil {
		return ResourceUsageInfo{}, appErr.Newf(appErr.PluginNotRunning, "plugin %s is not running", p.name)
	}

	if u, err := sess.backend.Usage(ctx); err == nil {
		return ResourceUsageInfo{
			MemoryBytes:     u.MemoryBytes,
			MemoryPeakBytes: u.MemoryPeakBytes,
			CPUTimeMs:       u.CPUTimeMs,
			Source:          "cgroup",
		}, nil
	}

	met, err := sess.monitor.CollectMetrics()
	if err != nil {
		return ResourceUsageInfo{}, appErr.Wrapf(err, appErr.MonitorFailed, "sample usage of plugin %s", p.name)
	}
	return ResourceUsageInfo{
		MemoryBytes:     met.Memory.RSSBytes,
		MemoryPeakBytes: met.Memory.PeakRSSBytes,
		CPUTimeMs:       met.CPU.TotalTimeUs / 1000,
		Source:          "proc",
	}, nil
}
