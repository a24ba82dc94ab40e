package monitor

import (
	"time"
)

// MemoryMetrics is a point-in-time memory snapshot.
type MemoryMetrics struct {
	RSSBytes     uint64 `json:"rss_bytes"`
	VMSBytes     uint64 `json:"vms_bytes"`
	PeakRSSBytes uint64 `json:"peak_rss_bytes"`
	MinorFaults  uint64 `json:"minor_faults"`
	MajorFaults  uint64 `json:"major_faults"`
}

// CPUMetrics is cumulative CPU time plus a usage rate derived from the
// previous sample.
type CPUMetrics struct {
	UserTimeUs   uint64  `json:"user_time_us"`
	SystemTimeUs uint64  `json:"system_time_us"`
	TotalTimeUs  uint64  `json:"total_time_us"`
	UsagePercent float64 `json:"usage_percent"`
	VoluntaryCtx uint64  `json:"voluntary_ctx_switches"`
	Involuntary  uint64  `json:"involuntary_ctx_switches"`
}

// ProcessMetrics covers scheduler-level process state.
type ProcessMetrics struct {
	Threads uint32 `json:"threads"`
	FDs     uint32 `json:"fds"`
	State   string `json:"state"`
	Nice    int    `json:"nice"`
}

// Metrics is one full sample for a worker.
type Metrics struct {
	Plugin      string         `json:"plugin"`
	PID         int            `json:"pid"`
	CollectedAt time.Time      `json:"collected_at"`
	Uptime      time.Duration  `json:"uptime"`
	Memory      MemoryMetrics  `json:"memory"`
	CPU         CPUMetrics     `json:"cpu"`
	Process     ProcessMetrics `json:"process"`
	Connections uint32         `json:"connections"`
}

// CollectMetrics takes a full sample. The CPU usage percentage is the
// share of one core consumed since the previous CollectMetrics call
// (zero on the first call).
func (m *Monitor) CollectMetrics() (Metrics, error) {
	status, err := readProcStatus(m.root, m.pid)
	if err != nil {
		return Metrics{}, err
	}
	stat, err := readProcStat(m.root, m.pid)
	if err != nil {
		return Metrics{}, err
	}

	fds, err := countFDs(m.root, m.pid)
	if err != nil {
		fds = 0
	}

	now := time.Now()
	totalUs := stat.UserTimeUs + stat.SysTimeUs

	m.mu.Lock()
	elapsedUs := uint64(now.Sub(m.prevAt).Microseconds())
	var usage float64
	if elapsedUs > 0 && totalUs >= m.prevCPUUs {
		usage = float64(totalUs-m.prevCPUUs) / float64(elapsedUs) * 100.0
	}
	m.prevCPUUs = totalUs
	m.prevAt = now
	started := m.started
	m.mu.Unlock()

	return Metrics{
		Plugin:      m.plugin,
		PID:         m.pid,
		CollectedAt: now,
		Uptime:      now.Sub(started),
		Memory: MemoryMetrics{
			RSSBytes:     status.RSSBytes,
			VMSBytes:     status.VMSBytes,
			PeakRSSBytes: status.PeakRSSBytes,
			MinorFaults:  stat.MinorFaults,
			MajorFaults:  stat.MajorFaults,
		},
		CPU: CPUMetrics{
			UserTimeUs:   stat.UserTimeUs,
			SystemTimeUs: stat.SysTimeUs,
			TotalTimeUs:  totalUs,
			UsagePercent: usage,
			VoluntaryCtx: status.VoluntaryCtx,
			Involuntary:  status.Involuntary,
		},
		Process: ProcessMetrics{
			Threads: status.Threads,
			FDs:     fds,
			State:   string(stat.State),
			Nice:    stat.Nice,
		},
		Connections: countTCPConnections(m.root),
	}, nil
}
