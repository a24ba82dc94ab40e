package monitor

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"orbishost/internal/plugin/policy"
)

// DefaultProcRoot is the live kernel procfs.
const DefaultProcRoot = "/proc"

// Monitor reads one worker's live resource usage out of procfs and
// compares it against the plugin's limits. One Monitor per running
// worker, owned by the process manager entry; the CPU-usage sample
// state makes it stateful, everything else is a straight read.
type Monitor struct {
	plugin string
	pid    int
	limits policy.ResourceLimits
	root   string

	mu        sync.Mutex
	started   time.Time
	prevCPUUs uint64
	prevAt    time.Time
}

// New monitors a pid against limits using the live /proc.
func New(plugin string, pid int, limits policy.ResourceLimits) *Monitor {
	return NewAt(DefaultProcRoot, plugin, pid, limits)
}

// NewAt points the monitor at an alternate proc root. Tests fabricate
// proc trees with it.
func NewAt(root, plugin string, pid int, limits policy.ResourceLimits) *Monitor {
	now := time.Now()
	return &Monitor{
		plugin:  plugin,
		pid:     pid,
		limits:  limits,
		root:    root,
		started: now,
		prevAt:  now,
	}
}

// Plugin returns the monitored plugin's name.
func (m *Monitor) Plugin() string { return m.plugin }

// PID returns the monitored process id.
func (m *Monitor) PID() int { return m.pid }

// CheckResources compares live usage against every limit and returns
// one typed violation per exceeded limit. Reads are best-effort: a
// metric that cannot be collected is skipped rather than reported, so
// a worker mid-exit does not spray spurious violations. A zero limit
// disables that check.
func (m *Monitor) CheckResources() []policy.Violation {
	var violations []policy.Violation

	if st, err := readProcStatus(m.root, m.pid); err == nil {
		if m.limits.MaxHeapBytes > 0 && st.RSSBytes > m.limits.MaxHeapBytes {
			violations = append(violations, policy.NewViolation(policy.ViolationHeapMemory, st.RSSBytes, m.limits.MaxHeapBytes))
		}
		if m.limits.MaxThreads > 0 && st.Threads > m.limits.MaxThreads {
			violations = append(violations, policy.NewViolation(policy.ViolationThreads, uint64(st.Threads), uint64(m.limits.MaxThreads)))
		}
	}

	if fds, err := countFDs(m.root, m.pid); err == nil {
		if m.limits.MaxFileDescriptors > 0 && fds > m.limits.MaxFileDescriptors {
			violations = append(violations, policy.NewViolation(policy.ViolationFileDescriptors, uint64(fds), uint64(m.limits.MaxFileDescriptors)))
		}
	}

	if conns := countTCPConnections(m.root); m.limits.MaxConnections > 0 && conns > m.limits.MaxConnections {
		violations = append(violations, policy.NewViolation(policy.ViolationConnections, uint64(conns), uint64(m.limits.MaxConnections)))
	}

	return violations
}

// ProcessExists reports whether the pid still has a procfs entry.
// This is the liveness check behind health polling.
func (m *Monitor) ProcessExists() bool {
	_, err := os.Stat(filepath.Join(m.root, strconv.Itoa(m.pid)))
	return err == nil
}

// MemoryUsage returns the worker's resident set in bytes.
func (m *Monitor) MemoryUsage() (uint64, error) {
	st, err := readProcStatus(m.root, m.pid)
	if err != nil {
		return 0, err
	}
	return st.RSSBytes, nil
}

// ThreadCount returns the worker's live thread count.
func (m *Monitor) ThreadCount() (uint32, error) {
	st, err := readProcStatus(m.root, m.pid)
	if err != nil {
		return 0, err
	}
	return st.Threads, nil
}

// FDCount returns the worker's open descriptor count.
func (m *Monitor) FDCount() (uint32, error) {
	return countFDs(m.root, m.pid)
}

// ConnectionCount returns the namespace-wide TCP connection count.
func (m *Monitor) ConnectionCount() uint32 {
	return countTCPConnections(m.root)
}
