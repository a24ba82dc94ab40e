package monitor_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"orbishost/internal/plugin/monitor"
	"orbishost/internal/plugin/policy"
)

const testPID = 4242

// writeProcTree fabricates the procfs slice the monitor reads: a
// status file, a stat line, an fd directory, and net/tcp[6] tables.
func writeProcTree(t *testing.T, rssKB uint64, threads, fds, tcp4, tcp6 int) string {
	t.Helper()
	root := t.TempDir()
	pidDir := filepath.Join(root, strconv.Itoa(testPID))
	if err := os.MkdirAll(filepath.Join(pidDir, "fd"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "net"), 0o755); err != nil {
		t.Fatal(err)
	}

	status := "Name:\tplugin-worker\n" +
		"State:\tS (sleeping)\n" +
		"VmSize:\t123456 kB\n" +
		"VmHWM:\t20480 kB\n" +
		"VmRSS:\t" + strconv.FormatUint(rssKB, 10) + " kB\n" +
		"Threads:\t" + strconv.Itoa(threads) + "\n" +
		"voluntary_ctxt_switches:\t321\n" +
		"nonvoluntary_ctxt_switches:\t45\n"
	if err := os.WriteFile(filepath.Join(pidDir, "status"), []byte(status), 0o644); err != nil {
		t.Fatal(err)
	}

	// comm deliberately contains a space and parentheses; fields must
	// be counted from the last ')'.
	stat := strconv.Itoa(testPID) + " (plugin (worker)) S 1 4242 4242 0 -1 4194304 " +
		"1500 0 25 0 250 120 0 0 20 5 " + strconv.Itoa(threads) + " 0 100000 126418944 2560 184467440737095\n"
	if err := os.WriteFile(filepath.Join(pidDir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < fds; i++ {
		if err := os.WriteFile(filepath.Join(pidDir, "fd", strconv.Itoa(i)), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	writeTCPTable(t, filepath.Join(root, "net", "tcp"), tcp4)
	writeTCPTable(t, filepath.Join(root, "net", "tcp6"), tcp6)
	return root
}

func writeTCPTable(t *testing.T, path string, rows int) {
	t.Helper()
	content := "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"
	for i := 0; i < rows; i++ {
		content += "   " + strconv.Itoa(i) + ": 0100007F:0050 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12345 1 0000000000000000 100 0 0 10 0\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCheckResources_WithinLimits(t *testing.T) {
	root := writeProcTree(t, 10240, 7, 3, 2, 1)
	m := monitor.NewAt(root, "echo", testPID, policy.DefaultLimits())

	if v := m.CheckResources(); len(v) != 0 {
		t.Errorf("CheckResources() = %v, want none", v)
	}
}

func TestCheckResources_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*policy.ResourceLimits)
		want   policy.ViolationKind
	}{
		{"heap", func(l *policy.ResourceLimits) { l.MaxHeapBytes = 1024 * 1024 }, policy.ViolationHeapMemory},
		{"threads", func(l *policy.ResourceLimits) { l.MaxThreads = 2 }, policy.ViolationThreads},
		{"fds", func(l *policy.ResourceLimits) { l.MaxFileDescriptors = 2 }, policy.ViolationFileDescriptors},
		{"connections", func(l *policy.ResourceLimits) { l.MaxConnections = 2 }, policy.ViolationConnections},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := writeProcTree(t, 10240, 7, 3, 2, 1)
			limits := policy.DefaultLimits()
			tt.mutate(&limits)

			m := monitor.NewAt(root, "echo", testPID, limits)
			violations := m.CheckResources()
			if len(violations) != 1 {
				t.Fatalf("CheckResources() returned %d violations, want 1: %v", len(violations), violations)
			}
			if violations[0].Kind != tt.want {
				t.Errorf("Kind = %s, want %s", violations[0].Kind, tt.want)
			}
			if violations[0].Used <= violations[0].Limit {
				t.Errorf("Used %d should exceed Limit %d", violations[0].Used, violations[0].Limit)
			}
		})
	}
}

func TestCheckResources_HeapViolationValues(t *testing.T) {
	root := writeProcTree(t, 10240, 1, 1, 0, 0)
	limits := policy.DefaultLimits()
	limits.MaxHeapBytes = 4 * 1024 * 1024

	m := monitor.NewAt(root, "echo", testPID, limits)
	violations := m.CheckResources()
	if len(violations) != 1 {
		t.Fatalf("want 1 violation, got %d", len(violations))
	}
	if violations[0].Used != 10240*1024 {
		t.Errorf("Used = %d, want %d (VmRSS kB * 1024)", violations[0].Used, 10240*1024)
	}
	if violations[0].Limit != 4*1024*1024 {
		t.Errorf("Limit = %d, want %d", violations[0].Limit, 4*1024*1024)
	}
}

func TestCheckResources_ZeroLimitDisablesCheck(t *testing.T) {
	root := writeProcTree(t, 10240, 7, 3, 50, 50)
	limits := policy.DefaultLimits()
	limits.MaxConnections = 0

	m := monitor.NewAt(root, "echo", testPID, limits)
	if v := m.CheckResources(); len(v) != 0 {
		t.Errorf("zero connection limit should disable the check, got %v", v)
	}
}

func TestCheckResources_DeadProcess(t *testing.T) {
	root := t.TempDir()
	m := monitor.NewAt(root, "echo", testPID, policy.DefaultLimits())

	if v := m.CheckResources(); len(v) != 0 {
		t.Errorf("missing proc entries should produce no violations, got %v", v)
	}
	if m.ProcessExists() {
		t.Error("ProcessExists() should be false without a pid directory")
	}
}

func TestProcessExists(t *testing.T) {
	root := writeProcTree(t, 1024, 1, 1, 0, 0)
	m := monitor.NewAt(root, "echo", testPID, policy.DefaultLimits())
	if !m.ProcessExists() {
		t.Error("ProcessExists() should be true with a pid directory")
	}
}

func TestMemoryUsage(t *testing.T) {
	root := writeProcTree(t, 10240, 1, 1, 0, 0)
	m := monitor.NewAt(root, "echo", testPID, policy.DefaultLimits())

	got, err := m.MemoryUsage()
	if err != nil {
		t.Fatalf("MemoryUsage() error = %v", err)
	}
	if got != 10240*1024 {
		t.Errorf("MemoryUsage() = %d, want %d", got, 10240*1024)
	}
}

func TestConnectionCount(t *testing.T) {
	root := writeProcTree(t, 1024, 1, 1, 2, 3)
	m := monitor.NewAt(root, "echo", testPID, policy.DefaultLimits())
	if got := m.ConnectionCount(); got != 5 {
		t.Errorf("ConnectionCount() = %d, want 5", got)
	}
}

func TestCollectMetrics(t *testing.T) {
	root := writeProcTree(t, 10240, 7, 3, 2, 1)
	m := monitor.NewAt(root, "echo", testPID, policy.DefaultLimits())

	got, err := m.CollectMetrics()
	if err != nil {
		t.Fatalf("CollectMetrics() error = %v", err)
	}

	if got.Plugin != "echo" || got.PID != testPID {
		t.Errorf("identity = %s/%d, want echo/%d", got.Plugin, got.PID, testPID)
	}
	if got.Memory.RSSBytes != 10240*1024 {
		t.Errorf("RSSBytes = %d, want %d", got.Memory.RSSBytes, 10240*1024)
	}
	if got.Memory.VMSBytes != 123456*1024 {
		t.Errorf("VMSBytes = %d, want %d", got.Memory.VMSBytes, 123456*1024)
	}
	if got.Memory.PeakRSSBytes != 20480*1024 {
		t.Errorf("PeakRSSBytes = %d, want %d", got.Memory.PeakRSSBytes, 20480*1024)
	}
	if got.Memory.MinorFaults != 1500 || got.Memory.MajorFaults != 25 {
		t.Errorf("faults = %d/%d, want 1500/25", got.Memory.MinorFaults, got.Memory.MajorFaults)
	}
	if got.CPU.UserTimeUs != 2_500_000 {
		t.Errorf("UserTimeUs = %d, want 2500000 (250 ticks)", got.CPU.UserTimeUs)
	}
	if got.CPU.SystemTimeUs != 1_200_000 {
		t.Errorf("SystemTimeUs = %d, want 1200000 (120 ticks)", got.CPU.SystemTimeUs)
	}
	if got.CPU.TotalTimeUs != 3_700_000 {
		t.Errorf("TotalTimeUs = %d, want 3700000", got.CPU.TotalTimeUs)
	}
	if got.CPU.VoluntaryCtx != 321 || got.CPU.Involuntary != 45 {
		t.Errorf("ctx switches = %d/%d, want 321/45", got.CPU.VoluntaryCtx, got.CPU.Involuntary)
	}
	if got.Process.Threads != 7 {
		t.Errorf("Threads = %d, want 7", got.Process.Threads)
	}
	if got.Process.FDs != 3 {
		t.Errorf("FDs = %d, want 3", got.Process.FDs)
	}
	if got.Process.State != "S" {
		t.Errorf("State = %s, want S", got.Process.State)
	}
	if got.Process.Nice != 5 {
		t.Errorf("Nice = %d, want 5", got.Process.Nice)
	}
	if got.Connections != 3 {
		t.Errorf("Connections = %d, want 3", got.Connections)
	}
}

func TestCollectMetrics_DeadProcess(t *testing.T) {
	m := monitor.NewAt(t.TempDir(), "echo", testPID, policy.DefaultLimits())
	if _, err := m.CollectMetrics(); err == nil {
		t.Error("CollectMetrics() should fail without proc entries")
	}
}
