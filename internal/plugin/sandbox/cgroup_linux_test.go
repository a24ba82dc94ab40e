//go:build linux

package sandbox_test

import (
	"os"
	"path/filepath"
	"testing"

	"orbishost/internal/plugin/policy"
	"orbishost/internal/plugin/sandbox"
	appErr "orbishost/pkg/errors"
)

// The controller only does file I/O against its directory, so a temp
// dir stands in for the cgroup v2 hierarchy.

func readCgroupFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func TestCgroupController_ApplyLimits(t *testing.T) {
	root := t.TempDir()
	ctrl, err := sandbox.NewCgroupController(root, "alpha")
	if err != nil {
		t.Fatalf("NewCgroupController() error = %v", err)
	}

	limits := policy.ResourceLimits{
		MaxHeapBytes: 64 * 1024 * 1024,
		MaxThreads:   8,
	}
	if err := ctrl.ApplyLimits(limits); err != nil {
		t.Fatalf("ApplyLimits() error = %v", err)
	}

	if got := readCgroupFile(t, ctrl.Path(), "memory.max"); got != "67108864" {
		t.Errorf("memory.max = %q, want 67108864", got)
	}
	if got := readCgroupFile(t, ctrl.Path(), "memory.high"); got != "60397974" {
		t.Errorf("memory.high = %q, want 90%% of memory.max", got)
	}
	if got := readCgroupFile(t, ctrl.Path(), "cpu.max"); got != "100000 100000" {
		t.Errorf("cpu.max = %q, want one-CPU quota", got)
	}
	if got := readCgroupFile(t, ctrl.Path(), "pids.max"); got != "8" {
		t.Errorf("pids.max = %q, want 8", got)
	}
}

func TestCgroupController_ApplyLimits_NoThreadCap(t *testing.T) {
	ctrl, err := sandbox.NewCgroupController(t.TempDir(), "alpha")
	if err != nil {
		t.Fatalf("NewCgroupController() error = %v", err)
	}
	if err := ctrl.ApplyLimits(policy.ResourceLimits{MaxHeapBytes: 1 << 20}); err != nil {
		t.Fatalf("ApplyLimits() error = %v", err)
	}
	if got := readCgroupFile(t, ctrl.Path(), "pids.max"); got != "max" {
		t.Errorf("pids.max = %q, want max when no thread cap is set", got)
	}
}

func TestCgroupController_DuplicateClaim(t *testing.T) {
	root := t.TempDir()
	if _, err := sandbox.NewCgroupController(root, "alpha"); err != nil {
		t.Fatalf("first claim error = %v", err)
	}
	if _, err := sandbox.NewCgroupController(root, "alpha"); !appErr.Is(err, appErr.CgroupFailed) {
		t.Errorf("second claim error = %v, want code %d", err, appErr.CgroupFailed)
	}
	if _, err := sandbox.NewCgroupController(root, ""); !appErr.Is(err, appErr.CgroupFailed) {
		t.Errorf("empty plugin error = %v, want code %d", err, appErr.CgroupFailed)
	}
}

func TestCgroupController_Usage(t *testing.T) {
	ctrl, err := sandbox.NewCgroupController(t.TempDir(), "alpha")
	if err != nil {
		t.Fatalf("NewCgroupController() error = %v", err)
	}

	write := func(name, value string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(ctrl.Path(), name), []byte(value), 0640); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	write("memory.current", "1048576\n")
	write("memory.peak", "2097152\n")
	write("pids.current", "3\n")
	write("cpu.stat", "usage_usec 250000\nuser_usec 200000\nsystem_usec 50000\n")
	write("memory.events", "low 0\nhigh 0\nmax 1\noom 1\noom_kill 1\n")

	u, err := ctrl.Usage()
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if u.MemoryBytes != 1048576 {
		t.Errorf("MemoryBytes = %d, want 1048576", u.MemoryBytes)
	}
	if u.MemoryPeakBytes != 2097152 {
		t.Errorf("MemoryPeakBytes = %d, want 2097152", u.MemoryPeakBytes)
	}
	if u.CurrentPids != 3 {
		t.Errorf("CurrentPids = %d, want 3", u.CurrentPids)
	}
	if u.CPUTimeMs != 250 {
		t.Errorf("CPUTimeMs = %d, want 250", u.CPUTimeMs)
	}
	if u.OOMKills != 1 {
		t.Errorf("OOMKills = %d, want 1", u.OOMKills)
	}
}

func TestCgroupController_Release(t *testing.T) {
	ctrl, err := sandbox.NewCgroupController(t.TempDir(), "alpha")
	if err != nil {
		t.Fatalf("NewCgroupController() error = %v", err)
	}
	path := ctrl.Path()
	if err := ctrl.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("cgroup dir still present after Release: %v", err)
	}
	if err := ctrl.Release(); err != nil {
		t.Errorf("second Release() error = %v, want idempotent nil", err)
	}
}
