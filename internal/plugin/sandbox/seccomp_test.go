package sandbox_test

import (
	"testing"

	"orbishost/internal/plugin/sandbox"
)

func TestDefaultAllowedSyscalls(t *testing.T) {
	allowed := sandbox.DefaultAllowedSyscalls()
	if len(allowed) == 0 {
		t.Fatal("default whitelist should not be empty")
	}

	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if set[name] {
			t.Errorf("duplicate syscall in whitelist: %s", name)
		}
		set[name] = true
	}

	for _, name := range []string{"read", "write", "exit_group", "futex", "mmap"} {
		if !set[name] {
			t.Errorf("whitelist should include %s", name)
		}
	}
	for _, name := range []string{"ptrace", "mount", "reboot", "bpf"} {
		if set[name] {
			t.Errorf("whitelist must not include %s", name)
		}
	}
}

func TestBlockedSyscalls(t *testing.T) {
	for _, name := range []string{"ptrace", "mount", "umount2", "reboot", "init_module", "kexec_load", "bpf"} {
		if !sandbox.IsBlockedSyscall(name) {
			t.Errorf("IsBlockedSyscall(%s) = false, want true", name)
		}
	}
	for _, name := range []string{"read", "close", "nanosleep"} {
		if sandbox.IsBlockedSyscall(name) {
			t.Errorf("IsBlockedSyscall(%s) = true, want false", name)
		}
	}
}

func TestDefaultSeccompPolicy(t *testing.T) {
	p := sandbox.DefaultSeccompPolicy()
	if p.Mode != sandbox.SeccompStrict {
		t.Errorf("mode = %s, want strict", p.Mode)
	}
	if len(p.Allowed) != len(sandbox.DefaultAllowedSyscalls()) {
		t.Error("default policy should carry the full whitelist")
	}
}

func TestMinimalSeccompPolicy(t *testing.T) {
	p := sandbox.MinimalSeccompPolicy()
	if p.Mode != sandbox.SeccompLog {
		t.Errorf("mode = %s, want log", p.Mode)
	}
	if len(p.Allowed) != 0 {
		t.Error("minimal policy carries no whitelist, everything is logged")
	}
}

func TestSeccompPolicy_WithSyscalls(t *testing.T) {
	base := sandbox.DefaultSeccompPolicy()

	merged, err := base.WithSyscalls("io_uring_setup", "read", "io_uring_setup")
	if err != nil {
		t.Fatalf("WithSyscalls() error = %v", err)
	}

	count := 0
	for _, name := range merged.Allowed {
		if name == "io_uring_setup" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("io_uring_setup appears %d times, want 1 (deduplicated)", count)
	}
	if len(merged.Allowed) != len(base.Allowed)+1 {
		t.Errorf("merged size = %d, want %d", len(merged.Allowed), len(base.Allowed)+1)
	}
	if len(base.Allowed) != len(sandbox.DefaultAllowedSyscalls()) {
		t.Error("WithSyscalls should not mutate the receiver")
	}
}

func TestSeccompPolicy_WithSyscallsRejectsBlocked(t *testing.T) {
	for _, name := range []string{"ptrace", "mount", "perf_event_open"} {
		if _, err := sandbox.DefaultSeccompPolicy().WithSyscalls(name); err == nil {
			t.Errorf("WithSyscalls(%s) should fail", name)
		}
	}
}
