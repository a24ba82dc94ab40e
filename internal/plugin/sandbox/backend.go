package sandbox

import (
	"context"
	"syscall"
)

// Usage is a point-in-time sample from the enforcement layer.
type Usage struct {
	MemoryBytes     uint64 `json:"memory_bytes"`
	MemoryPeakBytes uint64 `json:"memory_peak_bytes"`
	CPUTimeMs       uint64 `json:"cpu_time_ms"`
	CurrentPids     uint64 `json:"current_pids"`
	OOMKills        uint64 `json:"oom_kills"`
}

// Backend applies host-side isolation for one worker process. The
// process manager drives it through the same sequence on every
// platform: Prepare before spawn, ProcAttr at spawn, Attach after
// spawn, Usage while running, Kill on escalation, Release on teardown.
// Release must be safe on every exit path, including after a failed
// Prepare, and must be idempotent.
//
// NewBackend selects the Linux implementation on Linux and a warning
// no-op elsewhere, so callers never branch on platform.
type Backend interface {
	// Name identifies the backend ("linux" or "noop") for logs.
	Name() string

	// Prepare creates the enforcement resources (cgroup directory,
	// limit writes) for the named plugin.
	Prepare(ctx context.Context, plugin string, cfg Config) error

	// ProcAttr returns spawn attributes: namespace clone flags,
	// process group, parent-death signal.
	ProcAttr(cfg Config) *syscall.SysProcAttr

	// Attach moves the spawned worker into the prepared cgroup.
	Attach(ctx context.Context, pid int) error

	// Usage samples the enforcement layer's view of consumption.
	Usage(ctx context.Context) (Usage, error)

	// Kill terminates every process in the worker's scope.
	Kill(ctx context.Context) error

	// Release removes the enforcement resources.
	Release() error
}
