//go:build linux

package sandbox

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"orbishost/internal/plugin/policy"
	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"
)

const (
	workerUninitialized int32 = iota
	workerSandboxed
)

var workerState atomic.Int32

// SetupWorker applies the in-process isolation steps inside the worker
// before any plugin code runs: hostname, filesystem, network,
// capabilities, rlimits, and seccomp last. One-shot: the state machine
// only transitions Uninitialized -> Sandboxed, and a second call is an
// error rather than a silent skip.
//
// Filesystem and seccomp failures are fatal (a worker that cannot be
// isolated must not run); capability and network configuration
// failures degrade with a warning.
func SetupWorker(ctx context.Context, cfg Config) error {
	if !workerState.CompareAndSwap(workerUninitialized, workerSandboxed) {
		return appErr.New(appErr.SandboxSetupFailed).WithMessage("worker sandbox already initialized")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Namespaces.UTS && cfg.Hostname != "" {
		if err := unix.Sethostname([]byte(cfg.Hostname)); err != nil {
			logger.Warn(ctx, "sethostname failed", zap.String("hostname", cfg.Hostname), zap.Error(err))
		}
	}

	if cfg.EnableFilesystem {
		if err := applyFilesystemIsolation(ctx, cfg); err != nil {
			return err
		}
	}

	if cfg.Namespaces.Network {
		if err := applyNetworkIsolation(ctx, cfg); err != nil {
			return err
		}
	}

	if cfg.DropCapabilities {
		if err := dropDangerousCapabilities(ctx); err != nil {
			logger.Warn(ctx, "capability dropping failed", zap.Error(err))
		}
	}

	if err := applyWorkerRlimits(cfg.Limits); err != nil {
		return err
	}

	if err := applySeccompPolicy(ctx, cfg.Seccomp); err != nil {
		return err
	}

	logger.Info(ctx, "worker sandbox initialized", zap.String("hostname", cfg.Hostname))
	return nil
}

// Bootstrapped reports whether SetupWorker has run in this process.
func Bootstrapped() bool {
	return workerState.Load() == workerSandboxed
}

// applyWorkerRlimits mirrors the cgroup ceilings with classic rlimits
// so overruns fail inside the worker even when cgroups are degraded.
func applyWorkerRlimits(limits policy.ResourceLimits) error {
	if limits.MaxCPUTimeMs > 0 {
		seconds := (limits.MaxCPUTimeMs + 999) / 1000
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: seconds, Max: seconds}); err != nil {
			return appErr.Wrap(err, appErr.SandboxSetupFailed).WithMessage("set rlimit cpu")
		}
	}
	if limits.MaxFileDescriptors > 0 {
		val := uint64(limits.MaxFileDescriptors)
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: val, Max: val}); err != nil {
			return appErr.Wrap(err, appErr.SandboxSetupFailed).WithMessage("set rlimit nofile")
		}
	}
	if limits.MaxThreads > 0 {
		val := uint64(limits.MaxThreads)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: val, Max: val}); err != nil {
			return appErr.Wrap(err, appErr.SandboxSetupFailed).WithMessage("set rlimit nproc")
		}
	}
	return nil
}
