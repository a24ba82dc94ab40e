//go:build !linux

package sandbox

import (
	"context"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"
)

const (
	workerUninitialized int32 = iota
	workerSandboxed
)

var workerState atomic.Int32

// SetupWorker on non-Linux platforms applies no isolation but keeps
// the one-shot contract so a double bootstrap is still caught.
func SetupWorker(ctx context.Context, cfg Config) error {
	if !workerState.CompareAndSwap(workerUninitialized, workerSandboxed) {
		return appErr.New(appErr.SandboxSetupFailed).WithMessage("worker sandbox already initialized")
	}
	logger.Warn(ctx, "worker sandbox unavailable on this platform, running unrestricted",
		zap.String("platform", runtime.GOOS), zap.String("hostname", cfg.Hostname))
	return nil
}

// Bootstrapped reports whether SetupWorker has run in this process.
func Bootstrapped() bool {
	return workerState.Load() == workerSandboxed
}
