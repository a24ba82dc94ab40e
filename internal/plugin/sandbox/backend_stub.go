//go:build !linux

package sandbox

import (
	"context"
	"os"
	"runtime"
	"sync"
	"syscall"

	"go.uber.org/zap"

	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"
)

type noopBackend struct {
	mu     sync.Mutex
	plugin string
	pid    int
}

// NewBackend returns a no-op backend: workers run without isolation
// and every call logs what it cannot do instead of pretending it did.
func NewBackend() Backend {
	return &noopBackend{}
}

func (b *noopBackend) Name() string {
	return "noop"
}

func (b *noopBackend) Prepare(ctx context.Context, plugin string, cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.plugin != "" {
		return appErr.Newf(appErr.SandboxSetupFailed, "backend already prepared for plugin %s", b.plugin)
	}
	b.plugin = plugin
	logger.Warn(ctx, "sandbox isolation unavailable on this platform, worker runs unrestricted",
		zap.String("plugin", plugin), zap.String("platform", runtime.GOOS))
	return nil
}

func (b *noopBackend) ProcAttr(cfg Config) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

func (b *noopBackend) Attach(ctx context.Context, pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pid = pid
	return nil
}

func (b *noopBackend) Usage(ctx context.Context) (Usage, error) {
	return Usage{}, appErr.Newf(appErr.CgroupFailed, "resource enforcement unavailable on %s", runtime.GOOS)
}

func (b *noopBackend) Kill(ctx context.Context) error {
	b.mu.Lock()
	pid := b.pid
	plugin := b.plugin
	b.mu.Unlock()
	if pid <= 0 {
		return appErr.Newf(appErr.PluginStopFailed, "no pid recorded for plugin %s", plugin)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return appErr.Wrapf(err, appErr.PluginStopFailed, "find process %d", pid)
	}
	return proc.Kill()
}

func (b *noopBackend) Release() error {
	return nil
}
