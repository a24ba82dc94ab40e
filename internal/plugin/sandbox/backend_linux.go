//go:build linux

package sandbox

import (
	"context"
	"os"
	"sync"
	"syscall"

	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"

	"go.uber.org/zap"
)

type linuxBackend struct {
	mu         sync.Mutex
	plugin     string
	cfg        Config
	controller *CgroupController
	pid        int
}

// NewBackend returns the Linux isolation backend.
func NewBackend() Backend {
	return &linuxBackend{}
}

func (b *linuxBackend) Name() string {
	return "linux"
}

// Prepare creates the per-plugin cgroup and writes its limits. A
// cgroup that cannot be created degrades to running without limits,
// logged loudly; a cgroup that exists but rejects limits is an error.
func (b *linuxBackend) Prepare(ctx context.Context, plugin string, cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.plugin != "" {
		return appErr.Newf(appErr.SandboxSetupFailed, "backend already prepared for plugin %s", b.plugin)
	}
	b.plugin = plugin
	b.cfg = cfg

	if !cfg.EnableCgroups {
		return nil
	}

	controller, err := NewCgroupController(cfg.CgroupRoot, plugin)
	if err != nil {
		logger.Warn(ctx, "cgroup creation failed, continuing without resource enforcement",
			zap.String("plugin", plugin), zap.Error(err))
		return nil
	}
	if err := controller.ApplyLimits(cfg.Limits); err != nil {
		_ = controller.Release()
		return err
	}
	b.controller = controller
	return nil
}

// ProcAttr builds the spawn attributes: a fresh process group, SIGKILL
// on host death, and clone flags for every enabled namespace.
func (b *linuxBackend) ProcAttr(cfg Config) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !cfg.Namespaces.Any() {
		return attr
	}

	var flags uintptr
	if cfg.Namespaces.Mount {
		flags |= syscall.CLONE_NEWNS
	}
	if cfg.Namespaces.PID {
		flags |= syscall.CLONE_NEWPID
	}
	if cfg.Namespaces.UTS {
		flags |= syscall.CLONE_NEWUTS
	}
	if cfg.Namespaces.IPC {
		flags |= syscall.CLONE_NEWIPC
	}
	if cfg.Namespaces.Network && cfg.Network.EnableNamespace {
		flags |= syscall.CLONE_NEWNET
	}
	if cfg.Namespaces.User {
		flags |= syscall.CLONE_NEWUSER
		attr.GidMappingsEnableSetgroups = false
		attr.UidMappings = []syscall.SysProcIDMap{{
			ContainerID: 0,
			HostID:      os.Getuid(),
			Size:        1,
		}}
		attr.GidMappings = []syscall.SysProcIDMap{{
			ContainerID: 0,
			HostID:      os.Getgid(),
			Size:        1,
		}}
	}
	attr.Cloneflags = flags
	return attr
}

func (b *linuxBackend) Attach(ctx context.Context, pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pid = pid
	if b.controller == nil {
		return nil
	}
	return b.controller.AddProcess(pid)
}

func (b *linuxBackend) Usage(ctx context.Context) (Usage, error) {
	b.mu.Lock()
	controller := b.controller
	plugin := b.plugin
	b.mu.Unlock()
	if controller == nil {
		return Usage{}, appErr.Newf(appErr.CgroupFailed, "cgroups not active for plugin %s", plugin)
	}
	return controller.Usage()
}

// Kill uses cgroup.kill when available so that every descendant dies,
// falling back to a process-group SIGKILL.
func (b *linuxBackend) Kill(ctx context.Context) error {
	b.mu.Lock()
	controller := b.controller
	pid := b.pid
	plugin := b.plugin
	b.mu.Unlock()

	if controller != nil {
		err := controller.Kill()
		if err == nil {
			return nil
		}
		logger.Warn(ctx, "cgroup kill failed, falling back to process group",
			zap.String("plugin", plugin), zap.Error(err))
	}
	if pid <= 0 {
		return appErr.Newf(appErr.PluginStopFailed, "no pid recorded for plugin %s", plugin)
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return appErr.Wrapf(err, appErr.PluginStopFailed, "kill process group %d", pid)
	}
	return nil
}

func (b *linuxBackend) Release() error {
	b.mu.Lock()
	controller := b.controller
	b.controller = nil
	b.mu.Unlock()
	if controller == nil {
		return nil
	}
	return controller.Release()
}
