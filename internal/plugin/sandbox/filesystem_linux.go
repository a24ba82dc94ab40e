//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// applyFilesystemIsolation stages the worker's view of the filesystem:
// private mount propagation, bind mounts, a sized tmpfs, proc, then
// chroot. Runs inside the worker's mount namespace before any plugin
// code.
func applyFilesystemIsolation(ctx context.Context, cfg Config) error {
	root := cfg.ChrootDir
	if root == "" {
		return appErr.New(appErr.SandboxConfigError).WithMessage("filesystem isolation enabled without a chroot dir")
	}
	if _, err := os.Stat(root); err != nil {
		return appErr.Wrapf(err, appErr.FilesystemFailed, "chroot dir %s", root)
	}

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return appErr.Wrap(err, appErr.FilesystemFailed).WithMessage("make mount propagation private")
	}

	for _, m := range cfg.BindMounts {
		if err := applyBindMount(root, m); err != nil {
			return err
		}
	}

	if cfg.TmpfsBytes > 0 {
		tmpPath := filepath.Join(root, "tmp")
		if err := os.MkdirAll(tmpPath, 0777); err != nil {
			return appErr.Wrapf(err, appErr.FilesystemFailed, "mkdir %s", tmpPath)
		}
		opts := fmt.Sprintf("size=%d", cfg.TmpfsBytes)
		if err := unix.Mount("tmpfs", tmpPath, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, opts); err != nil {
			return appErr.Wrapf(err, appErr.FilesystemFailed, "mount tmpfs at %s", tmpPath)
		}
	}

	procPath := filepath.Join(root, "proc")
	if err := os.MkdirAll(procPath, 0755); err != nil {
		return appErr.Wrapf(err, appErr.FilesystemFailed, "mkdir %s", procPath)
	}
	if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil && err != unix.EBUSY {
		return appErr.Wrap(err, appErr.FilesystemFailed).WithMessage("mount proc")
	}

	if err := os.Chdir(root); err != nil {
		return appErr.Wrapf(err, appErr.FilesystemFailed, "chdir %s", root)
	}
	if err := unix.Chroot(root); err != nil {
		return appErr.Wrapf(err, appErr.FilesystemFailed, "chroot %s", root)
	}
	if err := os.Chdir("/"); err != nil {
		return appErr.Wrap(err, appErr.FilesystemFailed).WithMessage("chdir / after chroot")
	}

	if cfg.ReadonlyRoot {
		if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			logger.Warn(ctx, "remount root read-only failed", zap.Error(err))
		}
	}

	if cfg.WorkDir != "" {
		if err := os.Chdir(cfg.WorkDir); err != nil {
			return appErr.Wrapf(err, appErr.FilesystemFailed, "chdir workdir %s", cfg.WorkDir)
		}
	}
	return nil
}

func applyBindMount(root string, m BindMount) error {
	target := filepath.Join(root, m.Target)
	if err := ensureMountTarget(m.Source, target); err != nil {
		return err
	}
	if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return appErr.Wrapf(err, appErr.FilesystemFailed, "bind %s to %s", m.Source, target)
	}
	if m.ReadOnly {
		if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return appErr.Wrapf(err, appErr.FilesystemFailed, "remount %s readonly", target)
		}
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return appErr.Wrapf(err, appErr.FilesystemFailed, "stat mount source %s", source)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return appErr.Wrapf(err, appErr.FilesystemFailed, "mkdir mount target %s", target)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return appErr.Wrapf(err, appErr.FilesystemFailed, "mkdir mount target dir for %s", target)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return appErr.Wrapf(err, appErr.FilesystemFailed, "create mount target file %s", target)
	}
	return file.Close()
}
