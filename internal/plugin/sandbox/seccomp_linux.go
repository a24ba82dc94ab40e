//go:build linux

package sandbox

import (
	"context"

	seccomp "github.com/seccomp/libseccomp-golang"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"
)

// applySeccompPolicy installs the syscall filter. Must run as the very
// last bootstrap step: the earlier steps (mount, chroot, capset) use
// syscalls the whitelist does not carry.
func applySeccompPolicy(ctx context.Context, p SeccompPolicy) error {
	if p.Mode == SeccompDisabled {
		return nil
	}
	if len(p.Allowed) == 0 {
		logger.Warn(ctx, "empty syscall whitelist, skipping seccomp filter")
		return nil
	}

	defaultAction := seccomp.ActLog
	if p.Mode == SeccompStrict {
		defaultAction = seccomp.ActKillProcess
	}

	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return appErr.Wrap(err, appErr.SeccompFailed).WithMessage("create seccomp filter")
	}

	allowed := 0
	for _, name := range p.Allowed {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			logger.Warn(ctx, "unknown syscall, skipping", zap.String("syscall", name))
			continue
		}
		if err := filter.AddRule(call, seccomp.ActAllow); err != nil {
			return appErr.Wrapf(err, appErr.SeccompFailed, "add rule for %s", name)
		}
		allowed++
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return appErr.Wrap(err, appErr.SeccompFailed).WithMessage("set no_new_privs")
	}
	if err := filter.Load(); err != nil {
		return appErr.Wrap(err, appErr.SeccompFailed).WithMessage("load seccomp filter")
	}

	logger.Info(ctx, "seccomp filter loaded",
		zap.Int("allowed_syscalls", allowed), zap.String("mode", string(p.Mode)))
	return nil
}
