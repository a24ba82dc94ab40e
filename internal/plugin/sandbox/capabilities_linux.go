//go:build linux

package sandbox

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"
)

var capabilityValues = map[string]uintptr{
	"CAP_SYS_ADMIN":    unix.CAP_SYS_ADMIN,
	"CAP_SYS_MODULE":   unix.CAP_SYS_MODULE,
	"CAP_SYS_RAWIO":    unix.CAP_SYS_RAWIO,
	"CAP_SYS_BOOT":     unix.CAP_SYS_BOOT,
	"CAP_SYS_TIME":     unix.CAP_SYS_TIME,
	"CAP_SYS_PTRACE":   unix.CAP_SYS_PTRACE,
	"CAP_SYS_CHROOT":   unix.CAP_SYS_CHROOT,
	"CAP_MAC_ADMIN":    unix.CAP_MAC_ADMIN,
	"CAP_MAC_OVERRIDE": unix.CAP_MAC_OVERRIDE,
	"CAP_NET_ADMIN":    unix.CAP_NET_ADMIN,
	"CAP_SETUID":       unix.CAP_SETUID,
	"CAP_SETGID":       unix.CAP_SETGID,
	"CAP_SETPCAP":      unix.CAP_SETPCAP,
	"CAP_SYS_NICE":     unix.CAP_SYS_NICE,
	"CAP_SYS_RESOURCE": unix.CAP_SYS_RESOURCE,
}

// dropDangerousCapabilities sets no-new-privs, then removes the
// default drop list from the bounding set and from the effective,
// permitted, and inheritable sets. no-new-privs failure is fatal;
// individual capability failures are warnings, since a worker running
// as an unprivileged user has nothing to drop.
func dropDangerousCapabilities(ctx context.Context) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return appErr.Wrap(err, appErr.CapabilityFailed).WithMessage("set no_new_privs")
	}

	var clearMask [2]uint32
	for _, name := range DefaultCapabilityDrops() {
		val, ok := capabilityValues[name]
		if !ok {
			logger.Warn(ctx, "unknown capability, skipping", zap.String("capability", name))
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, val, 0, 0, 0); err != nil {
			logger.Warn(ctx, "drop capability from bounding set failed",
				zap.String("capability", name), zap.Error(err))
		}
		clearMask[val>>5] |= 1 << (val & 31)
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		logger.Warn(ctx, "capget failed, skipping capability set clearing", zap.Error(err))
		return nil
	}
	for i := range data {
		data[i].Effective &^= clearMask[i]
		data[i].Permitted &^= clearMask[i]
		data[i].Inheritable &^= clearMask[i]
	}
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		logger.Warn(ctx, "capset failed, capability sets unchanged", zap.Error(err))
	}
	return nil
}
