//go:build linux

package sandbox

import (
	"context"
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"

	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"
)

// applyNetworkIsolation configures the worker's own network namespace:
// verifies the namespace actually exists, brings up loopback when
// allowed, and stages a veth uplink when the policy wants outbound
// reach. Target-level filtering is enforced by the resource monitor
// and the host-side context proxy, not by packet rules here.
func applyNetworkIsolation(ctx context.Context, cfg Config) error {
	if !cfg.Network.EnableNamespace {
		logger.Warn(ctx, "network namespace disabled, worker shares the host network",
			zap.String("hostname", cfg.Hostname))
		return nil
	}

	if err := assertOwnNetNamespace(ctx); err != nil {
		return err
	}

	if cfg.Network.AllowLoopback {
		if err := setupLoopback(); err != nil {
			logger.Warn(ctx, "loopback setup failed", zap.Error(err))
		}
	}

	if cfg.Network.WantsOutbound() {
		if err := setupUplink(cfg.Hostname); err != nil {
			logger.Warn(ctx, "uplink setup failed, outbound targets unreachable until provisioned",
				zap.Error(err))
		}
	}
	return nil
}

// assertOwnNetNamespace verifies the worker really is in a namespace
// of its own and not silently sharing the host's. Skipped when PID 1's
// namespace cannot be read (non-root in a container).
func assertOwnNetNamespace(ctx context.Context) error {
	self, err := netns.Get()
	if err != nil {
		return appErr.Wrap(err, appErr.NetworkSetupFailed).WithMessage("read own network namespace")
	}
	defer self.Close()

	host, err := netns.GetFromPid(1)
	if err != nil {
		logger.Debug(ctx, "cannot read pid 1 network namespace, skipping isolation check", zap.Error(err))
		return nil
	}
	defer host.Close()

	if self.Equal(host) {
		return appErr.New(appErr.NetworkSetupFailed).WithMessage("worker is still in the host network namespace")
	}
	return nil
}

func setupLoopback() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return appErr.Wrap(err, appErr.NetworkSetupFailed).WithMessage("find loopback interface")
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return appErr.Wrap(err, appErr.NetworkSetupFailed).WithMessage("bring up loopback")
	}
	return nil
}

// setupUplink creates and addresses a veth endpoint inside the
// namespace. The host side of the pair must be bridged by the
// operator; without that, outbound targets stay unreachable and the
// monitor will report the plugin's connections as zero.
func setupUplink(hostname string) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = "veth0"
	veth := &netlink.Veth{LinkAttrs: attrs, PeerName: "veth0-host"}

	if err := netlink.LinkAdd(veth); err != nil {
		return appErr.Wrapf(err, appErr.NetworkSetupFailed, "create veth pair for %s", hostname)
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		return appErr.Wrap(err, appErr.NetworkSetupFailed).WithMessage("bring up veth")
	}

	addr, err := netlink.ParseAddr("169.254.1.2/30")
	if err != nil {
		return appErr.Wrap(err, appErr.NetworkSetupFailed).WithMessage("parse uplink address")
	}
	if err := netlink.AddrAdd(veth, addr); err != nil {
		return appErr.Wrap(err, appErr.NetworkSetupFailed).WithMessage("address veth")
	}

	route := &netlink.Route{
		LinkIndex: veth.Attrs().Index,
		Gw:        net.IPv4(169, 254, 1, 1),
	}
	if err := netlink.RouteAdd(route); err != nil {
		return appErr.Wrap(err, appErr.NetworkSetupFailed).WithMessage("add default route")
	}
	return nil
}
