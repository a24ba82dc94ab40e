package sandbox

import "strings"

// DefaultCapabilityDrops lists the capabilities removed from every
// worker: system administration, module loading, raw I/O, tracing,
// clock changes, MAC override, UID/GID switching, and resource-limit
// bypass.
func DefaultCapabilityDrops() []string {
	return []string{
		"CAP_SYS_ADMIN",
		"CAP_SYS_MODULE",
		"CAP_SYS_RAWIO",
		"CAP_SYS_BOOT",
		"CAP_SYS_TIME",
		"CAP_SYS_PTRACE",
		"CAP_SYS_CHROOT",
		"CAP_MAC_ADMIN",
		"CAP_MAC_OVERRIDE",
		"CAP_NET_ADMIN",
		"CAP_SETUID",
		"CAP_SETGID",
		"CAP_SETPCAP",
		"CAP_SYS_NICE",
		"CAP_SYS_RESOURCE",
	}
}

// AllowedCapabilities lists the only capabilities a plugin may ask to
// retain.
func AllowedCapabilities() []string {
	return []string{
		"CAP_NET_BIND_SERVICE",
		"CAP_DAC_OVERRIDE",
	}
}

var retainableCapabilities = func() map[string]struct{} {
	set := make(map[string]struct{})
	for _, name := range AllowedCapabilities() {
		set[name] = struct{}{}
	}
	return set
}()

// CanRetainCapability reports whether a plugin may keep the named
// capability. Everything on the drop list stays dropped.
func CanRetainCapability(name string) bool {
	_, ok := retainableCapabilities[NormalizeCapability(name)]
	return ok
}

// NormalizeCapability upper-cases and prefixes a capability name so
// "net_bind_service" and "CAP_NET_BIND_SERVICE" compare equal.
func NormalizeCapability(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	if !strings.HasPrefix(name, "CAP_") {
		name = "CAP_" + name
	}
	return name
}
