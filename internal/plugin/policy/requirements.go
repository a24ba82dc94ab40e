package policy

import (
	"net/netip"
	"path/filepath"

	appErr "orbishost/pkg/errors"
)

// TargetKind discriminates NetworkTarget values.
type TargetKind string

const (
	TargetDomain      TargetKind = "domain"
	TargetIP          TargetKind = "ip"
	TargetIPPort      TargetKind = "ip_port"
	TargetIPPortRange TargetKind = "ip_port_range"
)

// NetworkTarget names one destination a plugin may reach: a domain
// pattern (optionally with a leading "*." wildcard), a bare IP, an
// IP:port pair, or an IP with a port range.
type NetworkTarget struct {
	Kind      TargetKind `yaml:"kind" json:"kind"`
	Domain    string     `yaml:"domain,omitempty" json:"domain,omitempty"`
	IP        string     `yaml:"ip,omitempty" json:"ip,omitempty"`
	Port      uint16     `yaml:"port,omitempty" json:"port,omitempty"`
	PortStart uint16     `yaml:"portStart,omitempty" json:"port_start,omitempty"`
	PortEnd   uint16     `yaml:"portEnd,omitempty" json:"port_end,omitempty"`
}

// DomainTarget allows a domain pattern.
func DomainTarget(pattern string) NetworkTarget {
	return NetworkTarget{Kind: TargetDomain, Domain: pattern}
}

// IPTarget allows every port on one address.
func IPTarget(ip string) NetworkTarget {
	return NetworkTarget{Kind: TargetIP, IP: ip}
}

// IPPortTarget allows a single address:port pair.
func IPPortTarget(ip string, port uint16) NetworkTarget {
	return NetworkTarget{Kind: TargetIPPort, IP: ip, Port: port}
}

// IPPortRangeTarget allows an inclusive port range on one address.
func IPPortRangeTarget(ip string, start, end uint16) NetworkTarget {
	return NetworkTarget{Kind: TargetIPPortRange, IP: ip, PortStart: start, PortEnd: end}
}

// Validate checks the target is internally consistent.
func (t NetworkTarget) Validate() error {
	switch t.Kind {
	case TargetDomain:
		if t.Domain == "" {
			return appErr.ValidationError("domain", "required for domain targets")
		}
	case TargetIP, TargetIPPort, TargetIPPortRange:
		if _, err := netip.ParseAddr(t.IP); err != nil {
			return appErr.ValidationError("ip", "invalid IP address: "+t.IP)
		}
		if t.Kind == TargetIPPortRange && t.PortStart > t.PortEnd {
			return appErr.ValidationError("port_range", "start exceeds end")
		}
	default:
		return appErr.ValidationError("kind", "unknown target kind: "+string(t.Kind))
	}
	return nil
}

// NetworkRequirements declares the network reach a plugin asks for.
type NetworkRequirements struct {
	AllowedTargets []NetworkTarget `yaml:"allowedTargets" json:"allowed_targets"`
	NeedsDNS       bool            `yaml:"needsDns" json:"needs_dns"`
	NeedsLoopback  bool            `yaml:"needsLoopback" json:"needs_loopback"`
	Reason         string          `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// FilesystemRequirements declares the paths a plugin asks for.
type FilesystemRequirements struct {
	ReadPaths        []string `yaml:"readPaths" json:"read_paths"`
	WritePaths       []string `yaml:"writePaths" json:"write_paths"`
	ExecutePaths     []string `yaml:"executePaths" json:"execute_paths"`
	NeedsTmp         bool     `yaml:"needsTmp" json:"needs_tmp"`
	TempStorageBytes uint64   `yaml:"tempStorageBytes,omitempty" json:"temp_storage_bytes,omitempty"`
	Reason           string   `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Empty reports whether no filesystem access was requested.
func (f FilesystemRequirements) Empty() bool {
	return len(f.ReadPaths) == 0 && len(f.WritePaths) == 0 &&
		len(f.ExecutePaths) == 0 && !f.NeedsTmp
}

// ContextAccess is the level granted on one context key.
type ContextAccess string

const (
	ContextRead      ContextAccess = "read"
	ContextReadWrite ContextAccess = "read_write"
)

// ContextPermission grants access to a single host context key.
type ContextPermission struct {
	Key    string        `yaml:"key" json:"key"`
	Access ContextAccess `yaml:"access" json:"access"`
	Reason string        `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// ContextPermissions lists the host context keys a plugin may touch.
type ContextPermissions struct {
	Allowed []ContextPermission `yaml:"allowed" json:"allowed"`
	Reason  string              `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// IsAllowed reports whether the key is accessible at the required level.
// ReadWrite grants imply Read.
func (c ContextPermissions) IsAllowed(key string, required ContextAccess) bool {
	for _, p := range c.Allowed {
		if p.Key != key {
			continue
		}
		if p.Access == ContextReadWrite {
			return true
		}
		if p.Access == ContextRead && required == ContextRead {
			return true
		}
	}
	return false
}

// PluginRequirements is what a plugin declares it needs. Constructed
// once at load time from manifest data and never mutated afterwards.
// An empty target list with no DNS and no loopback need means fully
// isolated.
type PluginRequirements struct {
	Network            NetworkRequirements    `yaml:"network" json:"network"`
	Filesystem         FilesystemRequirements `yaml:"filesystem" json:"filesystem"`
	ContextPermissions ContextPermissions     `yaml:"contextPermissions" json:"context_permissions"`
	Resources          *ResourceLimits        `yaml:"resources,omitempty" json:"resources,omitempty"`
	Capabilities       []string               `yaml:"capabilities" json:"capabilities"`
	Syscalls           []string               `yaml:"syscalls" json:"syscalls"`
}

// MinimalRequirements suits plugins that only transform data: loopback
// and scratch space, nothing else.
func MinimalRequirements() PluginRequirements {
	return PluginRequirements{
		Network:    NetworkRequirements{NeedsLoopback: true},
		Filesystem: FilesystemRequirements{NeedsTmp: true},
	}
}

// DatabaseRequirements suits plugins talking to one database endpoint.
func DatabaseRequirements(host string, port uint16) PluginRequirements {
	limits := DefaultLimits()
	limits.MaxConnections = 20
	return PluginRequirements{
		Network: NetworkRequirements{
			AllowedTargets: []NetworkTarget{IPPortTarget(host, port)},
			NeedsDNS:       true,
			NeedsLoopback:  true,
			Reason:         "Database connection",
		},
		Filesystem: FilesystemRequirements{NeedsTmp: true},
		Resources:  &limits,
	}
}

// APIClientRequirements suits plugins calling external HTTP APIs.
func APIClientRequirements(domains ...string) PluginRequirements {
	targets := make([]NetworkTarget, 0, len(domains))
	for _, d := range domains {
		targets = append(targets, DomainTarget(d))
	}
	limits := DefaultLimits()
	limits.MaxConnections = 50
	return PluginRequirements{
		Network: NetworkRequirements{
			AllowedTargets: targets,
			NeedsDNS:       true,
			NeedsLoopback:  true,
			Reason:         "External API access",
		},
		Filesystem: FilesystemRequirements{NeedsTmp: true},
		Resources:  &limits,
	}
}

// WithDefaults fills in the access every worker needs regardless of
// declaration: loopback for IPC and tmp for scratch files.
func (r PluginRequirements) WithDefaults() PluginRequirements {
	r.Network.NeedsLoopback = true
	r.Filesystem.NeedsTmp = true
	return r
}

// FullyIsolated reports whether the plugin asked for no network at all.
func (r PluginRequirements) FullyIsolated() bool {
	return len(r.Network.AllowedTargets) == 0 &&
		!r.Network.NeedsDNS && !r.Network.NeedsLoopback
}

// Validate rejects malformed declarations: unparsable IPs, inverted
// port ranges, relative filesystem paths, invalid limit overrides.
func (r PluginRequirements) Validate() error {
	for _, t := range r.Network.AllowedTargets {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for _, set := range [][]string{r.Filesystem.ReadPaths, r.Filesystem.WritePaths, r.Filesystem.ExecutePaths} {
		for _, p := range set {
			if !filepath.IsAbs(p) {
				return appErr.ValidationError("filesystem", "paths must be absolute: "+p)
			}
		}
	}
	if r.Resources != nil {
		if err := r.Resources.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Limits returns the declared override or the defaults.
func (r PluginRequirements) Limits() ResourceLimits {
	if r.Resources != nil {
		return *r.Resources
	}
	return DefaultLimits()
}
