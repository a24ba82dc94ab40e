package sandbox

import (
	"net/netip"
	"strings"

	"orbishost/internal/plugin/policy"
)

// NetworkPolicy describes the network a worker sees. Each plugin gets
// its own network namespace; the host keeps full connectivity and each
// plugin is restricted independently.
type NetworkPolicy struct {
	// EnableNamespace puts the worker in its own network namespace.
	// Disabling it shares the host's network and defeats isolation.
	EnableNamespace bool `yaml:"enableNamespace" json:"enable_namespace"`

	// AllowedTargets is the outbound allow-list, translated 1:1 from
	// the plugin's declared requirements.
	AllowedTargets []policy.NetworkTarget `yaml:"allowedTargets" json:"allowed_targets"`

	// AllowLoopback permits 127.0.0.1, needed for host IPC.
	AllowLoopback bool `yaml:"allowLoopback" json:"allow_loopback"`

	// AllowAllOutbound bypasses the target allow-list.
	AllowAllOutbound bool `yaml:"allowAllOutbound" json:"allow_all_outbound"`

	// AllowDNS permits port 53, needed for domain-based targets.
	AllowDNS bool `yaml:"allowDns" json:"allow_dns"`

	// MaxConnections is enforced by the resource monitor, not the
	// namespace.
	MaxConnections int `yaml:"maxConnections" json:"max_connections"`
}

// DefaultNetworkPolicy isolates the namespace with loopback and DNS.
func DefaultNetworkPolicy() NetworkPolicy {
	return NetworkPolicy{
		EnableNamespace: true,
		AllowLoopback:   true,
		AllowDNS:        true,
		MaxConnections:  50,
	}
}

// PermissiveNetwork still namespaces the worker but allows all
// outbound traffic.
func PermissiveNetwork() NetworkPolicy {
	return NetworkPolicy{
		EnableNamespace:  true,
		AllowLoopback:    true,
		AllowAllOutbound: true,
		AllowDNS:         true,
		MaxConnections:   100,
	}
}

// RestrictiveNetwork permits loopback and nothing else.
func RestrictiveNetwork() NetworkPolicy {
	return NetworkPolicy{
		EnableNamespace: true,
		AllowLoopback:   true,
		MaxConnections:  10,
	}
}

// NetworkPolicyFor translates declared requirements into a policy.
// No targets and no DNS yields the restrictive loopback-only shape.
func NetworkPolicyFor(nr policy.NetworkRequirements, limits policy.ResourceLimits) NetworkPolicy {
	p := RestrictiveNetwork()
	p.AllowLoopback = nr.NeedsLoopback
	p.AllowDNS = nr.NeedsDNS
	if len(nr.AllowedTargets) > 0 {
		p.AllowedTargets = make([]policy.NetworkTarget, len(nr.AllowedTargets))
		copy(p.AllowedTargets, nr.AllowedTargets)
	}
	if limits.MaxConnections > 0 {
		p.MaxConnections = int(limits.MaxConnections)
	}
	return p
}

// Restrictive reports whether the policy reduces to loopback-only.
func (p NetworkPolicy) Restrictive() bool {
	return !p.AllowAllOutbound && !p.AllowDNS && len(p.AllowedTargets) == 0
}

// WantsOutbound reports whether the worker needs a route out of its
// namespace at all.
func (p NetworkPolicy) WantsOutbound() bool {
	return p.AllowAllOutbound || p.AllowDNS || len(p.AllowedTargets) > 0
}

// Allows reports whether a connection to host:port would be permitted.
// host is either an IP literal or a domain name.
func (p NetworkPolicy) Allows(host string, port uint16) bool {
	if p.AllowAllOutbound {
		return true
	}
	if addr, err := netip.ParseAddr(host); err == nil && addr.IsLoopback() {
		return p.AllowLoopback
	}
	if strings.EqualFold(host, "localhost") {
		return p.AllowLoopback
	}
	if port == 53 && p.AllowDNS {
		return true
	}
	for _, t := range p.AllowedTargets {
		if targetAllows(t, host, port) {
			return true
		}
	}
	return false
}

func targetAllows(t policy.NetworkTarget, host string, port uint16) bool {
	switch t.Kind {
	case policy.TargetDomain:
		return DomainMatches(t.Domain, host)
	case policy.TargetIP:
		return t.IP == host
	case policy.TargetIPPort:
		return t.IP == host && t.Port == port
	case policy.TargetIPPortRange:
		return t.IP == host && port >= t.PortStart && port <= t.PortEnd
	default:
		return false
	}
}

// DomainMatches reports whether host matches the pattern. A leading
// "*." component matches the bare domain and any depth of subdomain.
func DomainMatches(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}
	base := pattern[2:]
	return host == base || strings.HasSuffix(host, "."+base)
}
