package policy_test

import (
	"testing"

	"orbishost/internal/plugin/policy"
)

func TestNetworkTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  policy.NetworkTarget
		wantErr bool
	}{
		{"domain", policy.DomainTarget("api.example.com"), false},
		{"wildcard domain", policy.DomainTarget("*.example.com"), false},
		{"empty domain", policy.DomainTarget(""), true},
		{"ipv4", policy.IPTarget("10.0.0.1"), false},
		{"ipv6", policy.IPTarget("::1"), false},
		{"bad ip", policy.IPTarget("not-an-ip"), true},
		{"ip port", policy.IPPortTarget("127.0.0.1", 5432), false},
		{"ip port bad addr", policy.IPPortTarget("999.0.0.1", 5432), true},
		{"port range", policy.IPPortRangeTarget("192.168.1.1", 8000, 9000), false},
		{"inverted range", policy.IPPortRangeTarget("192.168.1.1", 9000, 8000), true},
		{"single port range", policy.IPPortRangeTarget("192.168.1.1", 8080, 8080), false},
		{"unknown kind", policy.NetworkTarget{Kind: "carrier_pigeon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMinimalRequirements(t *testing.T) {
	req := policy.MinimalRequirements()

	if !req.Network.NeedsLoopback {
		t.Error("minimal profile should keep loopback for host IPC")
	}
	if len(req.Network.AllowedTargets) != 0 {
		t.Errorf("minimal profile should allow no targets, got %d", len(req.Network.AllowedTargets))
	}
	if req.Network.NeedsDNS {
		t.Error("minimal profile should not need DNS")
	}
	if !req.Filesystem.NeedsTmp {
		t.Error("minimal profile should keep tmp scratch space")
	}
	if err := req.Validate(); err != nil {
		t.Errorf("minimal profile should validate, got %v", err)
	}
}

func TestDatabaseRequirements(t *testing.T) {
	req := policy.DatabaseRequirements("10.0.0.5", 5432)

	if len(req.Network.AllowedTargets) != 1 {
		t.Fatalf("want 1 target, got %d", len(req.Network.AllowedTargets))
	}
	target := req.Network.AllowedTargets[0]
	if target.Kind != policy.TargetIPPort || target.IP != "10.0.0.5" || target.Port != 5432 {
		t.Errorf("unexpected target %+v", target)
	}
	if !req.Network.NeedsDNS {
		t.Error("database profile should need DNS")
	}
	if req.Resources == nil {
		t.Fatal("database profile should carry limit overrides")
	}
	if req.Resources.MaxConnections != 20 {
		t.Errorf("MaxConnections = %d, want 20", req.Resources.MaxConnections)
	}
}

func TestAPIClientRequirements(t *testing.T) {
	req := policy.APIClientRequirements("api.github.com", "*.googleapis.com")

	if len(req.Network.AllowedTargets) != 2 {
		t.Fatalf("want 2 targets, got %d", len(req.Network.AllowedTargets))
	}
	for _, target := range req.Network.AllowedTargets {
		if target.Kind != policy.TargetDomain {
			t.Errorf("target kind = %s, want domain", target.Kind)
		}
	}
	if req.Resources == nil || req.Resources.MaxConnections != 50 {
		t.Error("api client profile should allow 50 connections")
	}
}

func TestPluginRequirements_WithDefaults(t *testing.T) {
	req := policy.PluginRequirements{}
	if req.Network.NeedsLoopback || req.Filesystem.NeedsTmp {
		t.Fatal("zero value should not request anything")
	}

	withDefaults := req.WithDefaults()
	if !withDefaults.Network.NeedsLoopback {
		t.Error("WithDefaults should force loopback for IPC")
	}
	if !withDefaults.Filesystem.NeedsTmp {
		t.Error("WithDefaults should force tmp access")
	}
}

func TestPluginRequirements_FullyIsolated(t *testing.T) {
	if !(policy.PluginRequirements{}).FullyIsolated() {
		t.Error("empty requirements should be fully isolated")
	}
	if policy.MinimalRequirements().FullyIsolated() {
		t.Error("loopback access is not full isolation")
	}
	if policy.APIClientRequirements("example.com").FullyIsolated() {
		t.Error("domain targets are not full isolation")
	}
}

func TestPluginRequirements_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     policy.PluginRequirements
		wantErr bool
	}{
		{"empty", policy.PluginRequirements{}, false},
		{
			"bad target",
			policy.PluginRequirements{
				Network: policy.NetworkRequirements{
					AllowedTargets: []policy.NetworkTarget{policy.IPTarget("bogus")},
				},
			},
			true,
		},
		{
			"relative read path",
			policy.PluginRequirements{
				Filesystem: policy.FilesystemRequirements{ReadPaths: []string{"data/cache"}},
			},
			true,
		},
		{
			"relative write path",
			policy.PluginRequirements{
				Filesystem: policy.FilesystemRequirements{WritePaths: []string{"./out"}},
			},
			true,
		},
		{
			"absolute paths",
			policy.PluginRequirements{
				Filesystem: policy.FilesystemRequirements{
					ReadPaths:  []string{"/etc/myplugin"},
					WritePaths: []string{"/var/lib/myplugin"},
				},
			},
			false,
		},
		{
			"bad limit override",
			policy.PluginRequirements{
				Resources: &policy.ResourceLimits{MaxHeapBytes: 0},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPluginRequirements_Limits(t *testing.T) {
	if got := (policy.PluginRequirements{}).Limits(); got != policy.DefaultLimits() {
		t.Error("nil override should fall back to defaults")
	}

	custom := policy.DefaultLimits()
	custom.MaxHeapBytes = 64 * 1024 * 1024
	req := policy.PluginRequirements{Resources: &custom}
	if got := req.Limits(); got.MaxHeapBytes != custom.MaxHeapBytes {
		t.Errorf("Limits().MaxHeapBytes = %d, want %d", got.MaxHeapBytes, custom.MaxHeapBytes)
	}
}

func TestContextPermissions_IsAllowed(t *testing.T) {
	perms := policy.ContextPermissions{
		Allowed: []policy.ContextPermission{
			{Key: "user.profile", Access: policy.ContextRead},
			{Key: "plugin.state", Access: policy.ContextReadWrite},
		},
	}

	tests := []struct {
		name     string
		key      string
		required policy.ContextAccess
		want     bool
	}{
		{"read on read grant", "user.profile", policy.ContextRead, true},
		{"write on read grant", "user.profile", policy.ContextReadWrite, false},
		{"read on rw grant", "plugin.state", policy.ContextRead, true},
		{"write on rw grant", "plugin.state", policy.ContextReadWrite, true},
		{"missing key", "secrets.api_key", policy.ContextRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := perms.IsAllowed(tt.key, tt.required); got != tt.want {
				t.Errorf("IsAllowed(%q, %q) = %v, want %v", tt.key, tt.required, got, tt.want)
			}
		})
	}
}
