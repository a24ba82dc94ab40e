package sandbox

import (
	"path/filepath"

	"orbishost/internal/plugin/policy"
	appErr "orbishost/pkg/errors"
)

// DefaultCgroupRoot is where per-plugin cgroup directories live.
const DefaultCgroupRoot = "/sys/fs/cgroup/orbis-plugins"

// defaultTmpfsBytes sizes the worker's private /tmp when the plugin
// declared no explicit scratch budget.
const defaultTmpfsBytes uint64 = 64 * 1024 * 1024

// NamespaceFlags selects which namespaces the worker is spawned into.
type NamespaceFlags struct {
	PID     bool `yaml:"pid" json:"pid"`
	Mount   bool `yaml:"mount" json:"mount"`
	Network bool `yaml:"network" json:"network"`
	IPC     bool `yaml:"ipc" json:"ipc"`
	UTS     bool `yaml:"uts" json:"uts"`
	// User namespaces need kernel support and uid map setup; off by
	// default.
	User bool `yaml:"user" json:"user"`
}

// AllNamespaces enables everything except the user namespace.
func AllNamespaces() NamespaceFlags {
	return NamespaceFlags{PID: true, Mount: true, Network: true, IPC: true, UTS: true}
}

// Any reports whether at least one namespace is requested.
func (n NamespaceFlags) Any() bool {
	return n.PID || n.Mount || n.Network || n.IPC || n.UTS || n.User
}

// BindMount maps a host path into the worker's filesystem.
type BindMount struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"readOnly" json:"read_only"`
}

// Config is the concrete isolation plan for one worker, derived from
// the plugin's requirements. Once handed to the spawn path or the
// worker bootstrap it is treated as immutable; changing the plan means
// building a new Config.
type Config struct {
	Namespaces NamespaceFlags `yaml:"namespaces" json:"namespaces"`

	Seccomp SeccompPolicy `yaml:"seccomp" json:"seccomp"`

	EnableCgroups bool   `yaml:"enableCgroups" json:"enable_cgroups"`
	CgroupRoot    string `yaml:"cgroupRoot" json:"cgroup_root"`

	// EnableFilesystem turns on chroot isolation. ChrootDir is
	// assigned by the process manager once the per-plugin root has
	// been staged; Build leaves it empty.
	EnableFilesystem bool        `yaml:"enableFilesystem" json:"enable_filesystem"`
	ChrootDir        string      `yaml:"chrootDir" json:"chroot_dir"`
	ReadonlyRoot     bool        `yaml:"readonlyRoot" json:"readonly_root"`
	BindMounts       []BindMount `yaml:"bindMounts" json:"bind_mounts"`
	TmpfsBytes       uint64      `yaml:"tmpfsBytes" json:"tmpfs_bytes"`
	WorkDir          string      `yaml:"workDir" json:"work_dir"`

	DropCapabilities bool `yaml:"dropCapabilities" json:"drop_capabilities"`

	Network NetworkPolicy `yaml:"network" json:"network"`

	Limits policy.ResourceLimits `yaml:"limits" json:"limits"`

	// Hostname is set inside the UTS namespace; usually the plugin
	// name.
	Hostname string `yaml:"hostname" json:"hostname"`
}

// DefaultConfig is the baseline before requirements are applied:
// namespaces on, strict seccomp, cgroups on, no chroot, capabilities
// dropped, isolated network with loopback and DNS.
func DefaultConfig() Config {
	return Config{
		Namespaces:       AllNamespaces(),
		Seccomp:          DefaultSeccompPolicy(),
		EnableCgroups:    true,
		CgroupRoot:       DefaultCgroupRoot,
		DropCapabilities: true,
		Network:          DefaultNetworkPolicy(),
		Limits:           policy.DefaultLimits(),
	}
}

// Minimal keeps namespaces and capability dropping but turns off
// seccomp enforcement, cgroups, and filesystem isolation. For trusted
// or development plugins.
func Minimal() Config {
	cfg := DefaultConfig()
	cfg.Seccomp = MinimalSeccompPolicy()
	cfg.EnableCgroups = false
	cfg.EnableFilesystem = false
	cfg.Network = PermissiveNetwork()
	return cfg
}

// Strict enables every primitive with the restrictive network shape.
func Strict() Config {
	cfg := DefaultConfig()
	cfg.EnableFilesystem = true
	cfg.ReadonlyRoot = true
	cfg.Network = RestrictiveNetwork()
	return cfg
}

// Build derives a Config from validated plugin requirements. Pure data
// transform: no directories are created and nothing is applied here.
func Build(req policy.PluginRequirements) (Config, error) {
	if err := req.Validate(); err != nil {
		return Config{}, err
	}
	for _, name := range req.Capabilities {
		if !CanRetainCapability(name) {
			return Config{}, appErr.ValidationError("capabilities", "capability cannot be granted: "+name)
		}
	}

	cfg := DefaultConfig()
	cfg.Limits = req.Limits()

	seccompPolicy, err := DefaultSeccompPolicy().WithSyscalls(req.Syscalls...)
	if err != nil {
		return Config{}, err
	}
	cfg.Seccomp = seccompPolicy

	cfg.Network = NetworkPolicyFor(req.Network, cfg.Limits)

	if !req.Filesystem.Empty() {
		cfg.EnableFilesystem = true
		cfg.ReadonlyRoot = true
		cfg.BindMounts = bindMountsFor(req.Filesystem)
		if req.Filesystem.NeedsTmp {
			cfg.TmpfsBytes = req.Filesystem.TempStorageBytes
			if cfg.TmpfsBytes == 0 {
				cfg.TmpfsBytes = defaultTmpfsBytes
			}
		}
	}

	return cfg, nil
}

func bindMountsFor(fs policy.FilesystemRequirements) []BindMount {
	mounts := make([]BindMount, 0, len(fs.ReadPaths)+len(fs.WritePaths)+len(fs.ExecutePaths))
	for _, p := range fs.ReadPaths {
		mounts = append(mounts, BindMount{Source: p, Target: p, ReadOnly: true})
	}
	for _, p := range fs.WritePaths {
		mounts = append(mounts, BindMount{Source: p, Target: p})
	}
	for _, p := range fs.ExecutePaths {
		mounts = append(mounts, BindMount{Source: p, Target: p, ReadOnly: true})
	}
	return mounts
}

// WithChroot returns a copy rooted at dir. The process manager calls
// this after staging the plugin's root filesystem.
func (c Config) WithChroot(dir string) Config {
	c.ChrootDir = dir
	return c
}

// Validate rejects configurations that cannot be applied.
func (c Config) Validate() error {
	switch c.Seccomp.Mode {
	case SeccompDisabled, SeccompLog, SeccompStrict:
	default:
		return appErr.ValidationError("seccomp.mode", "unknown mode: "+string(c.Seccomp.Mode))
	}
	if c.EnableFilesystem && c.ChrootDir != "" && !filepath.IsAbs(c.ChrootDir) {
		return appErr.ValidationError("chroot_dir", "must be absolute: "+c.ChrootDir)
	}
	if c.EnableCgroups && c.CgroupRoot == "" {
		return appErr.ValidationError("cgroup_root", "required when cgroups are enabled")
	}
	for _, m := range c.BindMounts {
		if m.Source == "" || m.Target == "" {
			return appErr.ValidationError("bind_mounts", "source and target are required")
		}
		if !filepath.IsAbs(m.Source) || !filepath.IsAbs(m.Target) {
			return appErr.ValidationError("bind_mounts", "paths must be absolute")
		}
	}
	return c.Limits.Validate()
}
