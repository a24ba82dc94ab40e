package manifest

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"orbishost/internal/plugin/policy"
	appErr "orbishost/pkg/errors"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// PluginManifest describes one plugin: identity, worker entry point,
// artifact provenance, and the permissions it asks for. Manifests are
// YAML files in the host's plugin directory, one per plugin.
type PluginManifest struct {
	Name           string       `yaml:"name" json:"name"`
	Version        string       `yaml:"version" json:"version"`
	Description    string       `yaml:"description,omitempty" json:"description,omitempty"`
	Author         string       `yaml:"author,omitempty" json:"author,omitempty"`
	Homepage       string       `yaml:"homepage,omitempty" json:"homepage,omitempty"`
	License        string       `yaml:"license,omitempty" json:"license,omitempty"`
	MinHostVersion string       `yaml:"min_host_version,omitempty" json:"min_host_version,omitempty"`
	Permissions    []Permission `yaml:"permissions,omitempty" json:"permissions,omitempty"`

	// Entry points. One of WasmEntry or NativeEntry is required.
	// Exec, when set, is the full worker command line and wins over
	// NativeEntry's bare binary path.
	WasmEntry   string `yaml:"wasm_entry,omitempty" json:"wasm_entry,omitempty"`
	NativeEntry string `yaml:"native_entry,omitempty" json:"native_entry,omitempty"`
	Exec        string `yaml:"exec,omitempty" json:"exec,omitempty"`

	// Artifact provenance for payloads pulled from object storage.
	ArtifactKey    string `yaml:"artifact_key,omitempty" json:"artifact_key,omitempty"`
	ArtifactDigest string `yaml:"artifact_digest,omitempty" json:"artifact_digest,omitempty"`
	Signature      string `yaml:"signature,omitempty" json:"signature,omitempty"`

	// Grants consumed by the permission mapping. Paths and targets
	// are inert without the matching permission.
	ReadPaths      []string               `yaml:"read_paths,omitempty" json:"read_paths,omitempty"`
	WritePaths     []string               `yaml:"write_paths,omitempty" json:"write_paths,omitempty"`
	NetworkTargets []policy.NetworkTarget `yaml:"network_targets,omitempty" json:"network_targets,omitempty"`

	Resources *policy.ResourceLimits `yaml:"resources,omitempty" json:"resources,omitempty"`
	Config    map[string]any         `yaml:"config,omitempty" json:"config,omitempty"`
}

// Load reads and validates a manifest file.
func Load(path string) (*PluginManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ManifestInvalid, "read manifest %s failed", path)
	}
	return Parse(data)
}

// Parse decodes and validates manifest YAML.
func Parse(data []byte) (*PluginManifest, error) {
	var m PluginManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, appErr.Wrapf(err, appErr.ManifestInvalid, "parse manifest failed")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadDir loads every *.yaml/*.yml manifest in a directory, sorted by
// plugin name. A directory with no manifests is not an error.
func LoadDir(dir string) ([]*PluginManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ManifestInvalid, "read manifest directory %s failed", dir)
	}
	var manifests []*PluginManifest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, nil
}

// Validate rejects malformed manifests: bad names, unparsable
// versions, missing entry points, unknown permissions, grants without
// the permission that activates them, malformed digests.
func (m *PluginManifest) Validate() error {
	if m.Name == "" {
		return appErr.ValidationError("name", "required")
	}
	if !namePattern.MatchString(m.Name) {
		return appErr.Newf(appErr.ManifestInvalid, "plugin name %q must match [a-z0-9_-]{1,64}", m.Name)
	}
	if m.Version == "" {
		return appErr.ValidationError("version", "required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return appErr.Wrapf(err, appErr.ManifestInvalid, "invalid plugin version %q", m.Version)
	}
	if m.MinHostVersion != "" {
		if _, err := semver.NewVersion(m.MinHostVersion); err != nil {
			return appErr.Wrapf(err, appErr.ManifestInvalid, "invalid min host version %q", m.MinHostVersion)
		}
	}
	if m.WasmEntry == "" && m.NativeEntry == "" && m.Exec == "" {
		return appErr.New(appErr.ManifestInvalid).WithMessage("manifest needs a wasm_entry, native_entry, or exec")
	}
	for _, p := range m.Permissions {
		if !p.Known() {
			return appErr.Newf(appErr.ManifestInvalid, "unknown permission %q", p)
		}
	}
	if len(m.ReadPaths) > 0 && !m.HasPermission(PermFileRead) {
		return appErr.New(appErr.ManifestInvalid).WithMessage("read_paths declared without the file_read permission")
	}
	if len(m.WritePaths) > 0 && !m.HasPermission(PermFileWrite) {
		return appErr.New(appErr.ManifestInvalid).WithMessage("write_paths declared without the file_write permission")
	}
	if len(m.NetworkTargets) > 0 && !m.HasPermission(PermNetwork) {
		return appErr.New(appErr.ManifestInvalid).WithMessage("network_targets declared without the network permission")
	}
	for _, set := range [][]string{m.ReadPaths, m.WritePaths} {
		for _, p := range set {
			if !filepath.IsAbs(p) {
				return appErr.Newf(appErr.ManifestInvalid, "declared path %q must be absolute", p)
			}
		}
	}
	for _, t := range m.NetworkTargets {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if m.ArtifactKey != "" && m.ArtifactDigest == "" {
		return appErr.New(appErr.ManifestInvalid).WithMessage("artifact_key requires an artifact_digest")
	}
	if m.ArtifactDigest != "" && !isHex(m.ArtifactDigest, 32) {
		return appErr.New(appErr.ManifestInvalid).WithMessage("artifact_digest must be a sha256 hex string")
	}
	if m.Signature != "" && !isHex(m.Signature, 64) {
		return appErr.New(appErr.ManifestInvalid).WithMessage("signature must be an ed25519 signature hex string")
	}
	if m.Resources != nil {
		if err := m.Resources.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func isHex(s string, wantBytes int) bool {
	raw, err := hex.DecodeString(strings.ToLower(s))
	return err == nil && len(raw) == wantBytes
}

// HasPermission reports whether the manifest asks for a permission.
func (m *PluginManifest) HasPermission(p Permission) bool {
	for _, have := range m.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Argv resolves the worker command line. Exec is shell-split; a bare
// NativeEntry becomes a single-element argv.
func (m *PluginManifest) Argv() ([]string, error) {
	if m.Exec != "" {
		argv, err := shlex.Split(m.Exec)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.ManifestInvalid, "parse exec command failed")
		}
		if len(argv) == 0 {
			return nil, appErr.New(appErr.ManifestInvalid).WithMessage("exec resolves to an empty command")
		}
		return argv, nil
	}
	if m.NativeEntry != "" {
		return []string{m.NativeEntry}, nil
	}
	return nil, appErr.Newf(appErr.ManifestInvalid, "plugin %s has no native entry to spawn", m.Name)
}

// HostCompatible checks MinHostVersion against the running host.
func (m *PluginManifest) HostCompatible(hostVersion string) error {
	if m.MinHostVersion == "" {
		return nil
	}
	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		return appErr.Wrapf(err, appErr.VersionIncompatible, "invalid host version %q", hostVersion)
	}
	min, err := semver.NewVersion(m.MinHostVersion)
	if err != nil {
		return appErr.Wrapf(err, appErr.ManifestInvalid, "invalid min host version %q", m.MinHostVersion)
	}
	if host.LessThan(*min) {
		return appErr.Newf(appErr.VersionIncompatible,
			"plugin %s requires host >= %s, running %s", m.Name, m.MinHostVersion, hostVersion)
	}
	return nil
}

// Requirements derives the sandbox requirements the permissions imply.
// Dangerous permissions (shell, system) are rejected unless the host
// trusts the plugin by name. Paths and targets only take effect under
// their matching permission; loopback and tmp are always granted.
func (m *PluginManifest) Requirements(trusted []string) (policy.PluginRequirements, error) {
	for _, p := range m.Permissions {
		if p.Dangerous() && !isTrusted(m.Name, trusted) {
			return policy.PluginRequirements{}, appErr.Newf(appErr.UntrustedPlugin,
				"permission %s requires the host to trust plugin %s", p, m.Name)
		}
	}

	var req policy.PluginRequirements
	for _, p := range m.Permissions {
		switch p {
		case PermDatabaseRead, PermDatabaseWrite:
			req.Network.NeedsLoopback = true
		case PermFileRead:
			req.Filesystem.ReadPaths = append(req.Filesystem.ReadPaths, m.ReadPaths...)
		case PermFileWrite:
			req.Filesystem.WritePaths = append(req.Filesystem.WritePaths, m.WritePaths...)
		case PermNetwork:
			req.Network.NeedsDNS = true
			req.Network.AllowedTargets = append(req.Network.AllowedTargets, m.NetworkTargets...)
		case PermShell:
			req.Filesystem.ExecutePaths = append(req.Filesystem.ExecutePaths, "/bin", "/usr/bin")
		case PermSystem, PermEnvironment:
			// Worker-side grants: no sandbox reach. The process
			// manager consults HasPermission when building the
			// worker environment.
		}
	}
	if m.Resources != nil {
		limits := *m.Resources
		req.Resources = &limits
	}
	return req.WithDefaults(), nil
}

func isTrusted(name string, trusted []string) bool {
	for _, t := range trusted {
		if t == name {
			return true
		}
	}
	return false
}
