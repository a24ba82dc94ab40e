package ipc

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	// DefaultSocketDir holds the per-plugin socket files.
	DefaultSocketDir = "/tmp/orbis-plugins"

	// DefaultTimeoutMs bounds every send, receive, and accept unless
	// the caller's context carries an earlier deadline.
	DefaultTimeoutMs = 5000

	// DefaultBufferSize caps a single encoded message at 64 KiB.
	DefaultBufferSize = 65536
)

// Config tunes the transport for one host/worker pair.
type Config struct {
	SocketDir  string `yaml:"socketDir" json:"socket_dir"`
	TimeoutMs  uint64 `yaml:"timeoutMs" json:"timeout_ms"`
	BufferSize int    `yaml:"bufferSize" json:"buffer_size"`
}

// DefaultConfig returns the standard transport tuning.
func DefaultConfig() Config {
	return Config{
		SocketDir:  DefaultSocketDir,
		TimeoutMs:  DefaultTimeoutMs,
		BufferSize: DefaultBufferSize,
	}
}

// withDefaults fills zero fields so a partially-populated Config from
// a YAML file still behaves.
func (c Config) withDefaults() Config {
	if c.SocketDir == "" {
		c.SocketDir = DefaultSocketDir
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// SocketPath returns the deterministic endpoint for a plugin.
func (c Config) SocketPath(plugin string) string {
	return filepath.Join(c.SocketDir, fmt.Sprintf("plugin-%s.sock", plugin))
}

// Timeout converts the configured default into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
