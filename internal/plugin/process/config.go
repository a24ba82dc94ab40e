package process

import "time"

const (
	defaultMaxRestartAttempts    = 3
	defaultHealthCheckIntervalMs = 10000
	defaultStartupTimeoutMs      = 30000
	defaultShutdownGraceMs       = 5000
	defaultUnhealthyThreshold    = 3

	// pingTimeout bounds one Ping/Pong round trip inside the health
	// loop.
	pingTimeout = 5 * time.Second

	// restartBackoff separates a stop from the respawn so a crash loop
	// cannot spin the host.
	restartBackoff = time.Second

	// hookResponseBuffer is added on top of the hook's own timeout
	// before the host gives up on a HookResponse. The worker enforces
	// the timeout itself; the buffer covers IPC latency.
	hookResponseBuffer = time.Second
)

// ProcessConfig tunes the lifecycle manager. The zero value is usable;
// withDefaults fills anything a YAML file left out.
type ProcessConfig struct {
	// WorkerBinary runs wasm payloads. Plugins with a native entry or
	// exec line spawn their own binary and ignore it.
	WorkerBinary string `yaml:"workerBinary" json:"worker_binary"`

	MaxRestartAttempts    int    `yaml:"maxRestartAttempts" json:"max_restart_attempts"`
	HealthCheckIntervalMs uint64 `yaml:"healthCheckIntervalMs" json:"health_check_interval_ms"`
	StartupTimeoutMs      uint64 `yaml:"startupTimeoutMs" json:"startup_timeout_ms"`
	ShutdownGracePeriodMs uint64 `yaml:"shutdownGracePeriodMs" json:"shutdown_grace_period_ms"`

	// UnhealthyThreshold is how many consecutive failed health checks
	// mark a worker Unhealthy and trigger the restart path.
	UnhealthyThreshold int `yaml:"unhealthyThreshold" json:"unhealthy_threshold"`
}

// DefaultProcessConfig returns the standard lifecycle tuning.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{}.withDefaults()
}

func (c ProcessConfig) withDefaults() ProcessConfig {
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = defaultMaxRestartAttempts
	}
	if c.HealthCheckIntervalMs == 0 {
		c.HealthCheckIntervalMs = defaultHealthCheckIntervalMs
	}
	if c.StartupTimeoutMs == 0 {
		c.StartupTimeoutMs = defaultStartupTimeoutMs
	}
	if c.ShutdownGracePeriodMs == 0 {
		c.ShutdownGracePeriodMs = defaultShutdownGraceMs
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = defaultUnhealthyThreshold
	}
	return c
}

// StartupTimeout converts the configured startup budget to a duration.
func (c ProcessConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutMs) * time.Millisecond
}

// ShutdownGrace converts the configured grace period to a duration.
func (c ProcessConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGracePeriodMs) * time.Millisecond
}

// HealthCheckInterval converts the configured poll cadence to a
// duration.
func (c ProcessConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}
