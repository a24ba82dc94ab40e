// Package worker is the SDK a plugin worker binary is built on. It
// applies the sandbox plan the host wrote, connects back over the
// plugin socket, answers the lifecycle protocol, and dispatches hook
// executions to registered handlers.
package worker

import (
	"flag"
	"os"
	"time"

	"orbishost/internal/plugin/ipc"
	appErr "orbishost/pkg/errors"
)

// defaultUsageInterval paces the worker's ResourceUsage self-reports.
const defaultUsageInterval = 10 * time.Second

// Config tells a worker who it is and where its host listens. The
// host passes everything on the command line; the environment carries
// a fallback for binaries that cannot touch their argv.
type Config struct {
	// Name is the plugin name the worker runs as.
	Name string

	// Endpoint is the host socket to dial.
	Endpoint string

	// PlanPath points at the CBOR sandbox plan written by the host.
	// Empty means the worker runs without in-process isolation; the
	// host-side primitives still apply.
	PlanPath string

	// Payload is the staged plugin entry the host resolved, passed to
	// wasm-style workers that load their code at runtime.
	Payload string

	// UsageInterval paces ResourceUsage self-reports. Zero picks the
	// default; negative disables them.
	UsageInterval time.Duration

	IPC ipc.Config
}

// ParseFlags builds a Config from the worker flags the host appends at
// spawn (--name, --endpoint, --config, --plugin). Unknown arguments
// are left for the plugin's own flag handling.
func ParseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("plugin-worker", flag.ContinueOnError)
	name := fs.String("name", os.Getenv("PLUGIN_NAME"), "plugin name")
	endpoint := fs.String("endpoint", os.Getenv("PLUGIN_ENDPOINT"), "host socket path")
	plan := fs.String("config", "", "sandbox plan path")
	payload := fs.String("plugin", "", "staged plugin entry")
	if err := fs.Parse(args); err != nil {
		return Config{}, appErr.Wrap(err, appErr.InvalidParams).WithMessage("parse worker flags")
	}

	cfg := Config{
		Name:     *name,
		Endpoint: *endpoint,
		PlanPath: *plan,
		Payload:  *payload,
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Name == "" {
		return appErr.ValidationError("name", "required")
	}
	if c.Endpoint == "" {
		return appErr.ValidationError("endpoint", "required")
	}
	return nil
}

func (c Config) usageInterval() time.Duration {
	if c.UsageInterval == 0 {
		return defaultUsageInterval
	}
	return c.UsageInterval
}
