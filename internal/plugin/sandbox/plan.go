package sandbox

import (
	"os"

	"github.com/fxamacker/cbor/v2"

	appErr "orbishost/pkg/errors"
)

// The host hands each worker its isolation plan as a CBOR file next to
// the plugin socket. The worker reads the plan before the bootstrap
// cuts filesystem visibility, applies it, and never looks at it again.

// WritePlan serializes a Config for the worker, readable only by the
// host's user.
func WritePlan(path string, cfg Config) error {
	data, err := cbor.Marshal(cfg)
	if err != nil {
		return appErr.Wrap(err, appErr.SandboxConfigError).WithMessage("encode sandbox plan")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return appErr.Wrapf(err, appErr.SandboxConfigError, "write sandbox plan %s", path)
	}
	return nil
}

// ReadPlan loads the plan the host wrote for this worker.
func ReadPlan(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, appErr.Wrapf(err, appErr.SandboxConfigError, "read sandbox plan %s", path)
	}
	var cfg Config
	if err := cbor.Unmarshal(data, &cfg); err != nil {
		return Config{}, appErr.Wrap(err, appErr.SandboxConfigError).WithMessage("decode sandbox plan")
	}
	return cfg, nil
}
