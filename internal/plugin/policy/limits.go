package policy

import (
	"time"

	appErr "orbishost/pkg/errors"
)

const (
	// DefaultMaxHeapBytes caps worker memory at 512 MiB unless overridden.
	DefaultMaxHeapBytes uint64 = 512 * 1024 * 1024

	// MaxHeapBytesCeiling is the hard upper bound a plugin may request.
	MaxHeapBytesCeiling uint64 = 4 * 1024 * 1024 * 1024
)

// ResourceLimits bounds what a plugin worker may consume. Values are
// read-only after construction; the monitor compares live samples
// against them.
type ResourceLimits struct {
	// MaxHeapBytes is the resident memory ceiling.
	MaxHeapBytes uint64 `yaml:"maxHeapBytes" json:"max_heap_bytes"`

	// MaxCPUTimeMs is the cumulative CPU budget in milliseconds.
	MaxCPUTimeMs uint64 `yaml:"maxCpuTimeMs" json:"max_cpu_time_ms"`

	// MaxExecutionTimeMs bounds a single hook invocation wall clock.
	MaxExecutionTimeMs uint64 `yaml:"maxExecutionTimeMs" json:"max_execution_time_ms"`

	// MaxFileDescriptors caps open descriptors.
	MaxFileDescriptors uint32 `yaml:"maxFileDescriptors" json:"max_file_descriptors"`

	// MaxThreads caps OS threads (enforced via pids controller and rlimit).
	MaxThreads uint32 `yaml:"maxThreads" json:"max_threads"`

	// MaxConnections caps concurrent network connections.
	MaxConnections uint32 `yaml:"maxConnections" json:"max_connections"`

	// MaxFunctionCalls caps hook invocations per worker lifetime.
	// Zero means unlimited.
	MaxFunctionCalls uint64 `yaml:"maxFunctionCalls" json:"max_function_calls"`

	// MaxDBQueryMs bounds a single database query issued through the host.
	MaxDBQueryMs uint64 `yaml:"maxDbQueryMs" json:"max_db_query_ms"`

	// MaxExternalAPIMs bounds a single outbound API call.
	MaxExternalAPIMs uint64 `yaml:"maxExternalApiMs" json:"max_external_api_ms"`
}

// DefaultLimits returns the limits applied when a manifest declares none.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxHeapBytes:       DefaultMaxHeapBytes,
		MaxCPUTimeMs:       5000,
		MaxExecutionTimeMs: 30000,
		MaxFileDescriptors: 100,
		MaxThreads:         10,
		MaxConnections:     50,
		MaxFunctionCalls:   0,
		MaxDBQueryMs:       10000,
		MaxExternalAPIMs:   30000,
	}
}

// Validate rejects limits that are zero where a bound is mandatory or
// that exceed the host ceiling.
func (l ResourceLimits) Validate() error {
	if l.MaxHeapBytes == 0 {
		return appErr.ValidationError("max_heap_bytes", "cannot be 0")
	}
	if l.MaxHeapBytes > MaxHeapBytesCeiling {
		return appErr.ValidationError("max_heap_bytes", "exceeds 4GiB ceiling")
	}
	if l.MaxCPUTimeMs == 0 {
		return appErr.ValidationError("max_cpu_time_ms", "cannot be 0")
	}
	if l.MaxExecutionTimeMs == 0 {
		return appErr.ValidationError("max_execution_time_ms", "cannot be 0")
	}
	if l.MaxThreads == 0 {
		return appErr.ValidationError("max_threads", "cannot be 0")
	}
	if l.MaxFileDescriptors == 0 {
		return appErr.ValidationError("max_file_descriptors", "cannot be 0")
	}
	return nil
}

// ExecutionTimeout returns the single-invocation budget as a duration.
func (l ResourceLimits) ExecutionTimeout() time.Duration {
	return time.Duration(l.MaxExecutionTimeMs) * time.Millisecond
}
