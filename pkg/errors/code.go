package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 14000-14099: Plugin lifecycle errors
// 14100-14199: Sandbox & Isolation errors
// 14200-14299: IPC & Transport errors
// 14300-14399: Resource & Violation errors
// 14400-14499: Artifact & Trust errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Plugin Lifecycle Errors (14000-14099) ==========

	PluginNotFound         ErrorCode = 14000
	PluginAlreadyLoaded    ErrorCode = 14001
	PluginLoadFailed       ErrorCode = 14002
	PluginStartFailed      ErrorCode = 14003
	PluginNotRunning       ErrorCode = 14004
	PluginDisabled         ErrorCode = 14005
	PluginStopFailed       ErrorCode = 14006
	RestartBudgetExhausted ErrorCode = 14007
	VersionIncompatible    ErrorCode = 14008
	HookNotFound           ErrorCode = 14020
	HookFailed             ErrorCode = 14021
	HookTimeout            ErrorCode = 14022

	// ========== Sandbox & Isolation Errors (14100-14199) ==========

	SandboxSetupFailed  ErrorCode = 14100
	NamespaceFailed     ErrorCode = 14101
	SeccompFailed       ErrorCode = 14102
	CgroupFailed        ErrorCode = 14103
	CapabilityFailed    ErrorCode = 14104
	FilesystemFailed    ErrorCode = 14105
	NetworkSetupFailed  ErrorCode = 14106
	UnsupportedPlatform ErrorCode = 14107
	SandboxConfigError  ErrorCode = 14108

	// ========== IPC & Transport Errors (14200-14299) ==========

	IpcError         ErrorCode = 14200
	IpcTimeout       ErrorCode = 14201
	ConnectionClosed ErrorCode = 14202
	ProtocolError    ErrorCode = 14203
	EncodeFailed     ErrorCode = 14204
	DecodeFailed     ErrorCode = 14205
	SocketBindFailed ErrorCode = 14206

	// ========== Resource & Violation Errors (14300-14399) ==========

	ResourceViolation       ErrorCode = 14300
	MemoryLimitExceeded     ErrorCode = 14301
	CpuLimitExceeded        ErrorCode = 14302
	ThreadLimitExceeded     ErrorCode = 14303
	FdLimitExceeded         ErrorCode = 14304
	ConnectionLimitExceeded ErrorCode = 14305
	MonitorFailed           ErrorCode = 14306

	// ========== Artifact & Trust Errors (14400-14499) ==========

	ArtifactNotFound    ErrorCode = 14400
	ArtifactFetchFailed ErrorCode = 14401
	DigestMismatch      ErrorCode = 14402
	InvalidSignature    ErrorCode = 14403
	UntrustedPlugin     ErrorCode = 14404
	ManifestInvalid     ErrorCode = 14405
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Plugin lifecycle
	PluginNotFound:         "Plugin not found",
	PluginAlreadyLoaded:    "Plugin is already loaded",
	PluginLoadFailed:       "Failed to load plugin",
	PluginStartFailed:      "Failed to start plugin worker",
	PluginNotRunning:       "Plugin is not running",
	PluginDisabled:         "Plugin has been disabled",
	PluginStopFailed:       "Failed to stop plugin worker",
	RestartBudgetExhausted: "Plugin restart budget exhausted",
	VersionIncompatible:    "Plugin requires an incompatible host version",
	HookNotFound:           "Hook not registered by plugin",
	HookFailed:             "Hook execution failed",
	HookTimeout:            "Hook execution timed out",

	// Sandbox & isolation
	SandboxSetupFailed:  "Sandbox setup failed",
	NamespaceFailed:     "Namespace isolation failed",
	SeccompFailed:       "Seccomp filter installation failed",
	CgroupFailed:        "Cgroup operation failed",
	CapabilityFailed:    "Capability drop failed",
	FilesystemFailed:    "Filesystem isolation failed",
	NetworkSetupFailed:  "Network isolation setup failed",
	UnsupportedPlatform: "Isolation is not supported on this platform",
	SandboxConfigError:  "Invalid sandbox configuration",

	// IPC & transport
	IpcError:         "IPC operation failed",
	IpcTimeout:       "IPC operation timed out",
	ConnectionClosed: "IPC connection closed",
	ProtocolError:    "IPC protocol error",
	EncodeFailed:     "Failed to encode message",
	DecodeFailed:     "Failed to decode message",
	SocketBindFailed: "Failed to bind plugin socket",

	// Resources & violations
	ResourceViolation:       "Resource limit violation",
	MemoryLimitExceeded:     "Memory limit exceeded",
	CpuLimitExceeded:        "CPU time limit exceeded",
	ThreadLimitExceeded:     "Thread limit exceeded",
	FdLimitExceeded:         "File descriptor limit exceeded",
	ConnectionLimitExceeded: "Connection limit exceeded",
	MonitorFailed:           "Resource monitoring failed",

	// Artifacts & trust
	ArtifactNotFound:    "Plugin artifact not found",
	ArtifactFetchFailed: "Failed to fetch plugin artifact",
	DigestMismatch:      "Plugin artifact digest mismatch",
	InvalidSignature:    "Plugin signature verification failed",
	UntrustedPlugin:     "Plugin is not trusted",
	ManifestInvalid:     "Invalid plugin manifest",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden, c == UntrustedPlugin, c == InvalidSignature:
		return 403
	case c == NotFound, c == PluginNotFound, c == HookNotFound, c == ArtifactNotFound:
		return 404
	case c == PluginAlreadyLoaded:
		return 409
	case c == Timeout, c == IpcTimeout, c == HookTimeout:
		return 504
	case c == ServiceUnavailable, c == PluginDisabled, c == PluginNotRunning:
		return 503
	case c >= 10300 && c < 10400, c == InvalidParams, c == ManifestInvalid, c == SandboxConfigError:
		return 400
	default:
		return 500
	}
}
