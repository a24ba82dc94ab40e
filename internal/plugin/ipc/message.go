package ipc

import (
	"fmt"
	"sync/atomic"
)

// Kind tags a wire message variant.
type Kind uint8

// Host → worker.
const (
	KindInitialize Kind = iota + 1
	KindExecuteHook
	KindRegisterHooksRequest
	KindShutdown
	KindPing
	KindContextGetResponse
	KindContextSetResponse
	KindContextHasResponse
	KindMetricsRequest
	KindTerminationWarning
)

// Worker → host.
const (
	KindInitializeResponse Kind = iota + 32
	KindHookResponse
	KindRegisterHooks
	KindShutdownAck
	KindPong
	KindLogMessage
	KindResourceUsage
	KindContextGet
	KindContextSet
	KindContextHas
	KindMetricsResponse
	KindTerminationEvent
)

func (k Kind) String() string {
	switch k {
	case KindInitialize:
		return "initialize"
	case KindExecuteHook:
		return "execute_hook"
	case KindRegisterHooksRequest:
		return "register_hooks_request"
	case KindShutdown:
		return "shutdown"
	case KindPing:
		return "ping"
	case KindContextGetResponse:
		return "context_get_response"
	case KindContextSetResponse:
		return "context_set_response"
	case KindContextHasResponse:
		return "context_has_response"
	case KindMetricsRequest:
		return "metrics_request"
	case KindTerminationWarning:
		return "termination_warning"
	case KindInitializeResponse:
		return "initialize_response"
	case KindHookResponse:
		return "hook_response"
	case KindRegisterHooks:
		return "register_hooks"
	case KindShutdownAck:
		return "shutdown_ack"
	case KindPong:
		return "pong"
	case KindLogMessage:
		return "log_message"
	case KindResourceUsage:
		return "resource_usage"
	case KindContextGet:
		return "context_get"
	case KindContextSet:
		return "context_set"
	case KindContextHas:
		return "context_has"
	case KindMetricsResponse:
		return "metrics_response"
	case KindTerminationEvent:
		return "termination_event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one wire message. Variants are plain structs; a received
// message is type-switched on its pointer type. Messages are
// self-contained and treated as immutable once encoded.
type Message interface {
	Kind() Kind
}

// Initialize hands the worker its serialized startup context.
type Initialize struct {
	ContextData []byte `cbor:"context_data"`
}

// ExecuteHook asks the worker to run one handler.
type ExecuteHook struct {
	HookName  string `cbor:"hook_name"`
	Data      []byte `cbor:"data"`
	TimeoutMs uint64 `cbor:"timeout_ms"`
}

// RegisterHooksRequest asks the worker to announce its handlers.
type RegisterHooksRequest struct{}

// Shutdown asks the worker to exit within the grace period.
type Shutdown struct {
	GracePeriodMs uint64 `cbor:"grace_period_ms"`
}

// Ping is the health probe.
type Ping struct{}

// ContextGetResponse answers a ContextGet.
type ContextGetResponse struct {
	RequestID uint64 `cbor:"request_id"`
	Data      []byte `cbor:"data,omitempty"`
	Found     bool   `cbor:"found"`
	Error     string `cbor:"error,omitempty"`
}

// ContextSetResponse answers a ContextSet.
type ContextSetResponse struct {
	RequestID uint64 `cbor:"request_id"`
	Error     string `cbor:"error,omitempty"`
}

// ContextHasResponse answers a ContextHas.
type ContextHasResponse struct {
	RequestID uint64 `cbor:"request_id"`
	Exists    bool   `cbor:"exists"`
}

// MetricsRequest asks the worker for its self-reported metrics.
type MetricsRequest struct {
	RequestID uint64 `cbor:"request_id"`
}

// TerminationWarning tells the worker it is about to be stopped.
type TerminationWarning struct {
	Reason        string `cbor:"reason"`
	GracePeriodMs uint64 `cbor:"grace_period_ms"`
}

// InitializeResponse reports whether worker startup succeeded.
type InitializeResponse struct {
	Success bool   `cbor:"success"`
	Error   string `cbor:"error,omitempty"`
}

// HookResponse carries a handler's result or error.
type HookResponse struct {
	Result []byte `cbor:"result,omitempty"`
	Error  string `cbor:"error,omitempty"`
}

// HookRegistration announces one handler. Lower priority runs first.
// A nil TimeoutMs means the host default applies.
type HookRegistration struct {
	Name      string  `cbor:"name"`
	Priority  uint8   `cbor:"priority"`
	TimeoutMs *uint64 `cbor:"timeout_ms,omitempty"`
}

// RegisterHooks announces the worker's handlers.
type RegisterHooks struct {
	Hooks []HookRegistration `cbor:"hooks"`
}

// ShutdownAck confirms a Shutdown was honored.
type ShutdownAck struct{}

// Pong answers a Ping.
type Pong struct{}

// LogMessage forwards one worker log line to the host logger.
type LogMessage struct {
	Level      LogLevel `cbor:"level"`
	Message    string   `cbor:"message"`
	PluginName string   `cbor:"plugin_name"`
}

// ResourceUsage is the worker's periodic self-report.
type ResourceUsage struct {
	HeapBytes uint64 `cbor:"heap_bytes"`
	CPUTimeMs uint64 `cbor:"cpu_time_ms"`
}

// ContextGet asks the host for a context value.
type ContextGet struct {
	RequestID uint64 `cbor:"request_id"`
	Key       string `cbor:"key"`
}

// ContextSet asks the host to store a context value.
type ContextSet struct {
	RequestID uint64 `cbor:"request_id"`
	Key       string `cbor:"key"`
	Data      []byte `cbor:"data"`
}

// ContextHas asks the host whether a context key exists.
type ContextHas struct {
	RequestID uint64 `cbor:"request_id"`
	Key       string `cbor:"key"`
}

// MetricsResponse answers a MetricsRequest.
type MetricsResponse struct {
	RequestID uint64 `cbor:"request_id"`
	HeapBytes uint64 `cbor:"heap_bytes"`
	CPUTimeMs uint64 `cbor:"cpu_time_ms"`
	HookCalls uint64 `cbor:"hook_calls"`
	Error     string `cbor:"error,omitempty"`
}

// TerminationEvent reports the worker's own account of why it is
// going away.
type TerminationEvent struct {
	EventData []byte `cbor:"event_data"`
}

func (Initialize) Kind() Kind           { return KindInitialize }
func (ExecuteHook) Kind() Kind          { return KindExecuteHook }
func (RegisterHooksRequest) Kind() Kind { return KindRegisterHooksRequest }
func (Shutdown) Kind() Kind             { return KindShutdown }
func (Ping) Kind() Kind                 { return KindPing }
func (ContextGetResponse) Kind() Kind   { return KindContextGetResponse }
func (ContextSetResponse) Kind() Kind   { return KindContextSetResponse }
func (ContextHasResponse) Kind() Kind   { return KindContextHasResponse }
func (MetricsRequest) Kind() Kind       { return KindMetricsRequest }
func (TerminationWarning) Kind() Kind   { return KindTerminationWarning }
func (InitializeResponse) Kind() Kind   { return KindInitializeResponse }
func (HookResponse) Kind() Kind         { return KindHookResponse }
func (RegisterHooks) Kind() Kind        { return KindRegisterHooks }
func (ShutdownAck) Kind() Kind          { return KindShutdownAck }
func (Pong) Kind() Kind                 { return KindPong }
func (LogMessage) Kind() Kind           { return KindLogMessage }
func (ResourceUsage) Kind() Kind        { return KindResourceUsage }
func (ContextGet) Kind() Kind           { return KindContextGet }
func (ContextSet) Kind() Kind           { return KindContextSet }
func (ContextHas) Kind() Kind           { return KindContextHas }
func (MetricsResponse) Kind() Kind      { return KindMetricsResponse }
func (TerminationEvent) Kind() Kind     { return KindTerminationEvent }

// newMessage returns a zero value of the variant for kind, or nil for
// an unknown kind.
func newMessage(k Kind) Message {
	switch k {
	case KindInitialize:
		return &Initialize{}
	case KindExecuteHook:
		return &ExecuteHook{}
	case KindRegisterHooksRequest:
		return &RegisterHooksRequest{}
	case KindShutdown:
		return &Shutdown{}
	case KindPing:
		return &Ping{}
	case KindContextGetResponse:
		return &ContextGetResponse{}
	case KindContextSetResponse:
		return &ContextSetResponse{}
	case KindContextHasResponse:
		return &ContextHasResponse{}
	case KindMetricsRequest:
		return &MetricsRequest{}
	case KindTerminationWarning:
		return &TerminationWarning{}
	case KindInitializeResponse:
		return &InitializeResponse{}
	case KindHookResponse:
		return &HookResponse{}
	case KindRegisterHooks:
		return &RegisterHooks{}
	case KindShutdownAck:
		return &ShutdownAck{}
	case KindPong:
		return &Pong{}
	case KindLogMessage:
		return &LogMessage{}
	case KindResourceUsage:
		return &ResourceUsage{}
	case KindContextGet:
		return &ContextGet{}
	case KindContextSet:
		return &ContextSet{}
	case KindContextHas:
		return &ContextHas{}
	case KindMetricsResponse:
		return &MetricsResponse{}
	case KindTerminationEvent:
		return &TerminationEvent{}
	default:
		return nil
	}
}

// LogLevel orders worker log lines for host-side filtering.
type LogLevel uint8

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogWarn:
		return "WARN"
	case LogError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", uint8(l))
	}
}

var requestCounter atomic.Uint64

// NextRequestID hands out process-unique correlation ids for
// request/response pairs that may be in flight concurrently.
func NextRequestID() uint64 {
	return requestCounter.Add(1)
}
