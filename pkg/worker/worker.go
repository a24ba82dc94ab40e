package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"orbishost/internal/plugin/ipc"
	"orbishost/internal/plugin/sandbox"
	appErr "orbishost/pkg/errors"
)

// Handler runs one hook invocation. The returned value is CBOR-encoded
// into the hook response; a nil value means an empty result.
type Handler func(ctx context.Context, call Call) (any, error)

// Call carries everything a handler may touch: the decoded request,
// the host context client for shared state, and a logger whose output
// reaches the host.
type Call struct {
	Hook    string
	Context ipc.HookContext
	Host    *ContextClient
	Logger  *zap.Logger
}

// HookOption tunes one registration.
type HookOption func(*ipc.HookRegistration)

// WithPriority orders the hook relative to others; lower runs first.
func WithPriority(p uint8) HookOption {
	return func(r *ipc.HookRegistration) { r.Priority = p }
}

// WithTimeout overrides the host's default budget for this hook.
func WithTimeout(d time.Duration) HookOption {
	return func(r *ipc.HookRegistration) {
		ms := uint64(d.Milliseconds())
		r.TimeoutMs = &ms
	}
}

type registration struct {
	handler Handler
	reg     ipc.HookRegistration
}

// Registry collects the worker's handlers before Serve announces them
// to the host. Not safe for concurrent mutation; register everything
// up front.
type Registry struct {
	hooks map[string]registration
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]registration)}
}

// Register adds one handler. Registering the same name twice replaces
// the earlier handler.
func (r *Registry) Register(name string, h Handler, opts ...HookOption) {
	reg := ipc.HookRegistration{Name: name}
	for _, opt := range opts {
		opt(&reg)
	}
	r.hooks[name] = registration{handler: h, reg: reg}
}

// registrations returns the announcement list, priority-ordered.
func (r *Registry) registrations() []ipc.HookRegistration {
	regs := make([]ipc.HookRegistration, 0, len(r.hooks))
	for _, entry := range r.hooks {
		regs = append(regs, entry.reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority < regs[j].Priority
		}
		return regs[i].Name < regs[j].Name
	})
	return regs
}

// Worker is one running plugin worker: a sandboxed process serving the
// host protocol over the plugin socket.
type Worker struct {
	cfg     Config
	reg     *Registry
	channel *ipc.Channel
	log     *zap.Logger
	host    *ContextClient

	mu      sync.Mutex
	pending map[uint64]chan ipc.Message
	seed    map[string][]byte

	hookCalls atomic.Uint64
	done      chan struct{}
}

// Serve runs the worker until the host shuts it down or the channel
// breaks. The sandbox plan, when configured, is applied before the
// socket is dialed and before any handler can run; a plan that cannot
// be applied aborts the worker.
func Serve(ctx context.Context, cfg Config, reg *Registry) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if reg == nil || len(reg.hooks) == 0 {
		return appErr.New(appErr.InvalidParams).WithMessage("worker registers no hooks")
	}

	if cfg.PlanPath != "" {
		plan, err := sandbox.ReadPlan(cfg.PlanPath)
		if err != nil {
			return err
		}
		if err := sandbox.SetupWorker(ctx, plan); err != nil {
			return err
		}
	}

	channel, err := ipc.Connect(ctx, cfg.Endpoint, cfg.IPC)
	if err != nil {
		return err
	}
	defer channel.Close()

	w := &Worker{
		cfg:     cfg,
		reg:     reg,
		channel: channel,
		log:     newWorkerLogger(cfg.Name, channel),
		pending: make(map[uint64]chan ipc.Message),
		done:    make(chan struct{}),
	}
	w.host = &ContextClient{w: w}
	defer close(w.done)

	if interval := cfg.usageInterval(); interval > 0 {
		go w.usageLoop(interval)
	}
	return w.run(ctx)
}

func (w *Worker) run(ctx context.Context) error {
	for {
		msg, err := w.channel.Recv(ctx)
		if err != nil {
			if appErr.Is(err, appErr.IpcTimeout) {
				continue
			}
			return err
		}

		switch m := msg.(type) {
		case *ipc.Initialize:
			w.handleInitialize(ctx, m)
		case *ipc.RegisterHooksRequest:
			w.send(ctx, &ipc.RegisterHooks{Hooks: w.reg.registrations()})
		case *ipc.ExecuteHook:
			go w.runHook(m)
		case *ipc.Ping:
			w.send(ctx, &ipc.Pong{})
		case *ipc.MetricsRequest:
			w.send(ctx, w.metrics(m.RequestID))
		case *ipc.Shutdown:
			w.send(ctx, &ipc.ShutdownAck{})
			w.log.Info("worker shutting down",
				zap.Uint64("grace_period_ms", m.GracePeriodMs))
			return nil
		case *ipc.TerminationWarning:
			w.log.Warn("host announced termination",
				zap.String("reason", m.Reason),
				zap.Uint64("grace_period_ms", m.GracePeriodMs))
		case *ipc.ContextGetResponse:
			w.route(m.RequestID, m)
		case *ipc.ContextSetResponse:
			w.route(m.RequestID, m)
		case *ipc.ContextHasResponse:
			w.route(m.RequestID, m)
		default:
			w.log.Debug("ignoring unexpected host message",
				zap.Stringer("kind", msg.Kind()))
		}
	}
}

func (w *Worker) handleInitialize(ctx context.Context, m *ipc.Initialize) {
	seed, err := ipc.DecodeContextData(m.ContextData)
	if err != nil {
		w.send(ctx, &ipc.InitializeResponse{Error: err.Error()})
		return
	}
	w.mu.Lock()
	w.seed = seed
	w.mu.Unlock()
	w.send(ctx, &ipc.InitializeResponse{Success: true})
}

// runHook executes one handler off the read loop so a slow hook never
// blocks pings or context traffic. The host serializes hooks per
// worker, so at most one runHook is in flight.
func (w *Worker) runHook(req *ipc.ExecuteHook) {
	w.hookCalls.Add(1)
	resp := &ipc.HookResponse{}

	entry, ok := w.reg.hooks[req.HookName]
	if !ok {
		resp.Error = fmt.Sprintf("hook %s is not registered", req.HookName)
		w.send(context.Background(), resp)
		return
	}

	hctx, err := ipc.DecodeHookContext(req.Data)
	if err != nil {
		resp.Error = err.Error()
		w.send(context.Background(), resp)
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if req.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	call := Call{Hook: req.HookName, Context: hctx, Host: w.host, Logger: w.log}

	type outcome struct {
		result any
		err    error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomes <- outcome{err: fmt.Errorf("hook %s panicked: %v", req.HookName, r)}
			}
		}()
		result, err := entry.handler(ctx, call)
		outcomes <- outcome{result: result, err: err}
	}()

	select {
	case o := <-outcomes:
		if o.err != nil {
			resp.Error = o.err.Error()
		} else if o.result != nil {
			encoded, encErr := cbor.Marshal(o.result)
			if encErr != nil {
				resp.Error = fmt.Sprintf("encode hook result: %v", encErr)
			} else {
				resp.Result = encoded
			}
		}
	case <-ctx.Done():
		// The handler goroutine is abandoned; it cannot write a second
		// response because outcomes is buffered and drained exactly
		// once here.
		resp.Error = fmt.Sprintf("hook %s exceeded its %dms budget", req.HookName, req.TimeoutMs)
	}
	w.send(context.Background(), resp)
}

func (w *Worker) metrics(requestID uint64) *ipc.MetricsResponse {
	heap, cpuMs := sampleUsage()
	return &ipc.MetricsResponse{
		RequestID: requestID,
		HeapBytes: heap,
		CPUTimeMs: cpuMs,
		HookCalls: w.hookCalls.Load(),
	}
}

// usageLoop pushes periodic ResourceUsage self-reports until the
// worker exits.
func (w *Worker) usageLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			heap, cpuMs := sampleUsage()
			w.send(context.Background(), &ipc.ResourceUsage{HeapBytes: heap, CPUTimeMs: cpuMs})
		}
	}
}

// Seed returns the context snapshot the host delivered at startup.
func (w *Worker) Seed(key string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	val, ok := w.seed[key]
	return val, ok
}

func (w *Worker) send(ctx context.Context, msg ipc.Message) {
	if err := w.channel.Send(ctx, msg); err != nil {
		w.log.Warn("send to host failed",
			zap.Stringer("kind", msg.Kind()), zap.Error(err))
	}
}

// expect registers a waiter for the response carrying requestID.
func (w *Worker) expect(requestID uint64) <-chan ipc.Message {
	ch := make(chan ipc.Message, 1)
	w.mu.Lock()
	w.pending[requestID] = ch
	w.mu.Unlock()
	return ch
}

func (w *Worker) forget(requestID uint64) {
	w.mu.Lock()
	delete(w.pending, requestID)
	w.mu.Unlock()
}

func (w *Worker) route(requestID uint64, msg ipc.Message) {
	w.mu.Lock()
	ch, ok := w.pending[requestID]
	if ok {
		delete(w.pending, requestID)
	}
	w.mu.Unlock()
	if ok {
		ch <- msg
	} else {
		w.log.Debug("dropping response with no waiter",
			zap.Uint64("request_id", requestID), zap.Stringer("kind", msg.Kind()))
	}
}
