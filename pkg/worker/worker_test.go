//go:build !windows

package worker_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"orbishost/internal/plugin/ipc"
	"orbishost/pkg/worker"
)

// hostFixture plays the host side of the protocol against a Serve
// goroutine.
type hostFixture struct {
	t       *testing.T
	channel *ipc.Channel
	served  chan error
}

func startWorker(t *testing.T, reg *worker.Registry) *hostFixture {
	t.Helper()
	ipcCfg := ipc.DefaultConfig()
	ipcCfg.SocketDir = t.TempDir()

	srv, err := ipc.NewServer("wtest", ipcCfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	served := make(chan error, 1)
	go func() {
		served <- worker.Serve(context.Background(), worker.Config{
			Name:          "wtest",
			Endpoint:      srv.Endpoint(),
			UsageInterval: -1,
			IPC:           ipcCfg,
		}, reg)
	}()

	acceptCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel, err := srv.Accept(acceptCtx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	t.Cleanup(func() { _ = channel.Close() })
	return &hostFixture{t: t, channel: channel, served: served}
}

func (h *hostFixture) send(msg ipc.Message) {
	h.t.Helper()
	if err := h.channel.Send(context.Background(), msg); err != nil {
		h.t.Fatalf("host Send(%s) error = %v", msg.Kind(), err)
	}
}

// recv returns the next non-log, non-usage message from the worker.
func (h *hostFixture) recv() ipc.Message {
	h.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := h.channel.Recv(context.Background())
		if err != nil {
			h.t.Fatalf("host Recv() error = %v", err)
		}
		switch msg.(type) {
		case *ipc.LogMessage, *ipc.ResourceUsage:
			continue
		}
		return msg
	}
	h.t.Fatal("no worker message within deadline")
	return nil
}

// handshake runs Initialize + RegisterHooksRequest and returns the
// announced hooks.
func (h *hostFixture) handshake(seed map[string][]byte) []ipc.HookRegistration {
	h.t.Helper()
	contextData, err := ipc.EncodeContextData(seed)
	if err != nil {
		h.t.Fatalf("EncodeContextData() error = %v", err)
	}
	h.send(&ipc.Initialize{ContextData: contextData})
	resp, ok := h.recv().(*ipc.InitializeResponse)
	if !ok || !resp.Success {
		h.t.Fatalf("InitializeResponse = %+v, want success", resp)
	}
	h.send(&ipc.RegisterHooksRequest{})
	hooks, ok := h.recv().(*ipc.RegisterHooks)
	if !ok {
		h.t.Fatal("expected RegisterHooks after request")
	}
	return hooks.Hooks
}

func (h *hostFixture) executeHook(name string, hctx ipc.HookContext, timeoutMs uint64) *ipc.HookResponse {
	h.t.Helper()
	data, err := ipc.EncodeHookContext(hctx)
	if err != nil {
		h.t.Fatalf("EncodeHookContext() error = %v", err)
	}
	h.send(&ipc.ExecuteHook{HookName: name, Data: data, TimeoutMs: timeoutMs})
	resp, ok := h.recv().(*ipc.HookResponse)
	if !ok {
		h.t.Fatal("expected HookResponse")
	}
	return resp
}

func (h *hostFixture) shutdown() {
	h.t.Helper()
	h.send(&ipc.Shutdown{GracePeriodMs: 1000})
	if _, ok := h.recv().(*ipc.ShutdownAck); !ok {
		h.t.Error("expected ShutdownAck")
	}
	select {
	case err := <-h.served:
		if err != nil {
			h.t.Errorf("Serve() returned error = %v", err)
		}
	case <-time.After(5 * time.Second):
		h.t.Error("Serve() did not return after shutdown")
	}
}

func TestServe_HandshakeAndHookOrder(t *testing.T) {
	reg := worker.NewRegistry()
	noop := func(ctx context.Context, call worker.Call) (any, error) { return nil, nil }
	reg.Register("post_process", noop, worker.WithPriority(20))
	reg.Register("pre_process", noop, worker.WithPriority(10))
	reg.Register("audit", noop, worker.WithPriority(20))

	h := startWorker(t, reg)
	hooks := h.handshake(nil)

	got := make([]string, len(hooks))
	for i, reg := range hooks {
		got[i] = reg.Name
	}
	want := []string{"pre_process", "audit", "post_process"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hook order = %v, want %v", got, want)
		}
	}
	h.shutdown()
}

func TestServe_HookExecution(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register("double", func(ctx context.Context, call worker.Call) (any, error) {
		var body struct {
			Value int `cbor:"value"`
		}
		if err := cbor.Unmarshal(call.Context.Body, &body); err != nil {
			return nil, err
		}
		return map[string]int{"value": body.Value * 2}, nil
	})
	reg.Register("explode", func(ctx context.Context, call worker.Call) (any, error) {
		return nil, errors.New("boom")
	})
	reg.Register("panicky", func(ctx context.Context, call worker.Call) (any, error) {
		panic("unexpected state")
	})

	h := startWorker(t, reg)
	h.handshake(nil)

	body, _ := cbor.Marshal(map[string]int{"value": 21})
	resp := h.executeHook("double", ipc.HookContext{RequestID: "r1", Body: body}, 0)
	if resp.Error != "" {
		t.Fatalf("hook error = %q, want none", resp.Error)
	}
	var out struct {
		Value int `cbor:"value"`
	}
	if err := cbor.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.Value != 42 {
		t.Errorf("result = %d, want 42", out.Value)
	}

	resp = h.executeHook("explode", ipc.HookContext{}, 0)
	if !strings.Contains(resp.Error, "boom") {
		t.Errorf("error hook response = %q, want boom", resp.Error)
	}

	// Panics surface as hook errors, not a dead worker.
	resp = h.executeHook("panicky", ipc.HookContext{}, 0)
	if !strings.Contains(resp.Error, "panicked") {
		t.Errorf("panic hook response = %q, want panic report", resp.Error)
	}

	resp = h.executeHook("missing", ipc.HookContext{}, 0)
	if !strings.Contains(resp.Error, "not registered") {
		t.Errorf("unknown hook response = %q, want not registered", resp.Error)
	}
	h.shutdown()
}

func TestServe_HookTimeout(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register("sleepy", func(ctx context.Context, call worker.Call) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	h := startWorker(t, reg)
	h.handshake(nil)

	start := time.Now()
	resp := h.executeHook("sleepy", ipc.HookContext{}, 100)
	if !strings.Contains(resp.Error, "budget") && !strings.Contains(resp.Error, "deadline") {
		t.Errorf("timeout response = %q, want budget exceeded", resp.Error)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %s, should honor the 100ms budget", elapsed)
	}
	h.shutdown()
}

func TestServe_PingAndMetrics(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register("noop", func(ctx context.Context, call worker.Call) (any, error) { return nil, nil })

	h := startWorker(t, reg)
	h.handshake(nil)

	h.send(&ipc.Ping{})
	if _, ok := h.recv().(*ipc.Pong); !ok {
		t.Error("expected Pong for Ping")
	}

	h.executeHook("noop", ipc.HookContext{}, 0)

	h.send(&ipc.MetricsRequest{RequestID: 99})
	metrics, ok := h.recv().(*ipc.MetricsResponse)
	if !ok {
		t.Fatal("expected MetricsResponse")
	}
	if metrics.RequestID != 99 {
		t.Errorf("RequestID = %d, want 99", metrics.RequestID)
	}
	if metrics.HookCalls != 1 {
		t.Errorf("HookCalls = %d, want 1", metrics.HookCalls)
	}
	if metrics.HeapBytes == 0 {
		t.Error("HeapBytes should be nonzero")
	}
	h.shutdown()
}

func TestServe_HostContextAccess(t *testing.T) {
	reg := worker.NewRegistry()
	reg.Register("lookup", func(ctx context.Context, call worker.Call) (any, error) {
		data, found, err := call.Host.Get(ctx, "greeting")
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.New("greeting missing")
		}
		if err := call.Host.Set(ctx, "seen", []byte("yes")); err != nil {
			return nil, err
		}
		return map[string]string{"greeting": string(data)}, nil
	})

	h := startWorker(t, reg)
	h.handshake(nil)

	data, err := ipc.EncodeHookContext(ipc.HookContext{RequestID: "ctx-1"})
	if err != nil {
		t.Fatalf("EncodeHookContext() error = %v", err)
	}
	h.send(&ipc.ExecuteHook{HookName: "lookup", Data: data, TimeoutMs: 5000})

	// The hook drives two context round trips before its response.
	get, ok := h.recv().(*ipc.ContextGet)
	if !ok {
		t.Fatal("expected ContextGet from the hook")
	}
	if get.Key != "greeting" {
		t.Errorf("ContextGet key = %q, want greeting", get.Key)
	}
	h.send(&ipc.ContextGetResponse{RequestID: get.RequestID, Data: []byte("hello"), Found: true})

	set, ok := h.recv().(*ipc.ContextSet)
	if !ok {
		t.Fatal("expected ContextSet from the hook")
	}
	if set.Key != "seen" || string(set.Data) != "yes" {
		t.Errorf("ContextSet = %q=%q, want seen=yes", set.Key, set.Data)
	}
	h.send(&ipc.ContextSetResponse{RequestID: set.RequestID})

	resp, ok := h.recv().(*ipc.HookResponse)
	if !ok {
		t.Fatal("expected HookResponse")
	}
	if resp.Error != "" {
		t.Fatalf("hook error = %q", resp.Error)
	}
	var out struct {
		Greeting string `cbor:"greeting"`
	}
	if err := cbor.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.Greeting != "hello" {
		t.Errorf("greeting = %q, want hello", out.Greeting)
	}
	h.shutdown()
}

func TestServe_RejectsEmptyRegistry(t *testing.T) {
	err := worker.Serve(context.Background(), worker.Config{
		Name:     "empty",
		Endpoint: "/tmp/nowhere.sock",
	}, worker.NewRegistry())
	if err == nil {
		t.Fatal("Serve() with no hooks should fail")
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := worker.ParseFlags([]string{
		"--name", "demo", "--endpoint", "/run/demo.sock",
		"--config", "/run/demo.plan", "--plugin", "/opt/demo.wasm",
	})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if cfg.Name != "demo" || cfg.Endpoint != "/run/demo.sock" {
		t.Errorf("identity = %s@%s, want demo@/run/demo.sock", cfg.Name, cfg.Endpoint)
	}
	if cfg.PlanPath != "/run/demo.plan" || cfg.Payload != "/opt/demo.wasm" {
		t.Errorf("paths = %s, %s", cfg.PlanPath, cfg.Payload)
	}

	if _, err := worker.ParseFlags(nil); err == nil {
		t.Error("ParseFlags() without identity should fail")
	}

	t.Setenv("PLUGIN_NAME", "env-demo")
	t.Setenv("PLUGIN_ENDPOINT", "/run/env.sock")
	cfg, err = worker.ParseFlags(nil)
	if err != nil {
		t.Fatalf("ParseFlags() with env fallback error = %v", err)
	}
	if cfg.Name != "env-demo" || cfg.Endpoint != "/run/env.sock" {
		t.Errorf("env fallback = %s@%s", cfg.Name, cfg.Endpoint)
	}
}
