//go:build !windows

package process_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"orbishost/internal/plugin/ipc"
	"orbishost/internal/plugin/manifest"
	"orbishost/internal/plugin/process"
	"orbishost/internal/plugin/sandbox"
	appErr "orbishost/pkg/errors"
	"orbishost/pkg/worker"
)

// The manager tests re-exec this test binary as the plugin worker.
// workerModeEnv selects the helper behavior; it reaches the child
// through the manifest's environment permission.
const workerModeEnv = "PROCESS_TEST_WORKER_MODE"

func TestMain(m *testing.M) {
	if mode := os.Getenv(workerModeEnv); mode != "" {
		runHelperWorker(mode)
		return
	}
	os.Exit(m.Run())
}

func runHelperWorker(mode string) {
	cfg, err := worker.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "helper worker: %v\n", err)
		os.Exit(2)
	}
	// The host stages a sandbox plan, but the helper runs unisolated
	// so the lifecycle paths can be exercised without privileges.
	cfg.PlanPath = ""
	cfg.UsageInterval = -1

	reg := worker.NewRegistry()
	reg.Register("echo", func(ctx context.Context, call worker.Call) (any, error) {
		return cbor.RawMessage(call.Context.Body), nil
	})
	reg.Register("fail", func(ctx context.Context, call worker.Call) (any, error) {
		return nil, errors.New("boom")
	})
	reg.Register("slow", func(ctx context.Context, call worker.Call) (any, error) {
		time.Sleep(150 * time.Millisecond)
		return cbor.RawMessage(call.Context.Body), nil
	})

	if mode == "crash" {
		go func() {
			time.Sleep(300 * time.Millisecond)
			os.Exit(7)
		}()
	}

	if err := worker.Serve(context.Background(), cfg, reg); err != nil {
		fmt.Fprintf(os.Stderr, "helper worker: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// fakeBackend stands in for the Linux enforcement layer: no cgroups,
// no namespaces, kills by signaling the attached pid.
type fakeBackend struct {
	mu       sync.Mutex
	pid      int
	prepared bool
	released bool
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Prepare(ctx context.Context, plugin string, cfg sandbox.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepared = true
	return nil
}

func (b *fakeBackend) ProcAttr(cfg sandbox.Config) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func (b *fakeBackend) Attach(ctx context.Context, pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pid = pid
	return nil
}

func (b *fakeBackend) Usage(ctx context.Context) (sandbox.Usage, error) {
	return sandbox.Usage{MemoryBytes: 1 << 20, MemoryPeakBytes: 2 << 20, CPUTimeMs: 5}, nil
}

func (b *fakeBackend) Kill(ctx context.Context) error {
	b.mu.Lock()
	pid := b.pid
	b.mu.Unlock()
	if pid == 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func (b *fakeBackend) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	return nil
}

func testManifest(name string) *manifest.PluginManifest {
	return &manifest.PluginManifest{
		Name:        name,
		Version:     "1.0.0",
		Exec:        os.Args[0],
		Permissions: []manifest.Permission{manifest.PermEnvironment},
	}
}

func newTestManager(t *testing.T, procCfg process.ProcessConfig) *process.Manager {
	t.Helper()
	mgr, err := process.NewManager(process.ManagerConfig{
		Process: procCfg,
		IPC:     ipc.Config{SocketDir: t.TempDir()},
		Backend: func() sandbox.Backend { return &fakeBackend{} },
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr
}

// quietConfig keeps the health loop out of the way so only the paths
// under test run.
func quietConfig() process.ProcessConfig {
	return process.ProcessConfig{
		MaxRestartAttempts:    2,
		HealthCheckIntervalMs: 60000,
		StartupTimeoutMs:      10000,
		ShutdownGracePeriodMs: 2000,
	}
}

func encodeBody(t *testing.T, v any) cbor.RawMessage {
	t.Helper()
	data, err := cbor.Marshal(v)
	if err != nil {
		t.Fatalf("cbor.Marshal() error = %v", err)
	}
	return data
}

func TestManager_StartExecuteStop(t *testing.T) {
	t.Setenv(workerModeEnv, "echo")
	mgr := newTestManager(t, quietConfig())
	ctx := context.Background()

	if err := mgr.Initialize(ctx, testManifest("echo-plugin"), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := mgr.Start(ctx, "echo-plugin"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer mgr.StopAll(ctx)

	info, err := mgr.StatusOf("echo-plugin")
	if err != nil {
		t.Fatalf("StatusOf() error = %v", err)
	}
	if info.Status != process.StatusRunning {
		t.Fatalf("Status = %s, want %s", info.Status, process.StatusRunning)
	}
	if info.PID <= 0 {
		t.Errorf("PID = %d, want > 0", info.PID)
	}
	if len(info.Hooks) != 3 {
		t.Errorf("Hooks = %v, want 3 registrations", info.Hooks)
	}

	body := encodeBody(t, map[string]int{"value": 42})
	result, err := mgr.Execute(ctx, "echo-plugin", "echo", ipc.HookContext{
		UserID:    7,
		RequestID: "req-1",
		Body:      body,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var out struct {
		Value int `cbor:"value"`
	}
	if err := cbor.Unmarshal(result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.Value != 42 {
		t.Errorf("echoed value = %d, want 42", out.Value)
	}

	if err := mgr.Stop(ctx, "echo-plugin"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	info, _ = mgr.StatusOf("echo-plugin")
	if info.Status != process.StatusTerminated {
		t.Fatalf("Status after stop = %s, want %s", info.Status, process.StatusTerminated)
	}

	// Stopping again is a no-op.
	if err := mgr.Stop(ctx, "echo-plugin"); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	info, _ = mgr.StatusOf("echo-plugin")
	if info.Status != process.StatusTerminated {
		t.Errorf("Status after second stop = %s, want %s", info.Status, process.StatusTerminated)
	}

	// A terminated plugin can be started again.
	if err := mgr.Start(ctx, "echo-plugin"); err != nil {
		t.Fatalf("restart after stop: Start() error = %v", err)
	}
	if got, _ := mgr.StatusOf("echo-plugin"); got.Status != process.StatusRunning {
		t.Errorf("Status after re-start = %s, want %s", got.Status, process.StatusRunning)
	}
}

func TestManager_ExecuteErrors(t *testing.T) {
	t.Setenv(workerModeEnv, "echo")
	mgr := newTestManager(t, quietConfig())
	ctx := context.Background()

	if _, err := mgr.Execute(ctx, "ghost", "echo", ipc.HookContext{}); !appErr.Is(err, appErr.PluginNotFound) {
		t.Errorf("Execute on unknown plugin: error = %v, want PluginNotFound", err)
	}

	if err := mgr.Initialize(ctx, testManifest("errs"), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// Registered but never started.
	if _, err := mgr.Execute(ctx, "errs", "echo", ipc.HookContext{}); !appErr.Is(err, appErr.PluginNotRunning) {
		t.Errorf("Execute before start: error = %v, want PluginNotRunning", err)
	}

	if err := mgr.Start(ctx, "errs"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer mgr.StopAll(ctx)

	if _, err := mgr.Execute(ctx, "errs", "no_such_hook", ipc.HookContext{}); !appErr.Is(err, appErr.HookNotFound) {
		t.Errorf("Execute unknown hook: error = %v, want HookNotFound", err)
	}

	_, err := mgr.Execute(ctx, "errs", "fail", ipc.HookContext{Body: encodeBody(t, map[string]int{})})
	if !appErr.Is(err, appErr.HookFailed) {
		t.Errorf("Execute failing hook: error = %v, want HookFailed", err)
	}
}

func TestManager_InitializeValidation(t *testing.T) {
	mgr := newTestManager(t, quietConfig())
	ctx := context.Background()

	if err := mgr.Initialize(ctx, nil, ""); !appErr.Is(err, appErr.InvalidParams) {
		t.Errorf("Initialize(nil): error = %v, want InvalidParams", err)
	}

	bad := testManifest("ok")
	bad.Name = "Not Valid!"
	if err := mgr.Initialize(ctx, bad, ""); err == nil {
		t.Error("Initialize with invalid name should fail")
	}

	noEntry := testManifest("no-entry")
	noEntry.Exec = ""
	if err := mgr.Initialize(ctx, noEntry, ""); err == nil {
		t.Error("Initialize without an entry point should fail")
	}

	good := testManifest("dup")
	if err := mgr.Initialize(ctx, good, ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := mgr.Initialize(ctx, testManifest("dup"), ""); !appErr.Is(err, appErr.PluginAlreadyLoaded) {
		t.Errorf("duplicate Initialize: error = %v, want PluginAlreadyLoaded", err)
	}

	if err := mgr.Start(ctx, "ghost"); !appErr.Is(err, appErr.PluginNotFound) {
		t.Errorf("Start unknown plugin: error = %v, want PluginNotFound", err)
	}
}

func TestManager_RestartBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("restart backoff makes this test slow")
	}
	t.Setenv(workerModeEnv, "crash")
	cfg := quietConfig()
	cfg.MaxRestartAttempts = 2
	mgr := newTestManager(t, cfg)
	ctx := context.Background()

	if err := mgr.Initialize(ctx, testManifest("crashy"), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := mgr.Start(ctx, "crashy"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(20 * time.Second)
	var info process.Info
	for time.Now().Before(deadline) {
		info, _ = mgr.StatusOf("crashy")
		if info.Status == process.StatusFailed {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if info.Status != process.StatusFailed {
		t.Fatalf("Status = %s after crash loop, want %s", info.Status, process.StatusFailed)
	}
	if info.RestartCount != 2 {
		t.Errorf("RestartCount = %d, want exactly 2", info.RestartCount)
	}

	// Failed is absorbing: only Remove and re-register brings it back.
	if err := mgr.Start(ctx, "crashy"); !appErr.Is(err, appErr.PluginDisabled) {
		t.Errorf("Start on failed plugin: error = %v, want PluginDisabled", err)
	}
	if err := mgr.Remove(ctx, "crashy"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := mgr.StatusOf("crashy"); !appErr.Is(err, appErr.PluginNotFound) {
		t.Errorf("StatusOf after remove: error = %v, want PluginNotFound", err)
	}
}

func TestManager_ConcurrentExecutes(t *testing.T) {
	t.Setenv(workerModeEnv, "echo")
	mgr := newTestManager(t, quietConfig())
	ctx := context.Background()

	if err := mgr.Initialize(ctx, testManifest("busy"), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := mgr.Start(ctx, "busy"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer mgr.StopAll(ctx)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			body := encodeBody(t, map[string]int{"n": n})
			hook := "echo"
			if n%2 == 0 {
				hook = "slow"
			}
			result, err := mgr.Execute(ctx, "busy", hook, ipc.HookContext{Body: body})
			if err != nil {
				errs <- fmt.Errorf("Execute(%s, n=%d): %w", hook, n, err)
				return
			}
			var out struct {
				N int `cbor:"n"`
			}
			if err := cbor.Unmarshal(result, &out); err != nil {
				errs <- fmt.Errorf("decode n=%d: %w", n, err)
				return
			}
			if out.N != n {
				errs <- fmt.Errorf("got back n=%d, want %d", out.N, n)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestManager_ListAndUsage(t *testing.T) {
	t.Setenv(workerModeEnv, "echo")
	mgr := newTestManager(t, quietConfig())
	ctx := context.Background()

	if err := mgr.Initialize(ctx, testManifest("alpha"), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := mgr.Initialize(ctx, testManifest("beta"), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := mgr.Start(ctx, "beta"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer mgr.StopAll(ctx)

	infos := mgr.List()
	if len(infos) != 2 {
		t.Fatalf("List() returned %d plugins, want 2", len(infos))
	}
	if infos[0].Name != "alpha" || infos[1].Name != "beta" {
		t.Errorf("List() order = %s, %s, want alpha, beta", infos[0].Name, infos[1].Name)
	}

	usage, err := mgr.UsageOf(ctx, "beta")
	if err != nil {
		t.Fatalf("UsageOf() error = %v", err)
	}
	if usage.Source != "cgroup" {
		t.Errorf("usage source = %s, want cgroup", usage.Source)
	}
	if usage.MemoryBytes != 1<<20 {
		t.Errorf("MemoryBytes = %d, want %d", usage.MemoryBytes, 1<<20)
	}

	if _, err := mgr.UsageOf(ctx, "alpha"); !appErr.Is(err, appErr.PluginNotRunning) {
		t.Errorf("UsageOf stopped plugin: error = %v, want PluginNotRunning", err)
	}

	metrics, err := mgr.WorkerMetrics(ctx, "beta")
	if err != nil {
		t.Fatalf("WorkerMetrics() error = %v", err)
	}
	if metrics.HeapBytes == 0 {
		t.Error("worker should report a nonzero heap")
	}
}

func TestManager_TerminateWithReason(t *testing.T) {
	t.Setenv(workerModeEnv, "echo")
	var observed []process.TerminationEvent
	var observedMu sync.Mutex
	mgr, err := process.NewManager(process.ManagerConfig{
		Process: quietConfig(),
		IPC:     ipc.Config{SocketDir: t.TempDir()},
		Backend: func() sandbox.Backend { return &fakeBackend{} },
		OnTermination: func(ev process.TerminationEvent) {
			observedMu.Lock()
			observed = append(observed, ev)
			observedMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	ctx := context.Background()

	if err := mgr.Initialize(ctx, testManifest("victim"), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := mgr.Start(ctx, "victim"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := mgr.TerminateWithReason(ctx, "victim", "policy violation"); err != nil {
		t.Fatalf("TerminateWithReason() error = %v", err)
	}

	info, _ := mgr.StatusOf("victim")
	if info.Status != process.StatusTerminated {
		t.Errorf("Status = %s, want %s", info.Status, process.StatusTerminated)
	}
	observedMu.Lock()
	defer observedMu.Unlock()
	if len(observed) != 1 {
		t.Fatalf("observed %d termination events, want 1", len(observed))
	}
	if observed[0].Reason != "policy violation" {
		t.Errorf("event reason = %q, want policy violation", observed[0].Reason)
	}
}
