// Package process owns the plugin worker lifecycle: spawning workers
// into their sandbox, the IPC handshake, hook execution, health
// polling, bounded restarts, and graceful shutdown.
package process

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"orbishost/internal/plugin/ipc"
	"orbishost/internal/plugin/manifest"
	"orbishost/internal/plugin/monitor"
	"orbishost/internal/plugin/policy"
	"orbishost/internal/plugin/repository"
	"orbishost/internal/plugin/sandbox"
	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"
)

// session is the runtime state of one spawned worker. A restart
// replaces the whole session; goroutines from the previous run keep
// their own reference and drain out on their own.
type session struct {
	cmd      *exec.Cmd
	pid      int
	backend  sandbox.Backend
	server   *ipc.Server
	channel  *ipc.Channel
	monitor  *monitor.Monitor
	planPath string

	pendingMu sync.Mutex
	pending   map[ipc.Kind]chan ipc.Message

	// procDone closes once the worker has been reaped; exitErr is set
	// before it closes.
	procDone chan struct{}
	exitErr  error

	// loopDone closes when the service loop gives up on the channel.
	loopDone chan struct{}

	healthStop chan struct{}
	healthOnce sync.Once
}

func newSession() *session {
	return &session{
		pending:    make(map[ipc.Kind]chan ipc.Message),
		procDone:   make(chan struct{}),
		loopDone:   make(chan struct{}),
		healthStop: make(chan struct{}),
	}
}

// await registers interest in the next inbound message of the given
// kind. The protocol carries no correlation ids on lifecycle replies,
// so at most one waiter per kind may be in flight.
func (s *session) await(kind ipc.Kind) (<-chan ipc.Message, func(), error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, busy := s.pending[kind]; busy {
		return nil, nil, appErr.Newf(appErr.IpcError, "a %s wait is already in flight", kind)
	}
	ch := make(chan ipc.Message, 1)
	s.pending[kind] = ch
	cancel := func() {
		s.pendingMu.Lock()
		if s.pending[kind] == ch {
			delete(s.pending, kind)
		}
		s.pendingMu.Unlock()
	}
	return ch, cancel, nil
}

// route hands an inbound message to its waiter, if any.
func (s *session) route(msg ipc.Message) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.Kind()]
	if ok {
		delete(s.pending, msg.Kind())
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (s *session) exited() bool {
	select {
	case <-s.procDone:
		return true
	default:
		return false
	}
}

func (s *session) stopHealth() {
	s.healthOnce.Do(func() { close(s.healthStop) })
}

// PluginProcess is one managed worker. The Manager owns the table
// entry; lifecycle transitions are serialized by lifeMu, everything
// else takes the short mu.
type PluginProcess struct {
	name       string
	mf         *manifest.PluginManifest
	argv       []string
	sandboxCfg sandbox.Config
	limits     policy.ResourceLimits
	perms      policy.ContextPermissions

	ipcCfg     ipc.Config
	procCfg    ProcessConfig
	newBackend func() sandbox.Backend
	contexts   repository.ContextStore

	// lifeMu serializes Start/Stop/Restart/Terminate for this plugin.
	lifeMu sync.Mutex

	mu          sync.Mutex
	status      Status
	reason      string
	restarts    int
	healthFails int
	lastHealth  time.Time
	startedAt   time.Time
	hooks       map[string]ipc.HookRegistration
	tracker     *policy.ViolationTracker
	sess        *session
	selfReport  ipc.ResourceUsage

	// execMu keeps one hook in flight per worker: HookResponse carries
	// no id, so interleaved hooks on one channel cannot be told apart.
	execMu sync.Mutex
}

// Name returns the plugin name.
func (p *PluginProcess) Name() string { return p.name }

// Status returns the current lifecycle state.
func (p *PluginProcess) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *PluginProcess) session() *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

// markStarting claims the entry for a start attempt.
func (p *PluginProcess) markStarting() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.status == StatusFailed:
		return appErr.Newf(appErr.PluginDisabled, "plugin %s is disabled: %s", p.name, p.reason)
	case !p.status.startable():
		return appErr.Newf(appErr.PluginAlreadyLoaded, "plugin %s is %s", p.name, p.status)
	}
	p.status = StatusStarting
	p.reason = ""
	return nil
}

// start spawns the worker and runs the handshake. On any failure the
// plugin lands in Failed with the worker killed and its resources
// released.
func (p *PluginProcess) start(ctx context.Context) error {
	sess := newSession()
	sess.backend = p.newBackend()

	if err := sess.backend.Prepare(ctx, p.name, p.sandboxCfg); err != nil {
		_ = sess.backend.Release()
		return p.failStart(ctx, appErr.Wrapf(err, appErr.PluginStartFailed, "prepare sandbox for %s", p.name))
	}

	server, err := ipc.NewServer(p.name, p.ipcCfg)
	if err != nil {
		_ = sess.backend.Release()
		return p.failStart(ctx, err)
	}
	sess.server = server

	// The worker reads its isolation plan before the bootstrap cuts
	// filesystem visibility; without a plan it must not run.
	planPath := strings.TrimSuffix(server.Endpoint(), ".sock") + ".plan"
	if err := sandbox.WritePlan(planPath, p.sandboxCfg); err != nil {
		p.teardown(ctx, sess, false)
		return p.failStart(ctx, appErr.Wrapf(err, appErr.PluginStartFailed, "stage sandbox plan for %s", p.name))
	}
	sess.planPath = planPath

	cmd := p.buildCommand(sess.backend, server.Endpoint(), planPath)
	if err := cmd.Start(); err != nil {
		p.teardown(ctx, sess, false)
		return p.failStart(ctx, appErr.Wrapf(err, appErr.PluginStartFailed, "spawn worker for %s", p.name))
	}
	sess.cmd = cmd
	sess.pid = cmd.Process.Pid
	go func() {
		sess.exitErr = cmd.Wait()
		close(sess.procDone)
	}()

	logger.Info(ctx, "plugin worker spawned",
		zap.String("plugin", p.name), zap.Int("pid", sess.pid),
		zap.String("backend", sess.backend.Name()))

	if err := sess.backend.Attach(ctx, sess.pid); err != nil {
		logger.Warn(ctx, "attach worker to cgroup failed, running without enforcement",
			zap.String("plugin", p.name), zap.Int("pid", sess.pid), zap.Error(err))
	}

	acceptCtx, cancel := context.WithTimeout(ctx, p.procCfg.StartupTimeout())
	channel, err := server.Accept(acceptCtx)
	cancel()
	if err != nil {
		p.teardown(ctx, sess, true)
		return p.failStart(ctx, appErr.Wrapf(err, appErr.PluginStartFailed, "worker for %s never connected", p.name))
	}
	sess.channel = channel
	go p.serviceLoop(sess)

	sess.monitor = monitor.New(p.name, sess.pid, p.limits)

	hooks, err := p.handshake(ctx, sess)
	if err != nil {
		p.teardown(ctx, sess, true)
		return p.failStart(ctx, err)
	}

	now := time.Now()
	p.mu.Lock()
	p.sess = sess
	p.hooks = hooks
	p.healthFails = 0
	p.startedAt = now
	p.lastHealth = now
	p.selfReport = ipc.ResourceUsage{}
	p.status = StatusRunning
	p.reason = ""
	p.mu.Unlock()

	logger.Info(ctx, "plugin running",
		zap.String("plugin", p.name), zap.Int("pid", sess.pid), zap.Int("hooks", len(hooks)))
	return nil
}

// handshake initializes the worker and collects its hook table.
func (p *PluginProcess) handshake(ctx context.Context, sess *session) (map[string]ipc.HookRegistration, error) {
	snapshot, err := p.contexts.Snapshot(ctx, p.name)
	if err != nil {
		logger.Warn(ctx, "context snapshot failed, initializing worker without context",
			zap.String("plugin", p.name), zap.Error(err))
		snapshot = nil
	}
	contextData, err := ipc.EncodeContextData(snapshot)
	if err != nil {
		return nil, err
	}

	timeout := p.procCfg.StartupTimeout()
	resp, err := p.roundTrip(ctx, sess, &ipc.Initialize{ContextData: contextData}, ipc.KindInitializeResponse, timeout)
	if err != nil {
		return nil, err
	}
	initResp := resp.(*ipc.InitializeResponse)
	if !initResp.Success {
		return nil, appErr.Newf(appErr.PluginStartFailed, "worker rejected initialization: %s", initResp.Error)
	}

	resp, err = p.roundTrip(ctx, sess, &ipc.RegisterHooksRequest{}, ipc.KindRegisterHooks, timeout)
	if err != nil {
		return nil, err
	}
	hooks := make(map[string]ipc.HookRegistration)
	for _, reg := range resp.(*ipc.RegisterHooks).Hooks {
		hooks[reg.Name] = reg
	}
	return hooks, nil
}

// failStart transitions to Failed, keeping the original error.
func (p *PluginProcess) failStart(ctx context.Context, err error) error {
	p.mu.Lock()
	p.status = StatusFailed
	p.reason = err.Error()
	p.mu.Unlock()
	logger.Error(ctx, "plugin start failed", zap.String("plugin", p.name), zap.Error(err))
	return err
}

func (p *PluginProcess) buildCommand(backend sandbox.Backend, endpoint, planPath string) *exec.Cmd {
	argv := make([]string, 0, len(p.argv)+6)
	argv = append(argv, p.argv...)
	argv = append(argv, "--endpoint", endpoint, "--name", p.name)
	if planPath != "" {
		argv = append(argv, "--config", planPath)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = p.workerEnv(endpoint)
	cmd.SysProcAttr = backend.ProcAttr(p.sandboxCfg)
	if p.sandboxCfg.WorkDir != "" {
		cmd.Dir = p.sandboxCfg.WorkDir
	}
	cmd.Stdout = &lineWriter{plugin: p.name, stream: "stdout"}
	cmd.Stderr = &lineWriter{plugin: p.name, stream: "stderr"}
	return cmd
}

// workerEnv builds the child environment. The host environment leaks
// into the worker only under the environment permission; everything
// else gets a scrubbed minimum.
func (p *PluginProcess) workerEnv(endpoint string) []string {
	own := []string{
		"PLUGIN_NAME=" + p.name,
		"PLUGIN_ENDPOINT=" + endpoint,
	}
	if p.mf.HasPermission(manifest.PermEnvironment) {
		return append(os.Environ(), own...)
	}
	return append(own, "PATH=/usr/local/bin:/usr/bin:/bin")
}

// roundTrip sends req and waits for the next inbound message of the
// wanted kind. The service loop owns Recv; replies arrive through the
// session's waiter table. Cancelling the context abandons the wait
// without touching the worker.
func (p *PluginProcess) roundTrip(ctx context.Context, sess *session, req ipc.Message, want ipc.Kind, timeout time.Duration) (ipc.Message, error) {
	wait, cancel, err := sess.await(want)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := sess.channel.Send(ctx, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-wait:
		return msg, nil
	case <-timer.C:
		return nil, appErr.Newf(appErr.IpcTimeout, "plugin %s: no %s within %s", p.name, want, timeout)
	case <-sess.loopDone:
		return nil, appErr.Newf(appErr.ConnectionClosed, "plugin %s: connection lost while waiting for %s", p.name, want)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execute runs one hook and returns its raw result. The hook timeout
// comes from the worker's registration, falling back to the execution
// limit; the host waits a little longer than the worker-side budget.
func (p *PluginProcess) execute(ctx context.Context, hook string, data []byte) ([]byte, error) {
	p.mu.Lock()
	if p.status != StatusRunning {
		st := p.status
		p.mu.Unlock()
		return nil, appErr.Newf(appErr.PluginNotRunning, "plugin %s is %s", p.name, st)
	}
	reg, ok := p.hooks[hook]
	sess := p.sess
	p.mu.Unlock()
	if !ok {
		return nil, appErr.Newf(appErr.HookNotFound, "plugin %s does not register hook %s", p.name, hook)
	}

	timeoutMs := p.limits.MaxExecutionTimeMs
	if reg.TimeoutMs != nil && *reg.TimeoutMs > 0 {
		timeoutMs = *reg.TimeoutMs
	}
	wait := time.Duration(timeoutMs)*time.Millisecond + hookResponseBuffer

	p.execMu.Lock()
	defer p.execMu.Unlock()

	req := &ipc.ExecuteHook{HookName: hook, Data: data, TimeoutMs: timeoutMs}
	resp, err := p.roundTrip(ctx, sess, req, ipc.KindHookResponse, wait)
	if err != nil {
		if appErr.Is(err, appErr.IpcTimeout) {
			p.recordViolation(policy.NewHookTimeoutViolation(hook, uint64(wait.Milliseconds()), timeoutMs))
			return nil, appErr.Newf(appErr.HookTimeout, "hook %s on plugin %s exceeded %dms", hook, p.name, timeoutMs)
		}
		return nil, err
	}
	hookResp := resp.(*ipc.HookResponse)
	if hookResp.Error != "" {
		return nil, appErr.Newf(appErr.HookFailed, "hook %s on plugin %s: %s", hook, p.name, hookResp.Error)
	}
	return hookResp.Result, nil
}

// ping runs one liveness probe and stamps the health clock on success.
func (p *PluginProcess) ping(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	sess := p.sess
	running := p.status == StatusRunning || p.status == StatusUnhealthy
	p.mu.Unlock()
	if sess == nil || !running {
		return appErr.Newf(appErr.PluginNotRunning, "plugin %s is not running", p.name)
	}
	if _, err := p.roundTrip(ctx, sess, &ipc.Ping{}, ipc.KindPong, timeout); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastHealth = time.Now()
	p.mu.Unlock()
	return nil
}

// workerMetrics asks the worker for its self-reported counters.
func (p *PluginProcess) workerMetrics(ctx context.Context, timeout time.Duration) (*ipc.MetricsResponse, error) {
	p.mu.Lock()
	sess := p.sess
	running := p.status == StatusRunning
	p.mu.Unlock()
	if sess == nil || !running {
		return nil, appErr.Newf(appErr.PluginNotRunning, "plugin %s is not running", p.name)
	}
	req := &ipc.MetricsRequest{RequestID: ipc.NextRequestID()}
	resp, err := p.roundTrip(ctx, sess, req, ipc.KindMetricsResponse, timeout)
	if err != nil {
		return nil, err
	}
	return resp.(*ipc.MetricsResponse), nil
}

func (p *PluginProcess) recordViolation(v policy.Violation) {
	p.tracker.Record(v)
}

// beginStop flags the graceful shutdown. False means the plugin is
// already down and Stop is a no-op.
func (p *PluginProcess) beginStop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusTerminated || p.status == StatusFailed {
		return false
	}
	p.status = StatusTerminating
	return true
}

// finishStop runs the cooperative shutdown and releases everything.
// Safe on a worker that is already dead.
func (p *PluginProcess) finishStop(ctx context.Context, grace time.Duration, reason string) {
	p.mu.Lock()
	sess := p.sess
	p.sess = nil
	p.hooks = nil
	p.mu.Unlock()

	if sess != nil {
		sess.stopHealth()
		if !sess.exited() {
			msg := &ipc.Shutdown{GracePeriodMs: uint64(grace.Milliseconds())}
			if _, err := p.roundTrip(ctx, sess, msg, ipc.KindShutdownAck, grace); err != nil {
				logger.Debug(ctx, "worker did not acknowledge shutdown",
					zap.String("plugin", p.name), zap.Error(err))
			}
		}
		select {
		case <-sess.procDone:
		case <-time.After(grace):
			logger.Warn(ctx, "worker ignored shutdown grace period, killing",
				zap.String("plugin", p.name), zap.Int("pid", sess.pid))
			p.killSession(ctx, sess)
		}
		p.teardown(ctx, sess, false)
	}

	p.mu.Lock()
	p.status = StatusTerminated
	p.reason = reason
	p.mu.Unlock()
	logger.Info(ctx, "plugin stopped", zap.String("plugin", p.name), zap.String("reason", reason))
}

// killSession terminates the worker tree and waits for the reaper.
func (p *PluginProcess) killSession(ctx context.Context, sess *session) {
	if sess.cmd == nil || sess.exited() {
		return
	}
	if err := sess.backend.Kill(ctx); err != nil {
		logger.Warn(ctx, "backend kill failed, signaling process directly",
			zap.String("plugin", p.name), zap.Error(err))
		if err := sess.cmd.Process.Kill(); err != nil && !sess.exited() {
			logger.Error(ctx, "kill worker process failed",
				zap.String("plugin", p.name), zap.Int("pid", sess.pid), zap.Error(err))
		}
	}
	select {
	case <-sess.procDone:
	case <-time.After(pingTimeout):
		// SIGKILL cannot be ignored; a hang here means the process is
		// stuck in the kernel. Try once more and wait it out.
		_ = sess.cmd.Process.Kill()
		<-sess.procDone
	}
}

// teardown releases session resources on every exit path. kill asks
// for the worker to be terminated first.
func (p *PluginProcess) teardown(ctx context.Context, sess *session, kill bool) {
	sess.stopHealth()
	if kill {
		p.killSession(ctx, sess)
	}
	if sess.channel != nil {
		_ = sess.channel.Close()
	}
	if sess.server != nil {
		_ = sess.server.Close()
	}
	if sess.planPath != "" {
		_ = os.Remove(sess.planPath)
	}
	if sess.backend != nil {
		if err := sess.backend.Release(); err != nil {
			logger.Warn(ctx, "release sandbox resources failed",
				zap.String("plugin", p.name), zap.Error(err))
		}
	}
	if sess.cmd != nil && !sess.exited() {
		p.killSession(ctx, sess)
	}
}
