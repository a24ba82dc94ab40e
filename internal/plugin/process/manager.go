package process

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"orbishost/internal/plugin/artifact"
	"orbishost/internal/plugin/ipc"
	"orbishost/internal/plugin/manifest"
	"orbishost/internal/plugin/monitor"
	"orbishost/internal/plugin/policy"
	"orbishost/internal/plugin/repository"
	"orbishost/internal/plugin/sandbox"
	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"
)

// DefaultHostVersion is assumed when the binary was built without a
// version stamp.
const DefaultHostVersion = "1.0.0"

// ManagerConfig wires the manager's dependencies. Everything except
// the tunables is optional: state persistence and events degrade to
// no-ops, the context store degrades to in-memory, the backend factory
// defaults to the platform backend.
type ManagerConfig struct {
	Process ProcessConfig
	IPC     ipc.Config

	// HostVersion is checked against each manifest's MinHostVersion.
	HostVersion string

	// CgroupRoot overrides the default per-plugin cgroup location.
	CgroupRoot string

	// Trusted names the plugins allowed to hold dangerous permissions.
	Trusted []string

	// ContextGrants lists, per plugin, the host context keys that
	// plugin's workers may touch. Plugins without grants are denied
	// all context access.
	ContextGrants map[string][]policy.ContextPermission

	States   *repository.StateRepository
	Events   repository.EventPublisher
	Contexts repository.ContextStore
	Fetcher  *artifact.Fetcher

	// Backend builds the per-worker isolation backend. Overridable for
	// tests.
	Backend func() sandbox.Backend

	// OnTermination observes deliberate terminations.
	OnTermination func(TerminationEvent)
}

// Manager owns every plugin worker on the host: registration, spawn,
// hook dispatch, health polling, bounded restarts, and teardown.
type Manager struct {
	cfg           ProcessConfig
	ipcCfg        ipc.Config
	hostVersion   string
	cgroupRoot    string
	trusted       []string
	grants        map[string][]policy.ContextPermission
	states        *repository.StateRepository
	events        repository.EventPublisher
	contexts      repository.ContextStore
	fetcher       *artifact.Fetcher
	newBackend    func() sandbox.Backend
	onTermination func(TerminationEvent)

	mu      sync.RWMutex
	plugins map[string]*PluginProcess
}

// NewManager builds a manager from its configuration.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	m := &Manager{
		cfg:           cfg.Process.withDefaults(),
		ipcCfg:        cfg.IPC,
		hostVersion:   cfg.HostVersion,
		cgroupRoot:    cfg.CgroupRoot,
		trusted:       cfg.Trusted,
		grants:        cfg.ContextGrants,
		states:        cfg.States,
		events:        cfg.Events,
		contexts:      cfg.Contexts,
		fetcher:       cfg.Fetcher,
		newBackend:    cfg.Backend,
		onTermination: cfg.OnTermination,
		plugins:       make(map[string]*PluginProcess),
	}
	if m.hostVersion == "" {
		m.hostVersion = DefaultHostVersion
	}
	if m.events == nil {
		m.events = repository.NopEventPublisher{}
	}
	if m.contexts == nil {
		m.contexts = repository.NewMemoryContextStore()
	}
	if m.newBackend == nil {
		m.newBackend = sandbox.NewBackend
	}
	return m, nil
}

// Initialize validates the manifest, stages the payload, derives the
// sandbox plan, and registers the plugin. The worker is not spawned
// until Start.
func (m *Manager) Initialize(ctx context.Context, mf *manifest.PluginManifest, source string) error {
	if mf == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("manifest is required")
	}
	if err := mf.Validate(); err != nil {
		return err
	}
	if err := mf.HostCompatible(m.hostVersion); err != nil {
		return err
	}
	if m.lookup(mf.Name) != nil {
		return appErr.Newf(appErr.PluginAlreadyLoaded, "plugin %s is already registered", mf.Name)
	}

	req, err := mf.Requirements(m.trusted)
	if err != nil {
		return err
	}
	req.ContextPermissions = policy.ContextPermissions{Allowed: m.grants[mf.Name]}

	sandboxCfg, err := sandbox.Build(req)
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxConfigError, "build sandbox plan for %s", mf.Name)
	}
	sandboxCfg.Hostname = mf.Name
	if m.cgroupRoot != "" {
		sandboxCfg.CgroupRoot = m.cgroupRoot
	}

	payload, err := m.stagePayload(ctx, mf, source)
	if err != nil {
		return err
	}
	argv, err := workerArgv(mf, payload, m.cfg.WorkerBinary)
	if err != nil {
		return err
	}

	proc := &PluginProcess{
		name:       mf.Name,
		mf:         mf,
		argv:       argv,
		sandboxCfg: sandboxCfg,
		limits:     sandboxCfg.Limits,
		perms:      req.ContextPermissions,
		ipcCfg:     m.ipcCfg,
		procCfg:    m.cfg,
		newBackend: m.newBackend,
		contexts:   m.contexts,
		status:     StatusStarting,
		tracker:    policy.NewDefaultTracker(),
	}

	m.mu.Lock()
	if _, exists := m.plugins[mf.Name]; exists {
		m.mu.Unlock()
		return appErr.Newf(appErr.PluginAlreadyLoaded, "plugin %s is already registered", mf.Name)
	}
	m.plugins[mf.Name] = proc
	m.mu.Unlock()

	m.persist(ctx, proc)
	logger.Info(ctx, "plugin registered",
		zap.String("plugin", mf.Name), zap.String("version", mf.Version),
		zap.Strings("argv", argv))
	return nil
}

// stagePayload fetches the plugin's artifact when it has one. An
// explicit source overrides the manifest's artifact key.
func (m *Manager) stagePayload(ctx context.Context, mf *manifest.PluginManifest, source string) (string, error) {
	staged := *mf
	if source != "" {
		staged.ArtifactKey = source
	}
	if staged.ArtifactKey == "" {
		return "", nil
	}
	if m.fetcher == nil {
		return "", appErr.Newf(appErr.ArtifactFetchFailed,
			"no artifact fetcher configured, cannot stage %s", staged.ArtifactKey)
	}
	return m.fetcher.Fetch(ctx, &staged)
}

// workerArgv resolves the worker command line. Wasm payloads run under
// the host's worker binary; native entries and exec lines spawn the
// plugin's own binary, with relative entries resolved against the
// staged payload.
func workerArgv(mf *manifest.PluginManifest, payload, workerBinary string) ([]string, error) {
	if mf.WasmEntry != "" && mf.NativeEntry == "" && mf.Exec == "" {
		if workerBinary == "" {
			return nil, appErr.Newf(appErr.PluginLoadFailed,
				"plugin %s has a wasm entry but no worker binary is configured", mf.Name)
		}
		return []string{workerBinary, "--plugin", resolveEntry(mf.WasmEntry, payload)}, nil
	}

	argv, err := mf.Argv()
	if err != nil {
		return nil, err
	}
	resolved := resolveEntry(argv[0], payload)
	if !filepath.IsAbs(resolved) && payload == "" {
		// A bare command name still works through PATH lookup; a
		// relative path without a staged payload cannot.
		if filepath.Base(argv[0]) != argv[0] {
			return nil, appErr.Newf(appErr.PluginLoadFailed,
				"plugin %s entry %s is relative and no payload was staged", mf.Name, argv[0])
		}
	}
	argv[0] = resolved
	return argv, nil
}

// resolveEntry maps a manifest entry onto the staged payload: a staged
// file is the entry itself, a staged directory anchors relative
// entries.
func resolveEntry(entry, payload string) string {
	if filepath.IsAbs(entry) || payload == "" {
		return entry
	}
	if fi, err := os.Stat(payload); err == nil && !fi.IsDir() {
		return payload
	}
	return filepath.Join(payload, entry)
}

// Start spawns the plugin's worker and brings it to Running.
func (m *Manager) Start(ctx context.Context, name string) error {
	proc := m.lookup(name)
	if proc == nil {
		return appErr.Newf(appErr.PluginNotFound, "plugin %s is not registered", name)
	}
	proc.lifeMu.Lock()
	defer proc.lifeMu.Unlock()
	return m.startLocked(ctx, proc)
}

func (m *Manager) startLocked(ctx context.Context, proc *PluginProcess) error {
	if err := proc.markStarting(); err != nil {
		return err
	}
	m.persist(ctx, proc)

	err := proc.start(ctx)
	m.persist(ctx, proc)
	if err != nil {
		return err
	}
	go m.healthLoop(proc, proc.session())
	return nil
}

// Stop gracefully terminates the plugin's worker. Stopping a plugin
// that is already Terminated or Failed is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	proc := m.lookup(name)
	if proc == nil {
		return appErr.Newf(appErr.PluginNotFound, "plugin %s is not registered", name)
	}
	proc.lifeMu.Lock()
	defer proc.lifeMu.Unlock()
	m.stopLocked(ctx, proc, "")
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, proc *PluginProcess, reason string) {
	if !proc.beginStop() {
		return
	}
	m.persist(ctx, proc)
	proc.finishStop(ctx, m.cfg.ShutdownGrace(), reason)
	m.persist(ctx, proc)
}

// Restart bounces the plugin's worker, consuming one restart attempt.
// A plugin that has used its whole budget is marked Failed and stays
// down until an operator removes and re-registers it.
func (m *Manager) Restart(ctx context.Context, name string) error {
	proc := m.lookup(name)
	if proc == nil {
		return appErr.Newf(appErr.PluginNotFound, "plugin %s is not registered", name)
	}
	proc.lifeMu.Lock()
	defer proc.lifeMu.Unlock()
	return m.restartLocked(ctx, proc)
}

// restartLocked is the restart path shared by operators and the health
// loop. The budget is checked before anything is torn down, so an
// exhausted plugin fails in place instead of stopping first.
func (m *Manager) restartLocked(ctx context.Context, proc *PluginProcess) error {
	proc.mu.Lock()
	exhausted := proc.restarts >= m.cfg.MaxRestartAttempts
	attempts := proc.restarts
	proc.mu.Unlock()
	if exhausted {
		m.failPlugin(ctx, proc, "restart budget exhausted")
		return appErr.Newf(appErr.RestartBudgetExhausted,
			"plugin %s used all %d restart attempts", proc.name, m.cfg.MaxRestartAttempts)
	}

	m.stopLocked(ctx, proc, "restarting")

	select {
	case <-time.After(restartBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.Info(ctx, "restarting plugin",
		zap.String("plugin", proc.name), zap.Int("attempt", attempts+1))
	if err := m.startLocked(ctx, proc); err != nil {
		return err
	}

	proc.mu.Lock()
	proc.restarts++
	proc.mu.Unlock()
	m.persist(ctx, proc)
	return nil
}

// failPlugin force-kills the worker and parks the plugin in Failed.
func (m *Manager) failPlugin(ctx context.Context, proc *PluginProcess, reason string) {
	proc.mu.Lock()
	sess := proc.sess
	proc.sess = nil
	proc.hooks = nil
	proc.status = StatusFailed
	proc.reason = reason
	proc.mu.Unlock()

	if sess != nil {
		proc.teardown(ctx, sess, true)
	}
	m.persist(ctx, proc)
	logger.Error(ctx, "plugin disabled",
		zap.String("plugin", proc.name), zap.String("reason", reason))
}

// Execute runs one hook on a running plugin and returns the raw result.
func (m *Manager) Execute(ctx context.Context, name, hook string, hctx ipc.HookContext) ([]byte, error) {
	proc := m.lookup(name)
	if proc == nil {
		return nil, appErr.Newf(appErr.PluginNotFound, "plugin %s is not registered", name)
	}
	data, err := ipc.EncodeHookContext(hctx)
	if err != nil {
		return nil, err
	}
	return proc.execute(ctx, hook, data)
}

// TerminateWithReason deliberately terminates a plugin, capturing
// final metrics and notifying the termination observer.
func (m *Manager) TerminateWithReason(ctx context.Context, name, reason string) error {
	proc := m.lookup(name)
	if proc == nil {
		return appErr.Newf(appErr.PluginNotFound, "plugin %s is not registered", name)
	}
	proc.lifeMu.Lock()
	defer proc.lifeMu.Unlock()

	var final *monitor.Metrics
	sess := proc.session()
	if sess != nil && !sess.exited() {
		if met, err := sess.monitor.CollectMetrics(); err == nil {
			final = &met
		}
		warn := &ipc.TerminationWarning{
			Reason:        reason,
			GracePeriodMs: m.cfg.ShutdownGracePeriodMs,
		}
		if err := sess.channel.Send(ctx, warn); err != nil {
			logger.Debug(ctx, "termination warning not delivered",
				zap.String("plugin", name), zap.Error(err))
		}
	}

	before := proc.snapshot()
	m.stopLocked(ctx, proc, reason)

	event := TerminationEvent{
		Plugin:       name,
		PID:          before.PID,
		Reason:       reason,
		UptimeMs:     before.UptimeMs,
		RestartCount: before.RestartCount,
		FinalMetrics: final,
		At:           time.Now(),
	}
	logger.Warn(ctx, "plugin terminated",
		zap.String("plugin", name), zap.String("reason", reason),
		zap.Int64("uptime_ms", event.UptimeMs))
	if m.onTermination != nil {
		m.onTermination(event)
	}
	return nil
}

// Remove stops the plugin and drops it from the table. The name can be
// registered again afterwards.
func (m *Manager) Remove(ctx context.Context, name string) error {
	proc := m.lookup(name)
	if proc == nil {
		return appErr.Newf(appErr.PluginNotFound, "plugin %s is not registered", name)
	}
	proc.lifeMu.Lock()
	m.stopLocked(ctx, proc, "removed")
	proc.lifeMu.Unlock()

	m.mu.Lock()
	delete(m.plugins, name)
	m.mu.Unlock()
	logger.Info(ctx, "plugin removed", zap.String("plugin", name))
	return nil
}

// StopAll gracefully stops every plugin. Used on host shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, proc := range m.all() {
		proc.lifeMu.Lock()
		m.stopLocked(ctx, proc, "host shutdown")
		proc.lifeMu.Unlock()
	}
}

// List returns a snapshot of every registered plugin, sorted by name.
func (m *Manager) List() []Info {
	procs := m.all()
	infos := make([]Info, 0, len(procs))
	for _, proc := range procs {
		infos = append(infos, proc.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// StatusOf returns one plugin's snapshot.
func (m *Manager) StatusOf(name string) (Info, error) {
	proc := m.lookup(name)
	if proc == nil {
		return Info{}, appErr.Newf(appErr.PluginNotFound, "plugin %s is not registered", name)
	}
	return proc.snapshot(), nil
}

// UsageOf samples one plugin's live resource consumption.
func (m *Manager) UsageOf(ctx context.Context, name string) (ResourceUsageInfo, error) {
	proc := m.lookup(name)
	if proc == nil {
		return ResourceUsageInfo{}, appErr.Newf(appErr.PluginNotFound, "plugin %s is not registered", name)
	}
	return proc.usage(ctx)
}

// WorkerMetrics asks the worker itself for its counters.
func (m *Manager) WorkerMetrics(ctx context.Context, name string) (*ipc.MetricsResponse, error) {
	proc := m.lookup(name)
	if proc == nil {
		return nil, appErr.Newf(appErr.PluginNotFound, "plugin %s is not registered", name)
	}
	return proc.workerMetrics(ctx, pingTimeout)
}

func (m *Manager) lookup(name string) *PluginProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plugins[name]
}

func (m *Manager) all() []*PluginProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()
	procs := make([]*PluginProcess, 0, len(m.plugins))
	for _, proc := range m.plugins {
		procs = append(procs, proc)
	}
	return procs
}

// persist mirrors the plugin's state into the repository and onto the
// event stream. Best effort on both legs; the in-memory table stays
// authoritative.
func (m *Manager) persist(ctx context.Context, proc *PluginProcess) {
	snap := proc.snapshot()
	if m.states != nil {
		record := repository.PluginStateRecord{
			Name:         snap.Name,
			Status:       string(snap.Status),
			Reason:       snap.Reason,
			RestartCount: snap.RestartCount,
		}
		if err := m.states.Save(ctx, record); err != nil {
			logger.Warn(ctx, "persist plugin state failed",
				zap.String("plugin", snap.Name), zap.Error(err))
		}
	}
	if err := m.events.PublishStateChange(ctx, snap.Name, string(snap.Status), snap.Reason); err != nil {
		logger.Warn(ctx, "publish lifecycle event failed",
			zap.String("plugin", snap.Name), zap.Error(err))
	}
}
