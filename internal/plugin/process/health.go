package process

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orbishost/internal/plugin/policy"
	"orbishost/pkg/utils/logger"
)

// healthLoop watches one worker session: it reacts to the process
// dying and runs periodic health checks. The loop ends when the
// session is stopped or replaced; a restart spawns a fresh loop for
// the new session.
func (m *Manager) healthLoop(p *PluginProcess, sess *session) {
	if sess == nil {
		return
	}
	ticker := time.NewTicker(m.cfg.HealthCheckInterval())
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-sess.healthStop:
			return
		case <-sess.procDone:
			m.handleDeath(ctx, p, sess)
			return
		case <-ticker.C:
			if m.healthCheck(ctx, p, sess) {
				return
			}
		}
	}
}

// handleDeath runs when the worker exits out from under the manager.
// Deliberate stops land here too; those are recognized by the status
// already being past Running.
func (m *Manager) handleDeath(ctx context.Context, p *PluginProcess, sess *session) {
	p.mu.Lock()
	st := p.status
	p.mu.Unlock()
	if st != StatusRunning && st != StatusUnhealthy {
		return
	}
	logger.Warn(ctx, "plugin worker exited unexpectedly",
		zap.String("plugin", p.name), zap.Int("pid", sess.pid), zap.Error(sess.exitErr))
	m.markUnhealthy(ctx, p, "worker exited unexpectedly")
	m.restartFrom(ctx, p, sess)
}

// healthCheck runs one poll: resource limits first, then the liveness
// probe. Returns true when the loop should exit because the restart
// path took over.
func (m *Manager) healthCheck(ctx context.Context, p *PluginProcess, sess *session) bool {
	violations := sess.monitor.CheckResources()
	if len(violations) > 0 {
		hard := false
		for _, v := range violations {
			p.recordViolation(v)
			logger.Warn(ctx, "resource violation",
				zap.String("plugin", p.name), zap.String("violation", v.String()),
				zap.Stringer("severity", v.Severity))
			if v.Severity == policy.SeverityCritical {
				hard = true
			}
		}
		if err := m.events.PublishViolations(ctx, p.name, violations); err != nil {
			logger.Warn(ctx, "publish violations failed",
				zap.String("plugin", p.name), zap.Error(err))
		}
		if hard || p.tracker.ShouldDisable() {
			m.markUnhealthy(ctx, p, "resource limits violated")
			m.restartFrom(ctx, p, sess)
			return true
		}
	}

	// The next tick supersedes a probe that is still hanging, so the
	// probe never waits longer than the poll interval.
	timeout := pingTimeout
	if interval := m.cfg.HealthCheckInterval(); interval < timeout {
		timeout = interval
	}
	if err := p.ping(ctx, timeout); err != nil {
		p.mu.Lock()
		p.healthFails++
		fails := p.healthFails
		p.mu.Unlock()
		logger.Warn(ctx, "health check failed",
			zap.String("plugin", p.name), zap.Int("consecutive", fails), zap.Error(err))
		if fails >= m.cfg.UnhealthyThreshold {
			m.markUnhealthy(ctx, p, "health checks failing")
			m.restartFrom(ctx, p, sess)
			return true
		}
		return false
	}

	p.mu.Lock()
	p.healthFails = 0
	p.mu.Unlock()
	return false
}

// markUnhealthy flips the plugin to Unhealthy and records why.
func (m *Manager) markUnhealthy(ctx context.Context, p *PluginProcess, reason string) {
	p.mu.Lock()
	p.status = StatusUnhealthy
	p.reason = reason
	p.mu.Unlock()
	m.persist(ctx, p)
}

// restartFrom restarts the plugin only if the given session is still
// the live one. An operator restart that won the race makes this a
// no-op instead of bouncing the fresh worker.
func (m *Manager) restartFrom(ctx context.Context, p *PluginProcess, from *session) {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.session() != from {
		return
	}
	if err := m.restartLocked(ctx, p); err != nil {
		logger.Error(ctx, "automatic restart failed",
			zap.String("plugin", p.name), zap.Error(err))
	}
}
