package process

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"orbishost/internal/plugin/ipc"
	"orbishost/internal/plugin/policy"
	appErr "orbishost/pkg/errors"
	"orbishost/pkg/utils/logger"
)

// serviceLoop is the single reader of a worker channel. Replies to
// host requests are routed to their waiters; everything the worker
// initiates on its own (logs, usage reports, context requests) is
// serviced inline, so a chatty worker never wedges a pending hook.
func (p *PluginProcess) serviceLoop(sess *session) {
	defer close(sess.loopDone)
	ctx := context.Background()
	for {
		msg, err := sess.channel.Recv(ctx)
		if err != nil {
			if appErr.Is(err, appErr.IpcTimeout) {
				continue
			}
			if !appErr.Is(err, appErr.ConnectionClosed) {
				logger.Warn(ctx, "worker channel broken",
					zap.String("plugin", p.name), zap.Error(err))
			}
			return
		}
		p.dispatch(ctx, sess, msg)
	}
}

func (p *PluginProcess) dispatch(ctx context.Context, sess *session, msg ipc.Message) {
	switch m := msg.(type) {
	case *ipc.LogMessage:
		p.forwardWorkerLog(ctx, m)
	case *ipc.ResourceUsage:
		p.mu.Lock()
		p.selfReport = *m
		p.mu.Unlock()
	case *ipc.ContextGet:
		p.serveContextGet(ctx, sess, m)
	case *ipc.ContextSet:
		p.serveContextSet(ctx, sess, m)
	case *ipc.ContextHas:
		p.serveContextHas(ctx, sess, m)
	case *ipc.TerminationEvent:
		logger.Info(ctx, "worker reported termination",
			zap.String("plugin", p.name), zap.Int("bytes", len(m.EventData)))
	default:
		if !sess.route(msg) {
			// Usually a hook response whose waiter gave up.
			logger.Debug(ctx, "dropping unexpected worker message",
				zap.String("plugin", p.name), zap.Stringer("kind", msg.Kind()))
		}
	}
}

// forwardWorkerLog replays a worker log line through the host logger
// at the worker's level.
func (p *PluginProcess) forwardWorkerLog(ctx context.Context, m *ipc.LogMessage) {
	fields := []zap.Field{zap.String("plugin", p.name), zap.String("source", "worker")}
	switch m.Level {
	case ipc.LogError:
		logger.Error(ctx, m.Message, fields...)
	case ipc.LogWarn:
		logger.Warn(ctx, m.Message, fields...)
	case ipc.LogInfo:
		logger.Info(ctx, m.Message, fields...)
	default:
		logger.Debug(ctx, m.Message, fields...)
	}
}

func (p *PluginProcess) serveContextGet(ctx context.Context, sess *session, req *ipc.ContextGet) {
	resp := ipc.ContextGetResponse{RequestID: req.RequestID}
	if !p.perms.IsAllowed(req.Key, policy.ContextRead) {
		resp.Error = "permission denied for key " + req.Key
	} else {
		data, found, err := p.contexts.Get(ctx, p.name, req.Key)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Data = data
			resp.Found = found
		}
	}
	p.reply(ctx, sess, &resp)
}

func (p *PluginProcess) serveContextSet(ctx context.Context, sess *session, req *ipc.ContextSet) {
	resp := ipc.ContextSetResponse{RequestID: req.RequestID}
	if !p.perms.IsAllowed(req.Key, policy.ContextReadWrite) {
		resp.Error = "permission denied for key " + req.Key
	} else if err := p.contexts.Set(ctx, p.name, req.Key, req.Data); err != nil {
		resp.Error = err.Error()
	}
	p.reply(ctx, sess, &resp)
}

// serveContextHas answers existence checks. An unpermitted key reads
// as absent rather than as an error, so probing cannot reveal keys the
// plugin is not allowed to see.
func (p *PluginProcess) serveContextHas(ctx context.Context, sess *session, req *ipc.ContextHas) {
	resp := ipc.ContextHasResponse{RequestID: req.RequestID}
	if p.perms.IsAllowed(req.Key, policy.ContextRead) {
		exists, err := p.contexts.Has(ctx, p.name, req.Key)
		if err == nil {
			resp.Exists = exists
		}
	}
	p.reply(ctx, sess, &resp)
}

func (p *PluginProcess) reply(ctx context.Context, sess *session, msg ipc.Message) {
	if err := sess.channel.Send(ctx, msg); err != nil {
		logger.Warn(ctx, "reply to worker failed",
			zap.String("plugin", p.name), zap.Stringer("kind", msg.Kind()), zap.Error(err))
	}
}

// lineWriter forwards a worker stream to the host logger one line at a
// time. Workers log structured lines over IPC; the raw streams mostly
// carry runtime noise and crash output.
type lineWriter struct {
	plugin string
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(b)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// No newline yet, keep the partial line buffered.
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(b), nil
}

func (w *lineWriter) emit(line string) {
	if line == "" {
		return
	}
	ctx := context.Background()
	fields := []zap.Field{zap.String("plugin", w.plugin), zap.String("stream", w.stream)}
	if w.stream == "stderr" {
		logger.Warn(ctx, line, fields...)
		return
	}
	logger.Debug(ctx, line, fields...)
}
