package worker

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"orbishost/internal/plugin/ipc"
)

// logSendTimeout bounds one LogMessage write so logging can never
// wedge a handler behind a stalled socket.
const logSendTimeout = 2 * time.Second

// newWorkerLogger builds the worker's logger: console output on
// stderr for local debugging, teed with a core that forwards every
// entry to the host as a LogMessage.
func newWorkerLogger(plugin string, channel *ipc.Channel) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		zapcore.DebugLevel,
	)

	fieldCfg := zap.NewProductionEncoderConfig()
	fieldCfg.TimeKey = ""
	fieldCfg.LevelKey = ""
	fieldCfg.CallerKey = ""
	forward := &channelCore{
		LevelEnabler: zapcore.InfoLevel,
		plugin:       plugin,
		channel:      channel,
		enc:          zapcore.NewConsoleEncoder(fieldCfg),
	}

	return zap.New(zapcore.NewTee(console, forward)).Named(plugin)
}

// channelCore forwards log entries to the host over the plugin
// channel. Send failures are swallowed: the console core still has the
// entry, and a worker must never crash because the host is slow to
// read.
type channelCore struct {
	zapcore.LevelEnabler
	plugin  string
	channel *ipc.Channel
	enc     zapcore.Encoder
}

func (c *channelCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.enc = c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return &clone
}

func (c *channelCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *channelCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := strings.TrimRight(buf.String(), "\n")
	buf.Free()

	ctx, cancel := context.WithTimeout(context.Background(), logSendTimeout)
	defer cancel()
	_ = c.channel.Send(ctx, &ipc.LogMessage{
		Level:      mapLogLevel(ent.Level),
		Message:    line,
		PluginName: c.plugin,
	})
	return nil
}

func (c *channelCore) Sync() error { return nil }

func mapLogLevel(l zapcore.Level) ipc.LogLevel {
	switch {
	case l >= zapcore.ErrorLevel:
		return ipc.LogError
	case l == zapcore.WarnLevel:
		return ipc.LogWarn
	case l == zapcore.InfoLevel:
		return ipc.LogInfo
	default:
		return ipc.LogDebug
	}
}
