package proxywasm

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger whose entries are written through the host
// log sink. Entries below level are dropped inside the guest.
func NewLogger(host Host, level LogLevel) *zap.Logger {
	if host == nil {
		return zap.NewNop()
	}
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:       "msg",
		ConsoleSeparator: " ",
	})
	return zap.New(&hostCore{
		LevelEnabler: zapLevel(level),
		host:         host,
		enc:          enc,
	})
}

// hostCore is a zapcore.Core backed by Host.Log.
type hostCore struct {
	zapcore.LevelEnabler
	host Host
	enc  zapcore.Encoder
}

func (c *hostCore) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &hostCore{LevelEnabler: c.LevelEnabler, host: c.host, enc: enc}
}

func (c *hostCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *hostCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	msg := strings.TrimSuffix(buf.String(), "\n")
	buf.Free()
	return c.host.Log(hostLevel(ent.Level), msg)
}

func (c *hostCore) Sync() error { return nil }

func zapLevel(l LogLevel) zapcore.Level {
	switch l {
	case LogLevelTrace, LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.DPanicLevel
	}
}

func hostLevel(l zapcore.Level) LogLevel {
	switch {
	case l < zapcore.InfoLevel:
		return LogLevelDebug
	case l == zapcore.InfoLevel:
		return LogLevelInfo
	case l == zapcore.WarnLevel:
		return LogLevelWarn
	case l == zapcore.ErrorLevel:
		return LogLevelError
	default:
		return LogLevelCritical
	}
}
