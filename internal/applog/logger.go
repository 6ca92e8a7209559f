// Package applog provides the structured logging interface shared by every
// component of the companion runtime. It mirrors the key-value logging style
// used throughout the module framework this runtime grew out of, backed by
// zap instead of a bespoke logger.
package applog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface every internal package depends
// on. Key-value pairs follow the slog/zap "sugared" convention: alternating
// key, value arguments after the message.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)

	// With returns a logger that always includes the given key-value pairs.
	With(kv ...any) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a production-style JSON logger at the given level ("debug",
// "info", "warn", "error"). Invalid levels fall back to "info".
func New(level string) Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Logging must never be fatal to the runtime; fall back to a
		// bare-bones logger writing to stderr.
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(os.Stderr),
			lvl,
		)
		base = zap.New(core)
	}

	return &zapLogger{s: base.Sugar()}
}

// Noop returns a logger that discards everything; useful in tests.
func Noop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) With(kv ...any) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}
