package main

import (
	"os"
	"time"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logfmtLogger is a Logger backed directly by zap with a logfmt encoder,
// selected instead of the default ipfs/go-log-backed logger when
// ALPACA_LOG_FORMAT=logfmt. Adapted from the teacher's zap-based logger,
// trimmed to the single format this build actually offers as an
// alternative to go-log's colorized console output.
type logfmtLogger struct {
	lg *zap.SugaredLogger
}

// NewLoggerLogfmt builds a named logfmt-encoded logger writing to stderr at
// the level given by ALPACA_LOG_LEVEL (same env var the default logger
// reads), following zap_logger.go's encoder/core wiring.
func NewLoggerLogfmt(name string) Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = func(ts time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(ts.UTC().Format(time.RFC3339))
	}

	core := zapcore.NewCore(zaplogfmt.NewEncoder(encCfg), zapcore.Lock(os.Stderr), logfmtLevel())
	lg := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Named(name).Sugar()
	return &logfmtLogger{lg: lg}
}

func logfmtLevel() zapcore.Level {
	switch os.Getenv("ALPACA_LOG_LEVEL") {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *logfmtLogger) Debug(msg string, kv ...interface{}) { l.lg.Debugw(msg, kv...) }
func (l *logfmtLogger) Info(msg string, kv ...interface{})  { l.lg.Infow(msg, kv...) }
func (l *logfmtLogger) Warn(msg string, kv ...interface{})  { l.lg.Warnw(msg, kv...) }
func (l *logfmtLogger) Error(msg string, kv ...interface{}) { l.lg.Errorw(msg, kv...) }
func (l *logfmtLogger) Fatal(msg string, kv ...interface{}) { l.lg.Fatalw(msg, kv...) }

func (l *logfmtLogger) With(key string, value interface{}) Logger {
	return &logfmtLogger{lg: l.lg.With(key, value)}
}

func (l *logfmtLogger) NewSystem(name string) Logger {
	return &logfmtLogger{lg: l.lg.Named(name)}
}

// newRootLogger picks the root logger implementation from ALPACA_LOG_FORMAT,
// read directly (like log.go's init) since this decision happens before
// LoadConfig has a logger to report errors through.
func newRootLogger() Logger {
	if os.Getenv("ALPACA_LOG_FORMAT") == "logfmt" {
		return NewLoggerLogfmt("alpaca-proxy")
	}
	return NewLoggerIPFS("alpaca-proxy")
}
