package logx

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var lg *zap.SugaredLogger

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// Init builds the process logger. Every entry carries the service name.
func Init(service string) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("LOG_LEVEL")))
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	lg = z.Sugar()
}

func L() *zap.SugaredLogger {
	if lg == nil {
		Init("")
	}
	return lg
}

func Sync() { _ = L().Sync() }

// Cron adapts the logger to robfig/cron's Logger interface.
type Cron struct{}

func (Cron) Info(msg string, keysAndValues ...any) {
	L().Debugw("cron_"+msg, keysAndValues...)
}

func (Cron) Error(err error, msg string, keysAndValues ...any) {
	L().Errorw("cron_"+msg, append(keysAndValues, "error", err)...)
}
