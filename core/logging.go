package core

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}

var (
	baseMu     sync.RWMutex
	baseLogger = newBaseLogger()
)

func newBaseLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := zapcore.ParseLevel(lvl); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(parsed)
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// SetLogger replaces the process-wide base logger. Contexts created before
// the call keep the logger they were created with.
func SetLogger(logger *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseLogger = logger
}

// Logger returns the process-wide base logger.
func Logger() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return baseLogger
}

// WithDefaultLogger attaches a logger tagged with reqId to the context
func WithDefaultLogger(parent context.Context, reqId string) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, loggerKey{}, Logger().Sugar().With("req_id", reqId))
}

// GetLogger returns the context logger, falling back to the base logger
func GetLogger(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
			return l
		}
	}
	return Logger().Sugar()
}

func Infof(ctx context.Context, tpl string, args ...any) {
	GetLogger(ctx).Infof(tpl, args...)
}

func Warnf(ctx context.Context, tpl string, args ...any) {
	GetLogger(ctx).Warnf(tpl, args...)
}

func Errorf(ctx context.Context, tpl string, args ...any) {
	GetLogger(ctx).Errorf(tpl, args...)
}

func Debugf(ctx context.Context, tpl string, args ...any) {
	GetLogger(ctx).Debugf(tpl, args...)
}
