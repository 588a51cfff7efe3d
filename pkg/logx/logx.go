package logx

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.RWMutex
	lg *zap.SugaredLogger
)

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

func Init() {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("LOG_LEVEL")))
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	Set(z)
}

// Set replaces the global logger. Tests use it with zaptest/observer.
func Set(z *zap.Logger) {
	mu.Lock()
	lg = z.Sugar()
	mu.Unlock()
}

func L() *zap.SugaredLogger {
	mu.RLock()
	l := lg
	mu.RUnlock()
	if l == nil {
		Init()
		return L()
	}
	return l
}

// Run returns a logger carrying the identifiers every run-scoped line needs.
func Run(runID, campaign string) *zap.SugaredLogger {
	return L().With("run_id", runID, "campaign", campaign)
}

func Sync() { _ = L().Sync() }
