package obs

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = mustLogger("info")
	}
	return logger
}

// SetLogger replaces the shared logger. Tests use it to capture output.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// NewLogger builds a JSON logger writing to stdout at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.MessageKey = "event"
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// LogRequest emits a structured line with common HTTP fields.
func LogRequest(method, path string, status int, durationMS float64, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Float64("duration_ms", durationMS),
	}
	Logger().Info("http.request", append(base, fields...)...)
}

func mustLogger(level string) *zap.Logger {
	l, err := NewLogger(level)
	if err != nil {
		return zap.NewNop()
	}
	return l
}
