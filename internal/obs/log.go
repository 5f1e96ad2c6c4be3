package obs

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
	level    = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Logger returns the shared structured logger used across the service. It writes
// JSON lines to stdout unless SetLogger replaced it.
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
		logger = newProduction()
	}
	return logger
}

// SetLogger replaces the shared logger and returns the previous one.
func SetLogger(l *zap.Logger) *zap.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	prev := logger
	logger = l
	if prev == nil {
		prev = zap.NewNop()
	}
	return prev
}

// SetLevel changes the minimum level of the default logger ("debug", "info", ...).
func SetLevel(name string) error {
	return level.UnmarshalText([]byte(name))
}

func newProduction() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.OutputPaths = []string{"stdout"}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// LogRequest emits one structured line with common HTTP fields.
func LogRequest(entry map[string]any) {
	fields := make([]zap.Field, 0, len(entry))
	for k, v := range entry {
		fields = append(fields, zap.Any(k, v))
	}
	Logger().Info("http_request", fields...)
}
