package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log = zap.NewNop()

// InitLogger builds the process-wide production logger.
func InitLogger(serviceName, level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(level)); err == nil {
		config.Level = zap.NewAtomicLevelAt(parsed)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	Log = logger.With(zap.String("service", serviceName))
	return Log, nil
}

// Named returns a child of the process logger, or a no-op logger when l is nil.
func Named(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		l = Log
	}
	return l.Named(name)
}
