package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger is the production Logger, a thin adapter over a zap.Logger
type ZapLogger struct {
	base   *zap.Logger
	prefix string
}

// NewLogger creates a JSON logger at info level tagged with the given component name
func NewLogger(prefix string) Logger {
	return NewLoggerWithConfig(prefix, LoggingConfig{})
}

// NewLoggerWithConfig creates a logger from the logging section of the configuration
func NewLoggerWithConfig(prefix string, cfg LoggingConfig) Logger {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return NewZapLogger(zap.New(core), prefix)
}

// NewZapLogger wraps an existing zap logger
func NewZapLogger(base *zap.Logger, prefix string) Logger {
	if base == nil {
		base = zap.NewNop()
	}
	l := &ZapLogger{base: base, prefix: prefix}
	if prefix != "" {
		l.base = base.Named(prefix)
	}
	return l
}

// Debug logs a debug message
func (l *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	l.base.Debug(msg, toZapFields(fields)...)
}

// Info logs an info message
func (l *ZapLogger) Info(msg string, fields map[string]interface{}) {
	l.base.Info(msg, toZapFields(fields)...)
}

// Warn logs a warning message
func (l *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	l.base.Warn(msg, toZapFields(fields)...)
}

// Error logs an error message
func (l *ZapLogger) Error(msg string, fields map[string]interface{}) {
	l.base.Error(msg, toZapFields(fields)...)
}

// Debugf logs a formatted debug message
func (l *ZapLogger) Debugf(format string, args ...interface{}) {
	l.base.Debug(fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message
func (l *ZapLogger) Infof(format string, args ...interface{}) {
	l.base.Info(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message
func (l *ZapLogger) Warnf(format string, args ...interface{}) {
	l.base.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message
func (l *ZapLogger) Errorf(format string, args ...interface{}) {
	l.base.Error(fmt.Sprintf(format, args...))
}

// WithPrefix returns a new logger with the given prefix
func (l *ZapLogger) WithPrefix(prefix string) Logger {
	return &ZapLogger{base: l.base.Named(prefix), prefix: prefix}
}

// With returns a new logger that adds fields to every entry
func (l *ZapLogger) With(fields map[string]interface{}) Logger {
	return &ZapLogger{base: l.base.With(toZapFields(fields)...), prefix: l.prefix}
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}
