// Package logging provides structured logging for the orchestrator using
// go.uber.org/zap. Components receive a *Logger and narrow it with
// WithComponent / WithSession so every line carries its origin.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logger configuration.
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
	Path   string `mapstructure:"path"`   // stdout, stderr, or file path
}

// Logger wraps zap.Logger with field helpers for orchestrator conventions.
type Logger struct {
	zap *zap.Logger
}

// New creates a Logger from config. Unknown levels fall back to info;
// unknown formats fall back to JSON.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" || cfg.Format == "text" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	switch cfg.Path {
	case "", "stderr":
		sink = zapcore.AddSync(os.Stderr)
	case "stdout":
		sink = zapcore.AddSync(os.Stdout)
	default:
		file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, sink, level)
	return &Logger{zap: zap.New(core)}, nil
}

// Nop returns a logger that discards everything. For tests.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// Sync flushes any buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithFields returns a Logger with the fields attached to every entry.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithComponent tags entries with the owning component, e.g. "git", "store".
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithFields(zap.String("component", name))
}

// WithSession tags entries with a session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.WithFields(zap.String("session_id", sessionID))
}

// WithRun tags entries with a batch run id.
func (l *Logger) WithRun(runID string) *Logger {
	return l.WithFields(zap.String("run_id", runID))
}

// WithError returns a Logger with the error field added.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(zap.Error(err))
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, fields...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, fields...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, fields...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, fields...)
}

// SecretField builds a zap field whose value is redacted. Use for any
// value that could be a credential.
func SecretField(key, secret string) zap.Field {
	return zap.String(key, Redact(secret))
}

// Redact masks a secret for echoing in logs or status output. Short values
// are fully masked; longer ones keep a four-character prefix.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", 8)
}
