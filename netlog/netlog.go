// Package netlog wraps zap with the small set of structured-logging calls
// the rest of the module needs, so packages depend on this thin seam
// instead of importing zap directly.
package netlog

import "go.uber.org/zap"

// Field is a structured log field.
type Field = zap.Field

func String(key, value string) Field { return zap.String(key, value) }
func Int(key string, value int) Field { return zap.Int(key, value) }
func Uint16(key string, value uint16) Field { return zap.Uint16(key, value) }
func Float64(key string, value float64) Field { return zap.Float64(key, value) }
func Duration(key string, ms int64) Field { return zap.Int64(key+"_ms", ms) }
func Err(err error) Field { return zap.Error(err) }
func Bool(key string, value bool) Field { return zap.Bool(key, value) }

// Logger is the structured logger used throughout the module.
type Logger struct {
	z *zap.Logger
}

// NewProduction returns a Logger configured for production use (JSON
// encoding, info level and above).
func NewProduction() *Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// NewDevelopment returns a Logger configured for local development
// (console encoding, debug level and above).
func NewDevelopment() *Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything, used as a safe zero
// value for tests and callers that don't care about logs.
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

func (l *Logger) Debug(msg string, fields ...Field) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Error(msg, fields...)
}

// With returns a Logger that always includes the given fields.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil || l.z == nil {
		return Nop()
	}
	return &Logger{z: l.z.With(fields...)}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}
