// Package logging defines the structured logger facade the core consumes.
// The core never imports a concrete logging backend directly; it depends
// on the Logger interface so callers can plug in zap, logr, or a no-op.
package logging

import "go.uber.org/zap"

// Field is a single structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// F constructs a Field. Kept short because call sites pass many of these.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the four-level structured logger the core depends on. No
// method ever returns an error or panics; a logging failure must never
// abort a parse.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// nop is a Logger that discards everything.
type nop struct{}

// Nop returns a Logger that discards all messages. Used as the default
// when a caller does not provide one, and in tests.
func Nop() Logger { return nop{} }

func (nop) Debug(string, ...Field) {}
func (nop) Info(string, ...Field)  {}
func (nop) Warn(string, ...Field)  {}
func (nop) Error(string, ...Field) {}

// zapLogger adapts *zap.Logger to the Logger interface.
type zapLogger struct {
	z *zap.Logger
}

// NewZap wraps a *zap.Logger as a Logger. Passing nil returns Nop().
func NewZap(z *zap.Logger) Logger {
	if z == nil {
		return Nop()
	}
	return &zapLogger{z: z}
}

// NewZapProduction builds a Logger backed by a production zap configuration
// (JSON encoding, info level and above). Errors constructing the
// underlying zap logger fall back to Nop rather than propagate, consistent
// with the "logger never throws" contract.
func NewZapProduction() Logger {
	z, err := zap.NewProduction()
	if err != nil {
		return Nop()
	}
	return NewZap(z)
}

func toZapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZapFields(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZapFields(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZapFields(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, toZapFields(fields)...) }
