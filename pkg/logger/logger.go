// Package logger provides structured logging utilities for the pipeline.
// It wraps the zerolog library to provide a consistent logging interface
// with support for contextual fields, log levels, and output formatting.
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger to provide additional functionality.
type Logger struct {
	zl zerolog.Logger
}

// Config holds the logger configuration.
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	TimeFormat string `yaml:"time_format"`
	Caller     bool   `yaml:"caller"`
	Output     io.Writer
}

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	loggerKey contextKey = "logger"
)

// Global logger instance
var globalLogger *Logger

// init initializes the global logger with default settings.
func init() {
	globalLogger = New(Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339Nano,
		Caller:     false,
	})
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Output != nil {
		output = cfg.Output
	} else {
		output = os.Stdout
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	zl := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	if cfg.Caller {
		zl = zl.With().Caller().Logger()
	}

	return &Logger{zl: zl}
}

// SetGlobal sets the global logger instance.
func SetGlobal(l *Logger) {
	globalLogger = l
}

// Global returns the global logger instance.
func Global() *Logger {
	return globalLogger
}

// WithContext returns a new context with the logger attached.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger from the context, or the global logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return globalLogger
}

// With returns a new logger with the given fields.
func (l *Logger) With() *LoggerContext {
	return &LoggerContext{zc: l.zl.With()}
}

// LoggerContext is a builder for adding fields to a logger.
type LoggerContext struct {
	zc zerolog.Context
}

// Str adds a string field.
func (lc *LoggerContext) Str(key, val string) *LoggerContext {
	lc.zc = lc.zc.Str(key, val)
	return lc
}

// Int adds an integer field.
func (lc *LoggerContext) Int(key string, val int) *LoggerContext {
	lc.zc = lc.zc.Int(key, val)
	return lc
}

// Bool adds a boolean field.
func (lc *LoggerContext) Bool(key string, val bool) *LoggerContext {
	lc.zc = lc.zc.Bool(key, val)
	return lc
}

// Time adds a time field.
func (lc *LoggerContext) Time(key string, val time.Time) *LoggerContext {
	lc.zc = lc.zc.Time(key, val)
	return lc
}

// Dur adds a duration field.
func (lc *LoggerContext) Dur(key string, val time.Duration) *LoggerContext {
	lc.zc = lc.zc.Dur(key, val)
	return lc
}

// Err adds an error field.
func (lc *LoggerContext) Err(err error) *LoggerContext {
	lc.zc = lc.zc.Err(err)
	return lc
}

// Component adds a component field identifying a pipeline stage.
func (lc *LoggerContext) Component(name string) *LoggerContext {
	lc.zc = lc.zc.Str("component", name)
	return lc
}

// Source adds a source field (the "<label>.<channel>" producer identity).
func (lc *LoggerContext) Source(source string) *LoggerContext {
	lc.zc = lc.zc.Str("source", source)
	return lc
}

// RoutingKey adds a routing_key field.
func (lc *LoggerContext) RoutingKey(rk string) *LoggerContext {
	lc.zc = lc.zc.Str("routing_key", rk)
	return lc
}

// Logger returns the configured logger.
func (lc *LoggerContext) Logger() *Logger {
	return &Logger{zl: lc.zc.Logger()}
}

// Log level methods

// Debug logs a debug message.
func (l *Logger) Debug() *Event {
	return &Event{ze: l.zl.Debug()}
}

// Info logs an info message.
func (l *Logger) Info() *Event {
	return &Event{ze: l.zl.Info()}
}

// Warn logs a warning message.
func (l *Logger) Warn() *Event {
	return &Event{ze: l.zl.Warn()}
}

// Error logs an error message.
func (l *Logger) Error() *Event {
	return &Event{ze: l.zl.Error()}
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal() *Event {
	return &Event{ze: l.zl.Fatal()}
}

// Event represents a log event.
type Event struct {
	ze *zerolog.Event
}

// Str adds a string field to the event.
func (e *Event) Str(key, val string) *Event {
	e.ze = e.ze.Str(key, val)
	return e
}

// Strs adds a string-slice field to the event.
func (e *Event) Strs(key string, vals []string) *Event {
	e.ze = e.ze.Strs(key, vals)
	return e
}

// Int adds an integer field to the event.
func (e *Event) Int(key string, val int) *Event {
	e.ze = e.ze.Int(key, val)
	return e
}

// Int64 adds an int64 field to the event.
func (e *Event) Int64(key string, val int64) *Event {
	e.ze = e.ze.Int64(key, val)
	return e
}

// Bool adds a boolean field to the event.
func (e *Event) Bool(key string, val bool) *Event {
	e.ze = e.ze.Bool(key, val)
	return e
}

// Time adds a time field to the event.
func (e *Event) Time(key string, val time.Time) *Event {
	e.ze = e.ze.Time(key, val)
	return e
}

// Dur adds a duration field to the event.
func (e *Event) Dur(key string, val time.Duration) *Event {
	e.ze = e.ze.Dur(key, val)
	return e
}

// Err adds an error field to the event.
func (e *Event) Err(err error) *Event {
	e.ze = e.ze.Err(err)
	return e
}

// Interface adds an interface field to the event.
func (e *Event) Interface(key string, val interface{}) *Event {
	e.ze = e.ze.Interface(key, val)
	return e
}

// Stack adds a stack trace to the event.
func (e *Event) Stack() *Event {
	e.ze = e.ze.Stack()
	return e
}

// Msg sends the event with the given message.
func (e *Event) Msg(msg string) {
	e.ze.Msg(msg)
}

// Msgf sends the event with a formatted message.
func (e *Event) Msgf(format string, args ...interface{}) {
	e.ze.Msgf(format, args...)
}

// Convenience functions using the global logger

// Debug logs a debug message using the global logger.
func Debug() *Event {
	return globalLogger.Debug()
}

// Info logs an info message using the global logger.
func Info() *Event {
	return globalLogger.Info()
}

// Warn logs a warning message using the global logger.
func Warn() *Event {
	return globalLogger.Warn()
}

// Error logs an error message using the global logger.
func Error() *Event {
	return globalLogger.Error()
}

// Fatal logs a fatal message using the global logger and exits.
func Fatal() *Event {
	return globalLogger.Fatal()
}
