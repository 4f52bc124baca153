package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured logging interface used across the engine.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	WithContext(ctx context.Context) Logger
	WithFields(fields ...Field) Logger
	WithError(err error) Logger
	WithTraceID(traceID string) Logger
}

// Field represents a logging field.
type Field struct {
	Key   string
	Value interface{}
}

// ZeroLogger implements Logger using zerolog. It holds only its bound
// fields; the sink is read from the package root at log time, so
// loggers created before Initialize pick up the configuration too.
type ZeroLogger struct {
	fields []Field
}

var (
	rootMu  sync.RWMutex
	root    zerolog.Logger
	rootSet bool
)

// LogConfig represents logger configuration.
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	Caller     bool   `json:"caller" yaml:"caller"`
}

// Initialize configures the global logger. Calling it again replaces the
// configuration; every logger handed out so far logs through the new one
// from its next event.
func Initialize(config LogConfig) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = build(config)
	rootSet = true
	log.Logger = root
}

func build(config LogConfig) zerolog.Logger {
	var output io.Writer

	switch config.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = file
		}
	}

	if config.Format == "console" {
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: timeFormat,
		}
	}

	zerolog.SetGlobalLevel(parseLevel(config.Level))

	builder := zerolog.New(output).With().Timestamp()
	if config.Caller {
		builder = builder.Caller()
	}
	return builder.Logger()
}

func currentRoot() zerolog.Logger {
	rootMu.RLock()
	if rootSet {
		r := root
		rootMu.RUnlock()
		return r
	}
	rootMu.RUnlock()

	rootMu.Lock()
	defer rootMu.Unlock()
	if !rootSet {
		root = build(LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339,
		})
		rootSet = true
		log.Logger = root
	}
	return root
}

// Get returns the global logger. First use without Initialize configures
// JSON output to stdout at info level.
func Get() Logger {
	return &ZeroLogger{}
}

// New returns a logger tagged with a component name.
func New(component string) Logger {
	return Get().WithFields(String("component", component))
}

// WithContext returns a logger carrying the span's trace id, if ctx has one.
func (l *ZeroLogger) WithContext(ctx context.Context) Logger {
	newLogger := &ZeroLogger{
		fields: append([]Field{}, l.fields...),
	}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		newLogger.fields = append(newLogger.fields, Field{
			Key:   "trace_id",
			Value: span.SpanContext().TraceID().String(),
		})
	}
	return newLogger
}

// WithFields returns a logger with the fields appended.
func (l *ZeroLogger) WithFields(fields ...Field) Logger {
	return &ZeroLogger{
		fields: append(append([]Field{}, l.fields...), fields...),
	}
}

// WithError returns a logger with the error attached.
func (l *ZeroLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Field{Key: "error", Value: err})
}

// WithTraceID returns a logger with an explicit trace id.
func (l *ZeroLogger) WithTraceID(traceID string) Logger {
	return l.WithFields(String("trace_id", traceID))
}

// Debug logs a debug message.
func (l *ZeroLogger) Debug(msg string, fields ...Field) {
	r := currentRoot()
	l.logEvent(r.Debug(), msg, fields...)
}

// Info logs an info message.
func (l *ZeroLogger) Info(msg string, fields ...Field) {
	r := currentRoot()
	l.logEvent(r.Info(), msg, fields...)
}

// Warn logs a warning message.
func (l *ZeroLogger) Warn(msg string, fields ...Field) {
	r := currentRoot()
	l.logEvent(r.Warn(), msg, fields...)
}

// Error logs an error message.
func (l *ZeroLogger) Error(msg string, fields ...Field) {
	r := currentRoot()
	l.logEvent(r.Error(), msg, fields...)
}

// Fatal logs a fatal message and exits.
func (l *ZeroLogger) Fatal(msg string, fields ...Field) {
	r := currentRoot()
	l.logEvent(r.Fatal(), msg, fields...)
}

func (l *ZeroLogger) logEvent(event *zerolog.Event, msg string, fields ...Field) {
	for _, field := range l.fields {
		event = addField(event, field)
	}
	for _, field := range fields {
		event = addField(event, field)
	}
	event.Msg(msg)
}

func addField(event *zerolog.Event, field Field) *zerolog.Event {
	switch v := field.Value.(type) {
	case string:
		return event.Str(field.Key, v)
	case int:
		return event.Int(field.Key, v)
	case int64:
		return event.Int64(field.Key, v)
	case float64:
		return event.Float64(field.Key, v)
	case bool:
		return event.Bool(field.Key, v)
	case time.Time:
		return event.Time(field.Key, v)
	case time.Duration:
		return event.Dur(field.Key, v)
	case error:
		return event.Err(v)
	default:
		return event.Interface(field.Key, v)
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Field constructors.

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}
