// Package logging provides structured logging for the node core using zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with node-specific conventions (component sub-loggers,
// sampled hot paths).
type Logger struct {
	zl zerolog.Logger
}

// New creates a logger writing structured JSON to w at the given level.
// Valid levels: debug, info, warn, error, fatal, trace.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stdout
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zl := zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	return &Logger{zl: zl}
}

// NewConsole creates a logger with human-readable console output, for local
// development and the cmd/calimero-node demo entrypoint.
func NewConsole(level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	zl := zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	return &Logger{zl: zl}
}

// Component returns a sub-logger tagged with the given component name, e.g.
// "dag", "sync", "broadcast".
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

// With returns a sub-logger with an additional structured field attached.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithContext attaches a context ID, the identifier most log lines in this
// module are keyed by.
func (l *Logger) WithContext(contextID string) *Logger {
	return &Logger{zl: l.zl.With().Str("context_id", contextID).Logger()}
}

func (l *Logger) Info(msg string, fields ...interface{})  { l.log(l.zl.Info(), msg, fields...) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(l.zl.Warn(), msg, fields...) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(l.zl.Error(), msg, fields...) }
func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(l.zl.Debug(), msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...interface{}) { l.log(l.zl.Fatal(), msg, fields...) }

// log adds key/value pairs (alternating string key, value) to the event.
func (l *Logger) log(event *zerolog.Event, msg string, fields ...interface{}) {
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			event.Str(key, v)
		case int:
			event.Int(key, v)
		case int64:
			event.Int64(key, v)
		case uint64:
			event.Uint64(key, v)
		case float64:
			event.Float64(key, v)
		case bool:
			event.Bool(key, v)
		case error:
			event.Err(v)
		case time.Duration:
			event.Dur(key, v)
		case time.Time:
			event.Time(key, v)
		default:
			event.Interface(key, v)
		}
	}
	event.Msg(msg)
}

// SamplingLogger wraps Logger to throttle hot paths like per-delta cascade
// application logging.
type SamplingLogger struct {
	*Logger
	sampler *zerolog.BasicSampler
}

// WithSampling returns a logger that emits roughly 1 in rate messages.
func (l *Logger) WithSampling(rate uint32) *SamplingLogger {
	return &SamplingLogger{Logger: l, sampler: &zerolog.BasicSampler{N: rate}}
}

func (sl *SamplingLogger) sample() bool { return sl.sampler.Sample(zerolog.InfoLevel) }

func (sl *SamplingLogger) InfoSampled(msg string, fields ...interface{}) {
	if sl.sample() {
		sl.Info(msg, fields...)
	}
}

func (sl *SamplingLogger) DebugSampled(msg string, fields ...interface{}) {
	if sl.sample() {
		sl.Debug(msg, fields...)
	}
}

// Nop returns a logger that discards everything, used in tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

var defaultLogger = New(os.Stdout, "info")

// Default returns the package-wide default logger.
func Default() *Logger { return defaultLogger }

// SetDefault replaces the package-wide default logger.
func SetDefault(l *Logger) { defaultLogger = l }
