// Package logging provides component-scoped structured logging for the queue
// and its transports, backed by zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	qerrors "github.com/vinayprograms/taskqueue/errors"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel converts a level name, in any case, into a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo, "":
		return LevelInfo, nil
	case LevelWarn, "WARNING":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Format selects the output encoding.
type Format string

const (
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"

	// FormatConsole writes human-readable colored lines.
	FormatConsole Format = "console"
)

// Logger provides structured logging.
// Derived loggers share the output but not the level.
type Logger struct {
	zl        zerolog.Logger
	output    io.Writer
	format    Format
	minLevel  Level
	component string
	traceID   string
}

// New creates a new Logger writing JSON to stdout at INFO.
func New() *Logger {
	l := &Logger{
		output:   zerolog.SyncWriter(os.Stdout),
		format:   FormatJSON,
		minLevel: LevelInfo,
	}
	l.build()
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.SetOutput(io.Discard)
	return l
}

func (l *Logger) build() {
	w := l.output
	if l.format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: l.output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).Level(l.minLevel.zerolog()).With().Timestamp()
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	if l.traceID != "" {
		ctx = ctx.Str("trace_id", l.traceID)
	}
	l.zl = ctx.Logger()
}

func (l *Logger) derive(mutate func(*Logger)) *Logger {
	child := &Logger{
		output:    l.output,
		format:    l.format,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   l.traceID,
	}
	mutate(child)
	child.build()
	return child
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(func(c *Logger) { c.component = component })
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return l.derive(func(c *Logger) { c.traceID = traceID })
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
	l.build()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = zerolog.SyncWriter(w)
	l.build()
}

// SetFormat sets the output encoding.
func (l *Logger) SetFormat(f Format) {
	l.format = f
	l.build()
}

// Zerolog exposes the underlying logger for libraries that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.DebugLevel, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.InfoLevel, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.WarnLevel, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.ErrorLevel, msg, fields...)
}

func (l *Logger) log(level zerolog.Level, msg string, fields ...map[string]interface{}) {
	ev := l.zl.WithLevel(level)
	if ev == nil {
		return
	}
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}
	ev.Msg(msg)
}

// --- Queue operation logging ---

// Operation logs the outcome of a queue operation. Failures caused by the
// caller (bad input, unknown IDs, conflicts) are warnings; anything else is
// an error.
func (l *Logger) Operation(op string, duration time.Duration, fields map[string]interface{}, err error) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["op"] = op
	fields["duration"] = duration.String()

	if err == nil {
		l.Info("op_complete", fields)
		return
	}

	fields["error"] = err.Error()
	if code := qerrors.Code(err); code != "" {
		fields["code"] = string(code)
	}
	if qerrors.IsCategory(err, qerrors.CategoryPermanent) {
		l.Warn("op_rejected", fields)
		return
	}
	l.Error("op_failed", fields)
}

// ClaimRound logs one round of a batch claim.
func (l *Logger) ClaimRound(scalerID string, round, candidates, claimed, lost int) {
	l.Debug("claim_round", map[string]interface{}{
		"scaler_id":  scalerID,
		"round":      round,
		"candidates": candidates,
		"claimed":    claimed,
		"lost":       lost,
	})
}

// PublishFailed logs an event that could not be delivered.
func (l *Logger) PublishFailed(subject string, err error) {
	l.Warn("publish_failed", map[string]interface{}{
		"subject": subject,
		"error":   err.Error(),
	})
}
