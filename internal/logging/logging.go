package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a structured logger backed by zerolog. Arguments after the
// message are alternating key/value pairs.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a new Logger writing JSON to stdout at info level.
func NewLogger() *Logger {
	return NewLoggerWithConfig("info", "json", os.Stdout)
}

// NewLoggerWithConfig creates a Logger with the given level and format
// ("json" or "console").
func NewLoggerWithConfig(level, format string, out io.Writer) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child Logger that always carries the given fields.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{zl: l.zl.With().Fields(normalize(args)).Logger()}
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.zl.Info().Fields(normalize(args)).Msg(msg)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.zl.Warn().Fields(normalize(args)).Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.zl.Error().Fields(normalize(args)).Msg(msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.zl.Debug().Fields(normalize(args)).Msg(msg)
}

// normalize pads a dangling key so zerolog never drops a value.
func normalize(args []interface{}) []interface{} {
	if len(args)%2 == 1 {
		return append(args[:len(args):len(args)], "(MISSING)")
	}
	return args
}
