// Package logging provides requestd's structured logging, grounded on the
// teacher's internal/logging/logger.go zerolog wrapper. requestd is a
// headless daemon with no GUI front-end, so the mode split collapses to a
// single stderr console writer.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with the console-writer formatting the
// teacher uses for its CLI mode.
type Logger struct {
	zlog   zerolog.Logger
	output io.Writer
}

// New creates a Logger writing to stderr at the given level ("debug",
// "info", "warn", "error").
func New(level string) *Logger {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	zlog := zerolog.New(output).With().Timestamp().Logger()
	zlog = zlog.Level(parseLevel(level))
	return &Logger{zlog: zlog, output: output}
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// With creates a child logger context, e.g. l.With().Uint32("task_id", id).Logger().
func (l *Logger) With() zerolog.Context { return l.zlog.With() }

// WithComponent returns a Logger tagged with a "component" field, used by
// each of C1-C9 to namespace its log lines.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger(), output: l.output}
}
