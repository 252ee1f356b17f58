// Package logger wraps log/slog with a tinted terminal handler and named
// component loggers.
package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

type Level slog.Level

var (
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
)

var defaultLevel = Level(slog.LevelInfo)

// SetDefaultLevel sets the level used by loggers created without an explicit
// one. Called once at startup before any component logger exists.
func SetDefaultLevel(level Level) {
	defaultLevel = level
}

// defaultHandler builds a tint handler: colored with short timestamps on a
// TTY, plain RFC3339 otherwise.
func defaultHandler(level Level) slog.Handler {
	isTerminal := isatty.IsTerminal(os.Stderr.Fd())

	timeFormat := time.RFC3339
	if isTerminal {
		timeFormat = time.Stamp
	}

	return tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.Level(level),
		NoColor:    !isTerminal,
		TimeFormat: timeFormat,
	})
}

type LoggerOption func(*Logger)

func WithName(name string) LoggerOption {
	return func(l *Logger) {
		l.name = name
	}
}

func WithLevel(level Level) LoggerOption {
	return func(l *Logger) {
		l.level = level
	}
}

func WithHandler(handler slog.Handler) LoggerOption {
	return func(l *Logger) {
		l.handler = handler
	}
}

// Logger is a named slog logger for one component.
type Logger struct {
	*slog.Logger
	level   Level
	handler slog.Handler
	name    string
}

// NewLogger creates a new logger instance
func NewLogger(opts ...LoggerOption) *Logger {
	l := &Logger{
		name:  "root",
		level: defaultLevel,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.handler == nil {
		l.handler = defaultHandler(l.level)
	}
	l.Logger = slog.New(l.handler).WithGroup(l.name)
	return l
}

// WithGroup returns a logger namespacing its attributes under group.
func (l *Logger) WithGroup(group string) *Logger {
	return &Logger{
		Logger:  l.Logger.WithGroup(group),
		level:   l.level,
		handler: l.handler,
		name:    l.name,
	}
}

// Fatal logs the message and exits the process.
func (l *Logger) Fatal(msg string, args ...any) {
	l.Logger.Error(msg, args...)
	os.Exit(1)
}
