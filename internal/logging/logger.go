// Package logging provides structured logging for the world kernel.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

var (
	level = new(slog.LevelVar)

	mu            sync.RWMutex
	output        io.Writer = os.Stderr
	outputJSON    bool
	jsonSink      io.WriteCloser
	defaultLogger = newLogger()
)

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	handlers := []slog.Handler{slog.NewTextHandler(output, opts)}
	if outputJSON {
		handlers[0] = slog.NewJSONHandler(output, opts)
	}
	if jsonSink != nil {
		handlers = append(handlers, slog.NewJSONHandler(jsonSink, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}

// Options configures the process logger.
type Options struct {
	Level    Level
	Output   io.Writer // defaults to stderr
	JSON     bool      // write JSON instead of text to Output
	JSONPath string    // optional file receiving JSON records
}

// Setup installs the process logger: text (or JSON) on Output and, when
// JSONPath is set, JSON lines appended to that file.
func Setup(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if opts.Output != nil {
		output = opts.Output
	}
	outputJSON = opts.JSON
	if jsonSink != nil {
		jsonSink.Close()
		jsonSink = nil
	}
	if opts.JSONPath != "" {
		f, err := os.OpenFile(opts.JSONPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("open json log: %w", err)
		}
		jsonSink = f
	}
	level.Set(opts.Level.slog())
	defaultLogger = newLogger()
	slog.SetDefault(defaultLogger)
	return nil
}

// Close flushes and closes the JSON sink, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if jsonSink == nil {
		return nil
	}
	err := jsonSink.Close()
	jsonSink = nil
	defaultLogger = newLogger()
	return err
}

// Default returns the process logger.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDefault returns l, or the process logger when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Default()
}

// SetLevel sets the global log level
func SetLevel(l Level) {
	level.Set(l.slog())
}

// GetLevel returns the global log level.
func GetLevel() Level {
	switch v := level.Level(); {
	case v <= slog.LevelDebug:
		return DEBUG
	case v <= slog.LevelInfo:
		return INFO
	case v <= slog.LevelWarn:
		return WARN
	default:
		return ERROR
	}
}

// SetOutput sets the output writer
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	defaultLogger = newLogger()
}

// WithField returns a logger with a field added
func WithField(key string, value any) *slog.Logger {
	return Default().With(key, value)
}

// WithFields returns a logger with multiple fields added
func WithFields(fields map[string]any) *slog.Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return Default().With(args...)
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	Default().Debug(format(msg, args))
}

// Info logs an info message
func Info(msg string, args ...any) {
	Default().Info(format(msg, args))
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	Default().Warn(format(msg, args))
}

// Error logs an error message
func Error(msg string, args ...any) {
	Default().Error(format(msg, args))
}

func format(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
