package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a leveled logger that writes key/value pairs to the console.
type Logger struct {
	*slog.Logger
}

// Options selects the output format and minimum level.
type Options struct {
	Level  string
	Format string
}

// NewLogger creates a new Logger writing text to stdout at info level.
func NewLogger() *Logger {
	return New(os.Stdout, Options{})
}

// New creates a Logger writing to w.
func New(w io.Writer, opts Options) *Logger {
	hopts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return &Logger{Logger: slog.New(h)}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a Logger that adds the given key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
