package logger

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Options controls how New builds the root logger.
type Options struct {
	Level       string
	AddSource   bool
	Environment string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// New returns the process-wide logger. Prod environments log JSON, every
// other environment logs human readable text.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     ParseLevel(opts.Level),
		AddSource: opts.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(opts.Environment) == "prod" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler).With(
		slog.String("environment", opts.Environment),
	)
}

// Component returns a child logger tagged with the component name.
func Component(parent *slog.Logger, name string) *slog.Logger {
	return parent.With(slog.String("component", name))
}

// StdLogger adapts logger for APIs that still want a *log.Logger, such as
// http.Server.ErrorLog.
func StdLogger(parent *slog.Logger, level slog.Level) *log.Logger {
	return slog.NewLogLogger(parent.Handler(), level)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
