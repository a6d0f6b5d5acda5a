package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"tenantgate.org/internal/config"
)

var shared atomic.Pointer[slog.Logger]

func init() {
	shared.Store(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	return shared.Load()
}

// SetLogger replaces the shared logger and returns a function restoring the previous one.
func SetLogger(l *slog.Logger) (restore func()) {
	prev := shared.Swap(l)
	return func() { shared.Store(prev) }
}

// NewLogger builds a logger from configuration: JSON or text handler, level
// filtering and default service/version attributes.
func NewLogger(cfg config.LoggingConfig, version string) *slog.Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return NewLoggerTo(output, cfg, version)
}

// NewLoggerTo is NewLogger with an explicit writer.
func NewLoggerTo(w io.Writer, cfg config.LoggingConfig, version string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "tenantgate"),
		slog.String("version", version),
	})
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
