// Package observability wires structured logging, tracing spans, and
// Prometheus metrics for the repository core's externally callable
// operations, as ambient concerns carried regardless of which spec.md
// Non-goals exclude an outer surface.
package observability

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// NewLogger builds the default fan-out logger: JSON to stderr always, plus
// a systemd journal handler when running under systemd, matching
// reusee-tai's logs.Module.Logger shape. debug turns on slog.LevelDebug;
// otherwise slog.LevelInfo.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}

	if journalHandler, err := slogjournal.NewHandler(&slogjournal.Options{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			return a
		},
	}); err == nil {
		handlers = append(handlers, journalHandler)
	}

	return slog.New(slogmulti.Fanout(handlers...))
}
