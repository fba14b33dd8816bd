// Package telemetry wires structured logging and OpenTelemetry for the host
// process. Logs are JSON lines on disk; stdout gets a text handler when
// attached to a terminal.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"valet/internal/shared"
)

// NewLogger builds the process logger. Output always goes to
// <homeDir>/logs/system.jsonl; unless quiet is set it is mirrored to stdout,
// as text when stdout is a terminal and as JSON otherwise. The returned
// closer owns the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shared.IsSecretName(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted := shared.Redact(a.Value.String()); redacted != a.Value.String() {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch {
	case quiet:
		handler = slog.NewJSONHandler(file, opts)
	case isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()):
		handler = splitHandler{
			slog.NewTextHandler(os.Stdout, opts),
			slog.NewJSONHandler(file, opts),
		}
	default:
		handler = slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), opts)
	}

	logger := slog.New(handler).With("component", "host")
	return logger, file, nil
}

// splitHandler fans every record out to both handlers.
type splitHandler [2]slog.Handler

func (h splitHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h[0].Enabled(ctx, lvl) || h[1].Enabled(ctx, lvl)
}

func (h splitHandler) Handle(ctx context.Context, r slog.Record) error {
	err0 := h[0].Handle(ctx, r.Clone())
	err1 := h[1].Handle(ctx, r)
	if err0 != nil {
		return err0
	}
	return err1
}

func (h splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return splitHandler{h[0].WithAttrs(attrs), h[1].WithAttrs(attrs)}
}

func (h splitHandler) WithGroup(name string) slog.Handler {
	return splitHandler{h[0].WithGroup(name), h[1].WithGroup(name)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
