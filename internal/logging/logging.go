// Package logging builds the structured loggers used across routex.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// New creates a logger writing to w at the given level and format.
func New(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatText:
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		return slog.New(slog.NewJSONHandler(w, opts))
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ParseLevel maps a level name to slog.Level, defaulting to warn.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func RouteID(id string) slog.Attr { return slog.String("route_id", id) }

func StepID(id string) slog.Attr { return slog.String("step_id", id) }

func ProcessType(t string) slog.Attr { return slog.String("process_type", t) }

func Status(s string) slog.Attr { return slog.String("status", s) }

func TxHash(h string) slog.Attr { return slog.String("tx_hash", h) }

func ChainID(id int64) slog.Attr { return slog.Int64("chain_id", id) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
