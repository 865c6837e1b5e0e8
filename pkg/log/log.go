// Package log builds the process logger: zerolog for output, bridged to
// log/slog, which is what the engines accept.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates the process logger. Plain JSON to stderr when running in a
// cluster, a console writer otherwise.
func New() *zerolog.Logger {
	var output io.Writer
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		output = os.Stderr
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(output).With().Timestamp().Logger()
	return &logger
}

// NewSlog wraps New in an slog.Logger, the type the engine options take.
func NewSlog() *slog.Logger {
	return slog.New(Handler(New()))
}

// Handler adapts a zerolog logger into an slog.Handler.
func Handler(zl *zerolog.Logger) slog.Handler {
	return &zerologHandler{zl: zl}
}

type zerologHandler struct {
	zl    *zerolog.Logger
	attrs []slog.Attr
	group string
}

func (h *zerologHandler) Enabled(_ context.Context, level slog.Level) bool {
	return levelOf(level) >= h.zl.GetLevel()
}

func (h *zerologHandler) Handle(_ context.Context, rec slog.Record) error {
	ev := h.zl.WithLevel(levelOf(rec.Level))
	for _, a := range h.attrs {
		ev = appendAttr(ev, h.group, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		ev = appendAttr(ev, h.group, a)
		return true
	})
	ev.Msg(rec.Message)
	return nil
}

func (h *zerologHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &out
}

func (h *zerologHandler) WithGroup(name string) slog.Handler {
	out := *h
	if out.group != "" {
		out.group += "."
	}
	out.group += name
	return &out
}

func appendAttr(ev *zerolog.Event, group string, a slog.Attr) *zerolog.Event {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	return ev.Interface(key, a.Value.Any())
}

func levelOf(l slog.Level) zerolog.Level {
	switch {
	case l >= slog.LevelError:
		return zerolog.ErrorLevel
	case l >= slog.LevelWarn:
		return zerolog.WarnLevel
	case l >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
