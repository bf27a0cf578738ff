// Package telemetry builds the process logger: JSON lines to
// logs/system.jsonl, optionally mirrored to stdout as text, with secrets
// redacted and trace scope taken from the context.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/smolclaw/internal/shared"
)

// Logging owns the log file and the level shared by every handler.
type Logging struct {
	Logger *slog.Logger
	level  *slog.LevelVar
	file   *os.File
}

// NewLogger opens logs/system.jsonl under homeDir. Unless quiet, records
// are also printed to stdout in slog's text format.
func NewLogger(homeDir, level string, quiet bool) (*Logging, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: lv, ReplaceAttr: scrub}

	handlers := []slog.Handler{slog.NewJSONHandler(file, opts)}
	if !quiet {
		handlers = append(handlers, slog.NewTextHandler(os.Stdout, opts))
	}
	logger := slog.New(scopeHandler{next: fanout(handlers)}).With("component", "smolclaw")
	return &Logging{Logger: logger, level: lv, file: file}, nil
}

// SetLevel changes the level of every logger derived from l.Logger.
func (l *Logging) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

func (l *Logging) Level() slog.Level { return l.level.Level() }

func (l *Logging) Close() error {
	return l.file.Close()
}

// scopeHandler stamps every record with the trace scope carried by the
// context passed to the *Context logging methods.
type scopeHandler struct {
	next slog.Handler
}

func (h scopeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h scopeHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := shared.LogAttrs(ctx)
	if len(attrs) == 0 || attrs[0].Key != "trace_id" {
		r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	}
	r.AddAttrs(attrs...)
	return h.next.Handle(ctx, r)
}

func (h scopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return scopeHandler{next: h.next.WithAttrs(attrs)}
}

func (h scopeHandler) WithGroup(name string) slog.Handler {
	return scopeHandler{next: h.next.WithGroup(name)}
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

var sensitiveKeys = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "webhook"}

// scrub renames the time key and masks secret-looking attributes.
func scrub(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	lower := strings.ToLower(a.Key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if l := strings.ToLower(v); strings.Contains(l, "authorization:") || strings.Contains(l, "bearer ") {
		return slog.String(a.Key, "[REDACTED]")
	}
	if redacted := shared.Redact(v); redacted != v {
		return slog.String(a.Key, redacted)
	}
	return a
}

// ParseLevel maps a config string to a slog level; unknown values are info.
func ParseLevel(level string) slog.Level {
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
