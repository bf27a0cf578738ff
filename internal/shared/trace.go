package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

const DefaultAgentID = "default"

// scope is what a request or tick carries through the core for logs and
// the audit trail. Each With* call copies it, so parents are never changed.
type scope struct {
	traceID string
	agentID string
	actor   string
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func withScope(ctx context.Context, edit func(*scope)) context.Context {
	s := scopeFrom(ctx)
	edit(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// NewTraceID returns a fresh random trace id.
func NewTraceID() string {
	return uuid.NewString()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withScope(ctx, func(s *scope) { s.traceID = traceID })
}

// TraceID returns "-" when ctx carries none.
func TraceID(ctx context.Context) string {
	if id := scopeFrom(ctx).traceID; id != "" {
		return id
	}
	return "-"
}

func WithAgentID(ctx context.Context, agentID string) context.Context {
	return withScope(ctx, func(s *scope) { s.agentID = agentID })
}

func AgentID(ctx context.Context) string {
	return scopeFrom(ctx).agentID
}

// WithActor records who made a human decision: "api", "telegram:<user>".
func WithActor(ctx context.Context, actor string) context.Context {
	return withScope(ctx, func(s *scope) { s.actor = actor })
}

// Actor returns "unknown" when ctx carries none.
func Actor(ctx context.Context) string {
	if a := scopeFrom(ctx).actor; a != "" {
		return a
	}
	return "unknown"
}

// LogAttrs returns the scope fields set on ctx, for structured logging.
func LogAttrs(ctx context.Context) []slog.Attr {
	s := scopeFrom(ctx)
	var attrs []slog.Attr
	if s.traceID != "" {
		attrs = append(attrs, slog.String("trace_id", s.traceID))
	}
	if s.agentID != "" {
		attrs = append(attrs, slog.String("agent_id", s.agentID))
	}
	if s.actor != "" {
		attrs = append(attrs, slog.String("actor", s.actor))
	}
	return attrs
}
