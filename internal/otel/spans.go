package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
var (
	AttrAgentID        = attribute.Key("smolclaw.agent.id")
	AttrAlarmID        = attribute.Key("smolclaw.alarm.id")
	AttrApprovalID     = attribute.Key("smolclaw.approval.id")
	AttrApprovalStatus = attribute.Key("smolclaw.approval.status")
	AttrPlatform       = attribute.Key("smolclaw.platform")
	AttrAction         = attribute.Key("smolclaw.action")
	AttrTickCount      = attribute.Key("smolclaw.hormone.tick")
	AttrLabel          = attribute.Key("smolclaw.hormone.label")
)

var noopTracer = nooptrace.NewTracerProvider().Tracer(TracerName)

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = noopTracer
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan starts an internal span: a tick, an alarm fire, an approval.
// A nil tracer yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan starts a span for an inbound HTTP or chat request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan starts a span for an outbound platform call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindClient, name, attrs)
}

// Fail records err on span and marks it as errored. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// FailMsg marks span as errored for an outcome that is not a Go error,
// such as a platform rejecting a post.
func FailMsg(span trace.Span, msg string) {
	span.SetStatus(codes.Error, msg)
}
