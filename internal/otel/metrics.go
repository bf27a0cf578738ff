package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the control core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ControlTicks         metric.Int64Counter
	AlarmFires           metric.Int64Counter
	ApprovalTransitions  metric.Int64Counter
	PendingApprovals     metric.Int64UpDownCounter
	PlatformCallDuration metric.Float64Histogram
	NotifyFailures       metric.Int64Counter
	RequestDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ControlTicks, err = meter.Int64Counter("smolclaw.control.ticks",
		metric.WithDescription("Control ticks executed per agent"),
	)
	if err != nil {
		return nil, err
	}

	m.AlarmFires, err = meter.Int64Counter("smolclaw.alarm.fires",
		metric.WithDescription("Alarms fired"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalTransitions, err = meter.Int64Counter("smolclaw.approval.transitions",
		metric.WithDescription("Approval status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingApprovals, err = meter.Int64UpDownCounter("smolclaw.approval.pending",
		metric.WithDescription("Approval records waiting for a decision"),
	)
	if err != nil {
		return nil, err
	}

	m.PlatformCallDuration, err = meter.Float64Histogram("smolclaw.platform.duration",
		metric.WithDescription("Platform post/reply call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyFailures, err = meter.Int64Counter("smolclaw.notify.failures",
		metric.WithDescription("Best-effort notifications that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("smolclaw.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Tick counts one control tick for agentID.
func (m *Metrics) Tick(ctx context.Context, agentID string) {
	if m == nil {
		return
	}
	m.ControlTicks.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(agentID)))
}

// AlarmFired counts one alarm fire.
func (m *Metrics) AlarmFired(ctx context.Context, agentID string, failed bool) {
	if m == nil {
		return
	}
	m.AlarmFires.Add(ctx, 1, metric.WithAttributes(
		AttrAgentID.String(agentID),
		attribute.Bool("failed", failed),
	))
}

// Transition counts one approval transition and keeps the pending gauge
// in step with records entering and leaving pending.
func (m *Metrics) Transition(ctx context.Context, platform, from, to string) {
	if m == nil {
		return
	}
	m.ApprovalTransitions.Add(ctx, 1, metric.WithAttributes(
		AttrPlatform.String(platform),
		AttrApprovalStatus.String(to),
	))
	switch {
	case from == "" && to == "pending":
		m.PendingApprovals.Add(ctx, 1)
	case from == "pending":
		m.PendingApprovals.Add(ctx, -1)
	}
}

// PlatformCall records the duration of one platform call.
func (m *Metrics) PlatformCall(ctx context.Context, platform, action string, seconds float64, ok bool) {
	if m == nil {
		return
	}
	m.PlatformCallDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrPlatform.String(platform),
		AttrAction.String(action),
		attribute.Bool("success", ok),
	))
}

// NotifyFailed counts one failed notification.
func (m *Metrics) NotifyFailed(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.NotifyFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// Request records one gateway request.
func (m *Metrics) Request(ctx context.Context, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
