// Package control binds one agent's hormone engine and alarm scheduler
// behind a single facade, and keeps the explicit registry of agents the
// process serves.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/smolclaw/internal/alarm"
	"github.com/basket/smolclaw/internal/audit"
	"github.com/basket/smolclaw/internal/bus"
	"github.com/basket/smolclaw/internal/hormone"
	otelPkg "github.com/basket/smolclaw/internal/otel"
	"github.com/basket/smolclaw/internal/shared"
)

// Feedback bounds.
const (
	PostOutcomeDelta = 0.1
	MaxSentiment     = 0.2
	MaxNudge         = 0.3
)

// Firer carries out a due alarm, typically by handing its prompt to the
// agent's executor or chat channel.
type Firer interface {
	FireAlarm(ctx context.Context, agentID string, e alarm.Entry) error
}

// FirerFunc adapts a function to Firer.
type FirerFunc func(ctx context.Context, agentID string, e alarm.Entry) error

// FireAlarm calls f.
func (f FirerFunc) FireAlarm(ctx context.Context, agentID string, e alarm.Entry) error {
	return f(ctx, agentID, e)
}

// AgentConfig describes one agent.
type AgentConfig struct {
	AgentID     string
	DisplayName string
	// Timezone is the default for alarms added without one.
	Timezone string
}

// Deps are the collaborators shared by every agent in a registry.
type Deps struct {
	// StateDir holds hormones_<agent>.json and alarms_<agent>.json. Empty
	// keeps state in memory.
	StateDir     string
	Budget       hormone.BudgetSource
	ModelAliases map[hormone.ModelTier]string
	Firer        Firer

	Bus     *bus.Bus
	Audit   *audit.Log
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Agent is the control facade for one agent.
type Agent struct {
	id          string
	displayName string
	timezone    string

	hormones *hormone.Engine
	alarms   *alarm.Scheduler
	tickMu   sync.Mutex // one Tick at a time, so a due alarm fires once

	firer   Firer
	bus     *bus.Bus
	audit   *audit.Log
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAgent builds the facade and loads the agent's persisted state.
func NewAgent(cfg AgentConfig, deps Deps) *Agent {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	id := cfg.AgentID
	if id == "" {
		id = shared.DefaultAgentID
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = alarm.DefaultTimezone
	}
	logger = logger.With("agent_id", id)

	var statePath string
	if deps.StateDir != "" {
		statePath = filepath.Join(deps.StateDir, fmt.Sprintf("hormones_%s.json", shared.SafeFileComponent(id)))
	}

	return &Agent{
		id:          id,
		displayName: cfg.DisplayName,
		timezone:    tz,
		hormones: hormone.NewEngine(hormone.Config{
			StatePath:    statePath,
			Budget:       deps.Budget,
			ModelAliases: deps.ModelAliases,
			Logger:       logger,
		}),
		alarms: alarm.NewScheduler(alarm.Config{
			AgentID: id,
			Dir:     deps.StateDir,
			Logger:  logger,
			Now:     now,
		}),
		firer:   deps.Firer,
		bus:     deps.Bus,
		audit:   deps.Audit,
		tracer:  deps.Tracer,
		metrics: deps.Metrics,
		logger:  logger,
		now:     now,
	}
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// DisplayName returns the configured display name, or the id.
func (a *Agent) DisplayName() string {
	if a.displayName == "" {
		return a.id
	}
	return a.displayName
}

// Timezone returns the default alarm timezone.
func (a *Agent) Timezone() string { return a.timezone }

// Hormones exposes the underlying engine.
func (a *Agent) Hormones() *hormone.Engine { return a.hormones }

// Alarms exposes the underlying scheduler.
func (a *Agent) Alarms() *alarm.Scheduler { return a.alarms }

// TickResult reports what one control tick did.
type TickResult struct {
	AgentID string                `json:"agent_id"`
	State   hormone.State         `json:"state"`
	Params  hormone.ControlParams `json:"params"`
	// AlarmsChecked is false when the posting multiplier skipped this tick.
	AlarmsChecked bool          `json:"alarms_checked"`
	Fired         []alarm.Entry `json:"fired,omitempty"`
	FireErrors    int           `json:"fire_errors,omitempty"`
}

// Tick runs one control step: decay first, then the due-alarm pass using
// the parameters derived from the decayed state. Every fired alarm is
// marked run whatever the fire outcome. Overlapping calls run one after
// the other.
func (a *Agent) Tick(ctx context.Context) TickResult {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	ctx = shared.WithAgentID(ctx, a.id)
	ctx, span := otelPkg.StartSpan(ctx, a.tracer, "control.tick", otelPkg.AttrAgentID.String(a.id))
	defer span.End()

	if a.hormones.ReloadIfStale() {
		a.logger.Info("control: hormone state reloaded from disk")
	}
	state, params := a.hormones.Tick()
	if err := a.hormones.Save(); err != nil {
		a.logger.Error("control: hormone save failed", "error", err)
	}
	label := hormone.LabelOf(state)
	span.SetAttributes(otelPkg.AttrTickCount.Int(state.TickCount), otelPkg.AttrLabel.String(string(label)))
	a.metrics.Tick(ctx, a.id)
	a.publishHormones(state, "tick")

	res := TickResult{AgentID: a.id, State: state, Params: params}
	if !alarmsDue(state.TickCount, params.PostingFrequencyMultiplier) {
		a.logger.Debug("control: alarm pass skipped", "tick", state.TickCount, "multiplier", params.PostingFrequencyMultiplier)
		return res
	}
	res.AlarmsChecked = true

	now := a.now().UTC()
	for _, e := range a.alarms.DueAlarms(now) {
		err := a.fire(ctx, e)
		if mErr := a.alarms.MarkRun(e.ID, now); mErr != nil {
			a.logger.Error("control: mark run failed", "alarm_id", e.ID, "error", mErr)
		}
		ev := bus.AlarmFiredEvent{AgentID: a.id, AlarmID: e.ID, Prompt: e.Prompt, ChannelID: e.ChannelID, FiredAt: now}
		if err != nil {
			res.FireErrors++
			ev.Error = err.Error()
			a.logger.Warn("control: alarm fire failed", "alarm_id", e.ID, "error", err)
		} else {
			a.logger.Info("control: alarm fired", "alarm_id", e.ID, "schedule", e.Schedule().String())
		}
		a.metrics.AlarmFired(ctx, a.id, err != nil)
		a.bus.Publish(bus.TopicAlarmFired, ev)
		res.Fired = append(res.Fired, e)
	}
	return res
}

func (a *Agent) fire(ctx context.Context, e alarm.Entry) (err error) {
	if a.firer == nil {
		return nil
	}
	ctx, span := otelPkg.StartSpan(ctx, a.tracer, "alarm.fire",
		otelPkg.AttrAgentID.String(a.id),
		otelPkg.AttrAlarmID.String(e.ID),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alarm firer panicked: %v", r)
		}
		otelPkg.Fail(span, err)
	}()
	return a.firer.FireAlarm(ctx, a.id, e)
}

// alarmsDue applies the posting multiplier to the alarm pass: with a
// multiplier m below 1, alarms are checked on every round(1/m)th tick.
func alarmsDue(tickCount int, multiplier float64) bool {
	if multiplier >= 1 {
		return true
	}
	if multiplier <= 0 {
		return false
	}
	every := int(math.Round(1 / multiplier))
	if every <= 1 {
		return true
	}
	return tickCount%every == 0
}

// AddAlarm registers an alarm. An empty tz uses the agent's timezone.
func (a *Agent) AddAlarm(ctx context.Context, schedule, prompt, channelID, createdBy, tz string) (alarm.Entry, error) {
	if tz == "" {
		tz = a.timezone
	}
	e, err := a.alarms.AddAlarm(schedule, prompt, channelID, createdBy, tz)
	if err != nil {
		a.audit.Record(ctx, "alarm.add", a.id, audit.OutcomeRefused, err.Error())
		return alarm.Entry{}, err
	}
	a.audit.Record(ctx, "alarm.add", a.id+"/"+e.ID, audit.OutcomeOK, e.Schedule().String())
	a.bus.Publish(bus.TopicAlarmChanged, bus.AlarmChangedEvent{AgentID: a.id, AlarmID: e.ID, Change: "added"})
	return e, nil
}

// RemoveAlarm deletes an alarm and reports whether it existed.
func (a *Agent) RemoveAlarm(ctx context.Context, id string) (bool, error) {
	ok, err := a.alarms.RemoveAlarm(id)
	if err != nil {
		return false, err
	}
	if !ok {
		a.audit.Record(ctx, "alarm.remove", a.id+"/"+id, audit.OutcomeRefused, "not found")
		return false, nil
	}
	a.audit.Record(ctx, "alarm.remove", a.id+"/"+id, audit.OutcomeOK, "")
	a.bus.Publish(bus.TopicAlarmChanged, bus.AlarmChangedEvent{AgentID: a.id, AlarmID: id, Change: "removed"})
	return true, nil
}

// SetAlarmEnabled pauses or resumes an alarm.
func (a *Agent) SetAlarmEnabled(ctx context.Context, id string, enabled bool) error {
	if err := a.alarms.SetEnabled(id, enabled); err != nil {
		return err
	}
	change := "disabled"
	if enabled {
		change = "enabled"
	}
	a.audit.Record(ctx, "alarm."+change, a.id+"/"+id, audit.OutcomeOK, "")
	a.bus.Publish(bus.TopicAlarmChanged, bus.AlarmChangedEvent{AgentID: a.id, AlarmID: id, Change: change})
	return nil
}

// ListAlarms returns the agent's alarms ordered by creation time.
func (a *Agent) ListAlarms() []alarm.Entry {
	return a.alarms.ListAlarms()
}

// Status returns the display snapshot of the agent's affect state.
func (a *Agent) Status() hormone.Status {
	return a.hormones.StatusSnapshot()
}

// ControlParams returns the parameters derived from the current state.
func (a *Agent) ControlParams() hormone.ControlParams {
	return a.hormones.ControlParams()
}

// OnPostOutcome rewards a successful post with dopamine and stresses a
// failed one with cortisol.
func (a *Agent) OnPostOutcome(ctx context.Context, success bool) {
	reason := "post_failed"
	if success {
		a.hormones.TriggerDopamine(PostOutcomeDelta)
		reason = "post_succeeded"
	} else {
		a.hormones.TriggerCortisol(PostOutcomeDelta)
	}
	a.persist(reason)
}

// ApplySentiment feeds an audience sentiment score back. The score is
// clamped to ±MaxSentiment; positive scores raise dopamine and negative
// scores raise cortisol.
func (a *Agent) ApplySentiment(ctx context.Context, score float64) float64 {
	applied := hormone.ClampDelta(score, MaxSentiment)
	switch {
	case applied > 0:
		a.hormones.TriggerDopamine(applied)
	case applied < 0:
		a.hormones.TriggerCortisol(-applied)
	default:
		return 0
	}
	a.persist("sentiment")
	return applied
}

// NudgeResult reports the deltas a manual nudge actually applied.
type NudgeResult struct {
	DopamineDelta float64        `json:"dopamine_delta"`
	CortisolDelta float64        `json:"cortisol_delta"`
	Status        hormone.Status `json:"status"`
}

// Nudge applies operator deltas, each clamped to ±MaxNudge, and saves
// immediately.
func (a *Agent) Nudge(ctx context.Context, dopamine, cortisol float64) (NudgeResult, error) {
	dd := hormone.ClampDelta(dopamine, MaxNudge)
	dc := hormone.ClampDelta(cortisol, MaxNudge)
	a.hormones.TriggerDopamine(dd)
	a.hormones.TriggerCortisol(dc)
	if err := a.hormones.Save(); err != nil {
		a.audit.Record(ctx, "hormone.nudge", a.id, audit.OutcomeRefused, err.Error())
		return NudgeResult{}, err
	}
	a.audit.Record(ctx, "hormone.nudge", a.id, audit.OutcomeOK, fmt.Sprintf("dopamine=%+.2f cortisol=%+.2f", dd, dc))
	a.publishHormones(a.hormones.State(), "nudge")
	return NudgeResult{DopamineDelta: dd, CortisolDelta: dc, Status: a.Status()}, nil
}

func (a *Agent) persist(reason string) {
	if err := a.hormones.Save(); err != nil {
		a.logger.Error("control: hormone save failed", "reason", reason, "error", err)
	}
	a.publishHormones(a.hormones.State(), reason)
}

func (a *Agent) publishHormones(s hormone.State, reason string) {
	topic := bus.TopicHormoneChanged
	if reason == "tick" {
		topic = bus.TopicHormoneTick
	}
	a.bus.Publish(topic, bus.HormoneEvent{
		AgentID:   a.id,
		Dopamine:  s.Dopamine,
		Cortisol:  s.Cortisol,
		Energy:    s.Energy,
		TickCount: s.TickCount,
		Label:     string(hormone.LabelOf(s)),
		Reason:    reason,
	})
}
