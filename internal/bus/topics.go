package bus

import "time"

// Approval topics. Every status change of an approval record is published
// under the "approval." prefix.
const (
	TopicApprovalPending    = "approval.pending"
	TopicApprovalTransition = "approval.transition"
)

// Alarm topics.
const (
	TopicAlarmFired   = "alarm.fired"
	TopicAlarmChanged = "alarm.changed"
)

// Hormone topics.
const (
	TopicHormoneTick    = "hormone.tick"
	TopicHormoneChanged = "hormone.changed"
)

// ApprovalEvent is published when an approval record is created or changes
// status.
type ApprovalEvent struct {
	ApprovalID string `json:"approval_id"`
	Platform   string `json:"platform"`
	Action     string `json:"action"`
	OldStatus  string `json:"old_status,omitempty"`
	NewStatus  string `json:"new_status"`
	PostID     string `json:"post_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// AlarmFiredEvent is published after an alarm has fired and been marked run.
type AlarmFiredEvent struct {
	AgentID   string    `json:"agent_id"`
	AlarmID   string    `json:"alarm_id"`
	Prompt    string    `json:"prompt"`
	ChannelID string    `json:"channel_id"`
	FiredAt   time.Time `json:"fired_at"`
	Error     string    `json:"error,omitempty"`
}

// AlarmChangedEvent is published when an alarm is added, removed or toggled.
type AlarmChangedEvent struct {
	AgentID string `json:"agent_id"`
	AlarmID string `json:"alarm_id"`
	Change  string `json:"change"` // "added", "removed", "enabled", "disabled"
}

// HormoneEvent carries an agent's affect state after a tick or a trigger.
type HormoneEvent struct {
	AgentID   string  `json:"agent_id"`
	Dopamine  float64 `json:"dopamine"`
	Cortisol  float64 `json:"cortisol"`
	Energy    float64 `json:"energy"`
	TickCount int     `json:"tick_count"`
	Label     string  `json:"label"`
	Reason    string  `json:"reason,omitempty"`
}
