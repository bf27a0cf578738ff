// Package hormone implements the digital-hormone state machine: three
// bounded control signals that decay toward rest each tick, react to events,
// and derive behavioral control parameters for an agent.
package hormone

// State is the three-axis hormone state plus the tick counter.
// All three scalars stay within [0, 1] after every mutation.
type State struct {
	Dopamine  float64 `json:"dopamine"`   // reward signal, volatile
	Cortisol  float64 `json:"cortisol"`   // stress signal, persistent
	Energy    float64 `json:"energy"`     // derived from the budget source, not persisted
	TickCount int     `json:"tick_count"` // persistent
}

const (
	restingDopamine = 0.5
	restingCortisol = 0.0

	dopamineDecayRate = 0.10
	cortisolDecayRate = 0.02
)

// defaultState is the state of a freshly started engine with no history.
func defaultState() State {
	return State{Dopamine: restingDopamine, Cortisol: restingCortisol, Energy: 1.0}
}

func (s *State) clamp() {
	s.Dopamine = clamp01(s.Dopamine)
	s.Cortisol = clamp01(s.Cortisol)
	s.Energy = clamp01(s.Energy)
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampDelta bounds an event delta to ±limit. Callers use ±0.3 for manual
// nudges and ±0.2 for sentiment feedback before triggering the engine.
func ClampDelta(delta, limit float64) float64 {
	return clamp(delta, -limit, limit)
}

// Label is a human-readable emotional label derived from the state.
type Label string

const (
	LabelDefensive Label = "defensive"
	LabelAnxious   Label = "anxious"
	LabelExcited   Label = "excited"
	LabelLethargic Label = "lethargic"
	LabelExhausted Label = "exhausted"
	LabelBalanced  Label = "balanced"
)

// LabelOf evaluates the label rules in fixed priority order; first match wins.
func LabelOf(s State) Label {
	switch {
	case s.Cortisol >= 0.8:
		return LabelDefensive
	case s.Cortisol >= 0.5:
		return LabelAnxious
	case s.Dopamine > 0.7:
		return LabelExcited
	case s.Dopamine < 0.3:
		return LabelLethargic
	case s.Energy < 0.2:
		return LabelExhausted
	default:
		return LabelBalanced
	}
}
