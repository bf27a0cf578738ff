package hormone

import "fmt"

// ModelTier selects which model class the LLM collaborator should use.
type ModelTier string

const (
	TierCheap    ModelTier = "cheap"
	TierStandard ModelTier = "standard"
)

// CreativityMode is the coarse creativity setting behind CreativityInstruction.
type CreativityMode string

const (
	CreativityCautious CreativityMode = "cautious"
	CreativityCreative CreativityMode = "creative"
	CreativityBalanced CreativityMode = "balanced"
)

// ResponseLength bounds how long generated responses should be.
type ResponseLength string

const (
	LengthShort   ResponseLength = "short"
	LengthNormal  ResponseLength = "normal"
	LengthVerbose ResponseLength = "verbose"
)

var creativityInstructions = map[CreativityMode]string{
	CreativityCautious: "Be extremely cautious and precise. Avoid risky suggestions. Stick to proven approaches.",
	CreativityCreative: "Be creative and experimental. Try novel approaches and bold suggestions.",
	CreativityBalanced: "Balance creativity with reliability. Suggest practical improvements.",
}

// ControlParams are the behavioral parameters derived from a State.
type ControlParams struct {
	Model                      ModelTier      `json:"model"`
	Creativity                 CreativityMode `json:"creativity"`
	CreativityInstruction      string         `json:"creativity_instruction"`
	PersonaModifier            string         `json:"persona_modifier"`
	PostingFrequencyMultiplier float64        `json:"posting_frequency_multiplier"`
	MaxResponseLength          ResponseLength `json:"max_response_length"`
}

// DeriveControlParams is a pure function of the state.
func DeriveControlParams(s State) ControlParams {
	var p ControlParams

	if s.Energy < 0.2 {
		p.Model = TierCheap
	} else {
		p.Model = TierStandard
	}

	switch {
	case s.Cortisol >= 0.8:
		p.Creativity = CreativityCautious
	case s.Dopamine > 0.7:
		p.Creativity = CreativityCreative
	default:
		p.Creativity = CreativityBalanced
	}
	p.CreativityInstruction = creativityInstructions[p.Creativity]

	switch {
	case s.Cortisol >= 0.7:
		p.PostingFrequencyMultiplier = 0.25
	case s.Dopamine > 0.7:
		p.PostingFrequencyMultiplier = 1.5
	default:
		p.PostingFrequencyMultiplier = 1.0
	}

	switch {
	case s.Energy < 0.3:
		p.MaxResponseLength = LengthShort
	case s.Dopamine > 0.7:
		p.MaxResponseLength = LengthVerbose
	default:
		p.MaxResponseLength = LengthNormal
	}

	// Consumed verbatim by the prompt builder.
	p.PersonaModifier = fmt.Sprintf("[Current Emotional State: %s] Dopamine=%.2f Cortisol=%.2f Energy=%.2f. %s",
		LabelOf(s), s.Dopamine, s.Cortisol, s.Energy, p.CreativityInstruction)

	return p
}
