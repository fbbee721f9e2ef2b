package models

import (
	"fmt"
)

// Phase is one step of the elicitation sequence for a single participant pass.
type Phase int

// Phase constants in elicitation order.
const (
	// PhaseSceneEmotion asks for the participant's emotional reaction to the scenario.
	PhaseSceneEmotion Phase = iota
	// PhaseValue asks for the value or belief underneath the emotion.
	PhaseValue
	// PhaseBackground asks for the experience the value came from.
	PhaseBackground
	// PhaseVision asks how the participant wants to act in the future.
	PhaseVision
	// PhaseReflection is terminal for a pass: a synthesized reflection has been delivered.
	PhaseReflection
	// PhaseClosing marks a session that is being torn down.
	PhaseClosing
)

var phaseNames = [...]string{
	PhaseSceneEmotion: "scene_emotion",
	PhaseValue:        "value",
	PhaseBackground:   "background",
	PhaseVision:       "vision",
	PhaseReflection:   "reflection",
	PhaseClosing:      "closing",
}

// QuestionPhases lists the phases that collect an answer, in order.
var QuestionPhases = []Phase{PhaseSceneEmotion, PhaseValue, PhaseBackground, PhaseVision}

// Valid reports whether p is one of the declared phases.
func (p Phase) Valid() bool {
	return p >= PhaseSceneEmotion && p <= PhaseClosing
}

func (p Phase) String() string {
	if !p.Valid() {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// IsQuestion reports whether the participant is expected to answer while in p.
func (p Phase) IsQuestion() bool {
	return p >= PhaseSceneEmotion && p < PhaseReflection
}

// Next returns the phase that follows p. Reflection and closing have no successor.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhaseSceneEmotion:
		return PhaseValue, true
	case PhaseValue:
		return PhaseBackground, true
	case PhaseBackground:
		return PhaseVision, true
	case PhaseVision:
		return PhaseReflection, true
	default:
		return p, false
	}
}

// ParsePhase converts a phase name back into a Phase.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPhase, s)
}

// MarshalText implements encoding.TextMarshaler so phases serialize by name, including as map keys.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPhase, int(p))
	}
	return []byte(phaseNames[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
