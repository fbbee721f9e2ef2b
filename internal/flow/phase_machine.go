package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// PhaseMachine advances the active participant through scene_emotion, value, background, vision
// and reflection. It mutates the session it is given; callers hold the session lock.
type PhaseMachine struct {
	gen *BoundedGenerator
}

// NewPhaseMachine creates a phase machine using gen for questions and reflections.
func NewPhaseMachine(gen *BoundedGenerator) *PhaseMachine {
	if gen == nil {
		gen = NewBoundedGenerator(nil, 0)
	}
	return &PhaseMachine{gen: gen}
}

// Begin starts a pass on sc for the session's active participant. The prompt is the scenario text,
// offered with the scenario's own emotion options when it has at least two usable ones.
func (m *PhaseMachine) Begin(s *models.Session, sc models.Scenario) models.Step {
	s.Scenario = sc.Clone()
	s.Phase = models.PhaseSceneEmotion
	s.Answers = make(map[models.Phase]string)

	opts := SanitizeOptions(sc.EmotionOptions)
	if len(opts) < MinOptions {
		opts = FallbackPrompt(models.PhaseSceneEmotion).Options
	}
	s.Options = opts
	phaseAdvances.WithLabelValues(models.PhaseSceneEmotion.String()).Inc()
	slog.Debug("PhaseMachine.Begin: pass started", "conversationID", s.ConversationID, "scenarioID", sc.ID, "slot", s.Active)
	return models.Step{
		Phase:   models.PhaseSceneEmotion,
		Prompt:  sc.Text,
		Options: append([]string(nil), opts...),
	}
}

// Advance records answer for the current phase and moves to the next one. Entering reflection
// produces the synthesized reflection and marks the step PassComplete. Phases never skip or regress.
func (m *PhaseMachine) Advance(ctx context.Context, s *models.Session, answer string) (models.Step, error) {
	if !s.Phase.IsQuestion() {
		return models.Step{Phase: s.Phase}, ErrPassComplete
	}
	answer = ResolveAnswer(answer, s.Options)
	if strings.TrimSpace(answer) == "" {
		return models.Step{Phase: s.Phase}, ErrEmptyAnswer
	}

	current := s.Phase
	if s.Answers == nil {
		s.Answers = make(map[models.Phase]string)
	}
	s.Answers[current] = answer
	next, _ := current.Next()

	if next == models.PhaseReflection {
		text := m.gen.Reflection(ctx, s.AnswerContext())
		s.Phase = next
		s.Options = nil
		phaseAdvances.WithLabelValues(next.String()).Inc()
		slog.Debug("PhaseMachine.Advance: pass complete", "conversationID", s.ConversationID, "slot", s.Active)
		return models.Step{Phase: next, Prompt: text, PassComplete: true}, nil
	}

	prompt := m.gen.Prompt(ctx, next, s.AnswerContext())
	s.Phase = next
	s.Options = prompt.Options
	phaseAdvances.WithLabelValues(next.String()).Inc()
	slog.Debug("PhaseMachine.Advance: advanced", "conversationID", s.ConversationID, "from", current, "to", next)
	return models.Step{
		Phase:   next,
		Prompt:  prompt.Question,
		Options: append([]string(nil), prompt.Options...),
	}, nil
}
