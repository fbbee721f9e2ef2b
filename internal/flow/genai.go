// filepath: internal/flow/genai.go
package flow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// Completer sends one system + user exchange to a language model. *genai.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ErrUnparsableCompletion is returned when a completion has no recognizable question or options.
var ErrUnparsableCompletion = errors.New("completion could not be parsed")

const promptSystemMessage = `You help two people who share a home understand each other's values.
You are guiding ONE of them through a short reflection about an everyday scene.
Reply in exactly this format and nothing else:
QUESTION: <one short, warm question>
1. <option>
2. <option>
3. <option>
Give between 2 and 4 options. Each option is a short phrase of at most 8 words, written as the participant would say it.`

const reflectionSystemMessage = `You help two people who share a home understand each other's values.
Summarize one person's reflection in 2 or 3 gentle sentences, addressed to them.
Mention the feeling, the value behind it, where it came from and what they want going forward.
Do not ask questions. Do not use lists.`

// phaseInstructions describes what the options for each phase should represent.
var phaseInstructions = map[models.Phase]string{
	models.PhaseSceneEmotion: "Ask how they felt about the scene. Options are plausible emotional reactions.",
	models.PhaseValue:        "Ask what value or belief lies behind their feeling. Options are plausible underlying values.",
	models.PhaseBackground:   "Ask where that value comes from. Options are plausible formative experiences.",
	models.PhaseVision:       "Ask how they would like to act or relate to each other in similar moments. Options are desired future behaviors.",
}

// GenAIGenerator implements PhaseGenerator with a chat completion model.
type GenAIGenerator struct {
	Client Completer
}

// GeneratePrompt asks the model for the next question and its options.
func (g *GenAIGenerator) GeneratePrompt(ctx context.Context, phase models.Phase, ac models.AnswerContext) (models.PhasePrompt, error) {
	instruction, ok := phaseInstructions[phase]
	if !ok {
		return models.PhasePrompt{}, fmt.Errorf("no prompt for phase %s", phase)
	}
	user := describeContext(ac) + "\nTask: " + instruction
	out, err := g.Client.Complete(ctx, promptSystemMessage, user)
	if err != nil {
		return models.PhasePrompt{}, err
	}
	return ParsePhasePrompt(out)
}

// GenerateReflection asks the model to summarize the pass.
func (g *GenAIGenerator) GenerateReflection(ctx context.Context, ac models.AnswerContext) (string, error) {
	return g.Client.Complete(ctx, reflectionSystemMessage, describeContext(ac))
}

func describeContext(ac models.AnswerContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scene: %s\n", ac.ScenarioText)
	if ac.ParticipantName != "" {
		fmt.Fprintf(&b, "Participant: %s\n", ac.ParticipantName)
	}
	labels := map[models.Phase]string{
		models.PhaseSceneEmotion: "Feeling",
		models.PhaseValue:        "Value",
		models.PhaseBackground:   "Background",
		models.PhaseVision:       "Wish for the future",
	}
	for _, phase := range models.QuestionPhases {
		if a, ok := ac.Answers[phase]; ok && a != "" {
			fmt.Fprintf(&b, "%s: %s\n", labels[phase], a)
		}
	}
	return b.String()
}

var (
	questionLine = regexp.MustCompile(`(?i)^\s*question\s*[:：]\s*(.+)$`)
	optionLine   = regexp.MustCompile(`^\s*(?:\d+[.)、．]|[-*・])\s*(.+)$`)
)

// ParsePhasePrompt extracts a question and options from "QUESTION: ..." followed by numbered lines.
// Option validation is left to BoundedGenerator.
func ParsePhasePrompt(text string) (models.PhasePrompt, error) {
	var p models.PhasePrompt
	for _, line := range strings.Split(text, "\n") {
		if m := questionLine.FindStringSubmatch(line); m != nil {
			p.Question = strings.TrimSpace(m[1])
			continue
		}
		if m := optionLine.FindStringSubmatch(line); m != nil {
			p.Options = append(p.Options, strings.Trim(strings.TrimSpace(m[1]), `"「」`))
		}
	}
	if p.Question == "" && len(p.Options) == 0 {
		return p, ErrUnparsableCompletion
	}
	return p, nil
}
