package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// Option limits applied to generated content.
const (
	MinOptions      = 2
	MaxOptions      = 4
	MaxOptionLength = 60 // runes

	// DefaultGeneratorTimeout bounds a single generator call.
	DefaultGeneratorTimeout = 4 * time.Second
)

// PhaseGenerator produces questions and reflections. Implementations may be slow or fail;
// callers go through BoundedGenerator.
type PhaseGenerator interface {
	// GeneratePrompt returns the question and 2-4 options for entering phase.
	GeneratePrompt(ctx context.Context, phase models.Phase, ac models.AnswerContext) (models.PhasePrompt, error)
	// GenerateReflection returns a short paragraph summarizing the answers of a pass.
	GenerateReflection(ctx context.Context, ac models.AnswerContext) (string, error)
}

// fallbackPrompts holds the generic question and exactly three options for each question phase.
var fallbackPrompts = map[models.Phase]models.PhasePrompt{
	models.PhaseSceneEmotion: {
		Question: "How did you feel when you imagined this?",
		Options:  []string{"Glad or relieved", "Irritated or frustrated", "Uneasy or sad"},
	},
	models.PhaseValue: {
		Question: "What feels important to you behind that feeling?",
		Options:  []string{"Being treated fairly", "Feeling cared for", "Keeping things in order"},
	},
	models.PhaseBackground: {
		Question: "Where do you think that comes from?",
		Options:  []string{"How I was raised", "Something that happened to me", "Someone I look up to"},
	},
	models.PhaseVision: {
		Question: "How would you like to handle moments like this from now on?",
		Options:  []string{"Talk it through together", "Give each other more space", "Agree on a shared rule"},
	},
}

// FallbackPrompt returns the generic prompt for phase. The options slice is a fresh copy.
func FallbackPrompt(phase models.Phase) models.PhasePrompt {
	p, ok := fallbackPrompts[phase]
	if !ok {
		p = fallbackPrompts[models.PhaseVision]
	}
	return models.PhasePrompt{Question: p.Question, Options: append([]string(nil), p.Options...)}
}

// FallbackReflection assembles a reflection from the answer bag without calling a generator.
func FallbackReflection(ac models.AnswerContext) string {
	var b strings.Builder
	if ac.ParticipantName != "" {
		fmt.Fprintf(&b, "Thank you, %s. ", ac.ParticipantName)
	} else {
		b.WriteString("Thank you. ")
	}
	emotion := answerOr(ac, models.PhaseSceneEmotion, "something")
	value := answerOr(ac, models.PhaseValue, "what you care about")
	background := answerOr(ac, models.PhaseBackground, "your own experience")
	vision := answerOr(ac, models.PhaseVision, "keep talking it through")
	fmt.Fprintf(&b, "Picturing this scene, you felt %q, which shows how much %q matters to you. ", emotion, value)
	fmt.Fprintf(&b, "That seems to come from %q, and from here you would like to: %s.", background, vision)
	return b.String()
}

func answerOr(ac models.AnswerContext, phase models.Phase, def string) string {
	if a := strings.TrimSpace(ac.Answers[phase]); a != "" {
		return a
	}
	return def
}

// SanitizeOptions trims, drops blanks and duplicates, shortens overlong options and caps the list at MaxOptions.
func SanitizeOptions(opts []string) []string {
	seen := make(map[string]bool, len(opts))
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if utf8.RuneCountInString(o) > MaxOptionLength {
			o = strings.TrimSpace(string([]rune(o)[:MaxOptionLength]))
		}
		key := strings.ToLower(o)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, o)
		if len(out) == MaxOptions {
			break
		}
	}
	return out
}

// BoundedGenerator applies the timeout and fallback policy to a PhaseGenerator.
// Its methods never fail: any error, timeout or unusable output is replaced with fallback content.
type BoundedGenerator struct {
	gen     PhaseGenerator
	timeout time.Duration
}

// NewBoundedGenerator wraps gen. A nil gen always yields fallback content; a non-positive timeout
// uses DefaultGeneratorTimeout.
func NewBoundedGenerator(gen PhaseGenerator, timeout time.Duration) *BoundedGenerator {
	if timeout <= 0 {
		timeout = DefaultGeneratorTimeout
	}
	return &BoundedGenerator{gen: gen, timeout: timeout}
}

// Prompt returns the question and options for entering phase.
func (b *BoundedGenerator) Prompt(ctx context.Context, phase models.Phase, ac models.AnswerContext) models.PhasePrompt {
	fallback := FallbackPrompt(phase)
	if b.gen == nil {
		generatorFallbacks.WithLabelValues(phase.String(), "disabled").Inc()
		return fallback
	}

	start := time.Now()
	p, err := callBounded(ctx, b.timeout, func(ctx context.Context) (models.PhasePrompt, error) {
		return b.gen.GeneratePrompt(ctx, phase, ac)
	})
	generatorLatency.WithLabelValues("prompt").Observe(time.Since(start).Seconds())
	if err != nil {
		reason := fallbackReason(err)
		slog.Warn("BoundedGenerator.Prompt: generator failed, using fallback", "phase", phase, "reason", reason, "error", err)
		generatorFallbacks.WithLabelValues(phase.String(), reason).Inc()
		return fallback
	}

	opts := SanitizeOptions(p.Options)
	if len(opts) < MinOptions {
		slog.Warn("BoundedGenerator.Prompt: too few usable options, using fallback", "phase", phase, "options", len(opts))
		generatorFallbacks.WithLabelValues(phase.String(), "options").Inc()
		opts = fallback.Options
	}
	question := strings.TrimSpace(p.Question)
	if question == "" {
		generatorFallbacks.WithLabelValues(phase.String(), "question").Inc()
		question = fallback.Question
	}
	return models.PhasePrompt{Question: question, Options: opts}
}

// Reflection returns the synthesized reflection for a finished pass.
func (b *BoundedGenerator) Reflection(ctx context.Context, ac models.AnswerContext) string {
	phase := models.PhaseReflection.String()
	if b.gen == nil {
		generatorFallbacks.WithLabelValues(phase, "disabled").Inc()
		return FallbackReflection(ac)
	}

	start := time.Now()
	text, err := callBounded(ctx, b.timeout, func(ctx context.Context) (string, error) {
		return b.gen.GenerateReflection(ctx, ac)
	})
	generatorLatency.WithLabelValues("reflection").Observe(time.Since(start).Seconds())
	if err != nil {
		reason := fallbackReason(err)
		slog.Warn("BoundedGenerator.Reflection: generator failed, using fallback", "reason", reason, "error", err)
		generatorFallbacks.WithLabelValues(phase, reason).Inc()
		return FallbackReflection(ac)
	}
	if text = strings.TrimSpace(text); text == "" {
		generatorFallbacks.WithLabelValues(phase, "empty").Inc()
		return FallbackReflection(ac)
	}
	return text
}

// callBounded runs fn under a deadline. When the deadline fires first, fn's context is cancelled and
// the result channel, being buffered, lets its goroutine exit without a reader.
func callBounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
