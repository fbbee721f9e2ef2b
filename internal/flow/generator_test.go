package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/testutil"
)

func TestBoundedGenerator_Prompt(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(g *testutil.ScriptedGenerator)
		wantFallback bool
	}{
		{
			name:  "generated options are used",
			setup: func(g *testutil.ScriptedGenerator) {},
		},
		{
			name:         "generator error",
			setup:        func(g *testutil.ScriptedGenerator) { g.Err = errors.New("upstream 500") },
			wantFallback: true,
		},
		{
			name: "single usable option",
			setup: func(g *testutil.ScriptedGenerator) {
				g.Prompts[models.PhaseValue] = models.PhasePrompt{Question: "q", Options: []string{"same", " same ", ""}}
			},
			wantFallback: true,
		},
		{
			name:         "slow generator",
			setup:        func(g *testutil.ScriptedGenerator) { g.Delay = 2 * time.Second },
			wantFallback: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := testutil.NewScriptedGenerator()
			tt.setup(gen)
			b := NewBoundedGenerator(gen, 50*time.Millisecond)

			start := time.Now()
			p := b.Prompt(context.Background(), models.PhaseValue, models.AnswerContext{ScenarioText: "scene"})
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Fatalf("Prompt blocked for %v", elapsed)
			}

			if tt.wantFallback {
				if len(p.Options) != 3 {
					t.Fatalf("fallback must have exactly 3 options, got %v", p.Options)
				}
				if p.Options[0] != FallbackPrompt(models.PhaseValue).Options[0] {
					t.Errorf("expected value fallback options, got %v", p.Options)
				}
				return
			}
			if p.Question != "generated value question" || len(p.Options) != 3 || p.Options[1] != "value two" {
				t.Errorf("unexpected prompt %+v", p)
			}
		})
	}
}

func TestBoundedGenerator_BlankQuestionKeepsOptions(t *testing.T) {
	gen := testutil.NewScriptedGenerator()
	gen.Prompts[models.PhaseVision] = models.PhasePrompt{Question: "  ", Options: []string{"a", "b"}}
	p := NewBoundedGenerator(gen, time.Second).Prompt(context.Background(), models.PhaseVision, models.AnswerContext{})
	if p.Question != FallbackPrompt(models.PhaseVision).Question {
		t.Errorf("question = %q", p.Question)
	}
	if len(p.Options) != 2 || p.Options[0] != "a" {
		t.Errorf("options = %v", p.Options)
	}
}

func TestBoundedGenerator_NilGenerator(t *testing.T) {
	b := NewBoundedGenerator(nil, 0)
	for _, phase := range models.QuestionPhases {
		if p := b.Prompt(context.Background(), phase, models.AnswerContext{}); len(p.Options) != 3 || p.Question == "" {
			t.Errorf("%s: fallback prompt = %+v", phase, p)
		}
	}
	ac := models.AnswerContext{ParticipantName: "Ann", Answers: map[models.Phase]string{models.PhaseValue: "honesty"}}
	if r := b.Reflection(context.Background(), ac); !strings.Contains(r, "honesty") || !strings.Contains(r, "Ann") {
		t.Errorf("fallback reflection = %q", r)
	}
}

func TestBoundedGenerator_Reflection(t *testing.T) {
	gen := testutil.NewScriptedGenerator()
	b := NewBoundedGenerator(gen, 50*time.Millisecond)
	if r := b.Reflection(context.Background(), models.AnswerContext{}); r != "generated reflection" {
		t.Errorf("reflection = %q", r)
	}

	gen.Delay = time.Second
	ac := models.AnswerContext{Answers: map[models.Phase]string{models.PhaseVision: "cook together"}}
	if r := b.Reflection(context.Background(), ac); !strings.Contains(r, "cook together") {
		t.Errorf("timeout should produce the templated reflection, got %q", r)
	}

	gen.Delay = 0
	gen.Reflection = "   "
	if r := b.Reflection(context.Background(), ac); !strings.Contains(r, "cook together") {
		t.Errorf("blank reflection should fall back, got %q", r)
	}
}

func TestSanitizeOptions(t *testing.T) {
	long := strings.Repeat("あ", MaxOptionLength+10)
	got := SanitizeOptions([]string{" a ", "A", "", "b", long, "c", "d", "e"})
	if len(got) != MaxOptions {
		t.Fatalf("len = %d, want %d: %v", len(got), MaxOptions, got)
	}
	if got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected order/dedupe: %v", got)
	}
	if n := len([]rune(got[2])); n != MaxOptionLength {
		t.Errorf("long option not truncated: %d runes", n)
	}
}

func TestFallbackPromptIsCopy(t *testing.T) {
	p := FallbackPrompt(models.PhaseBackground)
	p.Options[0] = "mutated"
	if FallbackPrompt(models.PhaseBackground).Options[0] == "mutated" {
		t.Error("FallbackPrompt leaked shared state")
	}
}

func TestParsePhasePrompt(t *testing.T) {
	out := "QUESTION: What matters most to you here?\n1. Fairness\n2) Being heard\n- \"Rest\"\n\nnoise line"
	p, err := ParsePhasePrompt(out)
	if err != nil {
		t.Fatalf("ParsePhasePrompt: %v", err)
	}
	if p.Question != "What matters most to you here?" {
		t.Errorf("question = %q", p.Question)
	}
	want := []string{"Fairness", "Being heard", "Rest"}
	if len(p.Options) != len(want) {
		t.Fatalf("options = %v", p.Options)
	}
	for i := range want {
		if p.Options[i] != want[i] {
			t.Errorf("option %d = %q, want %q", i, p.Options[i], want[i])
		}
	}

	if _, err := ParsePhasePrompt("I cannot help with that."); !errors.Is(err, ErrUnparsableCompletion) {
		t.Errorf("expected ErrUnparsableCompletion, got %v", err)
	}
}

type fakeCompleter struct {
	out    string
	err    error
	system string
	user   string
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.system, f.user = systemPrompt, userPrompt
	return f.out, f.err
}

func TestGenAIGenerator(t *testing.T) {
	c := &fakeCompleter{out: "QUESTION: Where does that come from?\n1. Family\n2. School"}
	g := &GenAIGenerator{Client: c}
	ac := models.AnswerContext{
		ScenarioText: "dishes in the sink",
		Answers:      map[models.Phase]string{models.PhaseSceneEmotion: "annoyed", models.PhaseValue: "tidiness"},
	}
	p, err := g.GeneratePrompt(context.Background(), models.PhaseBackground, ac)
	if err != nil {
		t.Fatalf("GeneratePrompt: %v", err)
	}
	if len(p.Options) != 2 || p.Options[0] != "Family" {
		t.Errorf("prompt = %+v", p)
	}
	for _, want := range []string{"dishes in the sink", "annoyed", "tidiness"} {
		if !strings.Contains(c.user, want) {
			t.Errorf("user prompt missing %q: %s", want, c.user)
		}
	}

	if _, err := g.GeneratePrompt(context.Background(), models.PhaseReflection, ac); err == nil {
		t.Error("expected an error for a non-question phase")
	}

	c.out = "You value tidiness."
	if r, err := g.GenerateReflection(context.Background(), ac); err != nil || r != "You value tidiness." {
		t.Errorf("GenerateReflection = %q, %v", r, err)
	}
}
