package scenarios

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/store"
)

const pool = `
scenarios:
  - id: dishes
    text: "  Your partner leaves the dishes in the sink overnight. "
    category: chores
    emotion_options: [Annoyed, " ", Tired]
  - id: trip
    text: Your partner plans a weekend trip as a surprise.
    category: plans
    active: false
  - id: fridge
    text: Your partner rearranges the fridge.
`

func TestParse(t *testing.T) {
	got, err := Parse(strings.NewReader(pool))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d scenarios", len(got))
	}
	dishes := got[0]
	if dishes.Text != "Your partner leaves the dishes in the sink overnight." || !dishes.Active {
		t.Errorf("dishes = %+v", dishes)
	}
	if len(dishes.EmotionOptions) != 2 || dishes.EmotionOptions[1] != "Tired" {
		t.Errorf("options = %v", dishes.EmotionOptions)
	}
	if got[1].Active {
		t.Error("trip should be inactive")
	}
	if got[2].Category != "" || !got[2].Active {
		t.Errorf("fridge = %+v", got[2])
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"missing text", "scenarios:\n  - id: a\n", models.ErrEmptyScenarioText},
		{"missing id", "scenarios:\n  - text: hi\n", models.ErrEmptyScenarioID},
		{"duplicate", "scenarios:\n  - {id: a, text: x}\n  - {id: a, text: y}\n", ErrDuplicateID},
		{"too many options", "scenarios:\n  - {id: a, text: x, emotion_options: [a, b, c, d, e]}\n", models.ErrTooManyEmotionOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := Parse(strings.NewReader("scenarios:\n  - {id: a, text: x, colour: red}\n")); err == nil {
		t.Error("expected unknown field error")
	}
	if got, err := Parse(strings.NewReader("")); err != nil || len(got) != 0 {
		t.Errorf("empty document = %v, %v", got, err)
	}
}

func TestSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	if err := os.WriteFile(path, []byte(pool), 0o644); err != nil {
		t.Fatal(err)
	}
	st := store.NewInMemoryStore()
	n, err := SeedFile(st, path)
	if err != nil || n != 3 {
		t.Fatalf("SeedFile = %d, %v", n, err)
	}
	active, _ := st.ListScenarios(true)
	if len(active) != 2 {
		t.Errorf("active = %+v", active)
	}

	// re-seeding replaces rather than duplicates
	if _, err := SeedFile(st, path); err != nil {
		t.Fatal(err)
	}
	all, _ := st.ListScenarios(false)
	if len(all) != 3 {
		t.Errorf("all = %d", len(all))
	}

	if _, err := SeedFile(st, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if n, err := Seed(st, []models.Scenario{{ID: "x"}}); err == nil || n != 0 {
		t.Errorf("Seed invalid = %d, %v", n, err)
	}
}
