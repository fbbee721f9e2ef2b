// Package scenarios loads the scenario pool from YAML and seeds it into a store.
//
// A pool file looks like:
//
//	scenarios:
//	  - id: dishes
//	    text: Your partner leaves the dishes in the sink overnight.
//	    category: chores
//	    emotion_options: [Annoyed, Indifferent, Tired]
//	  - id: trip
//	    text: Your partner plans a weekend trip as a surprise.
//	    category: plans
//	    active: false
//
// Scenarios are active unless the file says otherwise.
package scenarios

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/store"
	"gopkg.in/yaml.v3"
)

// ErrDuplicateID is returned when a pool file names the same scenario twice.
var ErrDuplicateID = errors.New("duplicate scenario id")

type entry struct {
	ID             string   `yaml:"id"`
	Text           string   `yaml:"text"`
	Category       string   `yaml:"category"`
	Active         *bool    `yaml:"active"`
	EmotionOptions []string `yaml:"emotion_options"`
}

type poolFile struct {
	Scenarios []entry `yaml:"scenarios"`
}

func (e entry) scenario() models.Scenario {
	sc := models.Scenario{
		ID:       strings.TrimSpace(e.ID),
		Text:     strings.TrimSpace(e.Text),
		Category: strings.TrimSpace(e.Category),
		Active:   e.Active == nil || *e.Active,
	}
	for _, opt := range e.EmotionOptions {
		if opt = strings.TrimSpace(opt); opt != "" {
			sc.EmotionOptions = append(sc.EmotionOptions, opt)
		}
	}
	return sc
}

// Parse reads a pool document. Unknown keys are rejected so typos do not silently drop data.
func Parse(r io.Reader) ([]models.Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var pf poolFile
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode scenario pool: %w", err)
	}

	seen := make(map[string]bool, len(pf.Scenarios))
	out := make([]models.Scenario, 0, len(pf.Scenarios))
	for i, e := range pf.Scenarios {
		sc := e.scenario()
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("scenario #%d: %w", i+1, err)
		}
		if seen[sc.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, sc.ID)
		}
		seen[sc.ID] = true
		out = append(out, sc)
	}
	return out, nil
}

// LoadFile parses the pool file at path.
func LoadFile(path string) ([]models.Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario pool: %w", err)
	}
	defer f.Close()
	scenarios, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return scenarios, nil
}

// Seed upserts scenarios into repo and returns how many were written.
func Seed(repo store.ScenarioRepo, scenarios []models.Scenario) (int, error) {
	n := 0
	for _, sc := range scenarios {
		if err := sc.Validate(); err != nil {
			return n, fmt.Errorf("scenario %q: %w", sc.ID, err)
		}
		if err := repo.UpsertScenario(sc); err != nil {
			return n, fmt.Errorf("failed to store scenario %q: %w", sc.ID, err)
		}
		n++
	}
	slog.Info("scenarios.Seed: scenario pool updated", "count", n)
	return n, nil
}

// SeedFile loads path and seeds its scenarios into repo.
func SeedFile(repo store.ScenarioRepo, path string) (int, error) {
	scenarios, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	return Seed(repo, scenarios)
}
