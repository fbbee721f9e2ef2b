package flow

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// ScenarioSource lists the scenario pool. store.ScenarioRepo satisfies it.
type ScenarioSource interface {
	ListScenarios(activeOnly bool) ([]models.Scenario, error)
}

// ScenarioSampler picks scenarios without repeats until the pool is exhausted, steering away from
// the category it picked last.
type ScenarioSampler struct {
	source ScenarioSource

	mu  sync.Mutex
	rng *rand.Rand
}

// NewScenarioSampler creates a sampler over source. A nil rng uses a randomly seeded PCG source.
func NewScenarioSampler(source ScenarioSource, rng *rand.Rand) *ScenarioSampler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &ScenarioSampler{source: source, rng: rng}
}

// PickNext chooses the next scenario and records it in h.
//
// Candidates are the active scenarios not yet in h. When the last category is set, candidates in that
// category are dropped. If nothing is left the history is reset and selection runs once more; after a
// reset the whole pool qualifies, so a non-empty pool always yields a scenario.
func (s *ScenarioSampler) PickNext(h *models.SamplerHistory) (models.Scenario, error) {
	all, err := s.source.ListScenarios(true)
	if err != nil {
		return models.Scenario{}, fmt.Errorf("list scenarios: %w", err)
	}
	pool := all[:0:0]
	for _, sc := range all {
		if sc.Active {
			pool = append(pool, sc)
		}
	}
	if len(pool) == 0 {
		slog.Error("ScenarioSampler.PickNext: scenario pool has no active entries")
		return models.Scenario{}, ErrNoActiveScenarios
	}

	for attempt := 0; attempt < 2; attempt++ {
		filtered := filterCandidates(pool, h)
		if len(filtered) == 0 {
			slog.Debug("ScenarioSampler.PickNext: candidates exhausted, resetting history",
				"used", len(h.UsedScenarioIDs), "lastCategory", h.LastCategory)
			samplerResets.Inc()
			h.Reset()
			continue
		}
		s.mu.Lock()
		pick := filtered[s.rng.IntN(len(filtered))]
		s.mu.Unlock()
		h.Record(pick)
		slog.Debug("ScenarioSampler.PickNext: picked", "scenarioID", pick.ID, "category", pick.Category, "candidates", len(filtered))
		return pick.Clone(), nil
	}
	// Unreachable for a non-empty pool.
	return models.Scenario{}, ErrNoActiveScenarios
}

func filterCandidates(pool []models.Scenario, h *models.SamplerHistory) []models.Scenario {
	var out []models.Scenario
	for _, sc := range pool {
		if h.Used(sc.ID) {
			continue
		}
		if h.LastCategory != "" && sc.Category == h.LastCategory {
			continue
		}
		out = append(out, sc)
	}
	return out
}
