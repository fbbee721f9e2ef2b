package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// InMemoryStore keeps everything in process memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu          sync.RWMutex
	scenarios   map[string]models.Scenario
	transcripts []models.TranscriptRecord
	threads     map[string]models.Thread
	histories   map[string]models.SamplerHistory
	inbound     map[string]*time.Time
	nextID      int64
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		scenarios: make(map[string]models.Scenario),
		threads:   make(map[string]models.Thread),
		histories: make(map[string]models.SamplerHistory),
		inbound:   make(map[string]*time.Time),
	}
}

func (s *InMemoryStore) UpsertScenario(sc models.Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios[sc.ID] = sc.Clone()
	return nil
}

func (s *InMemoryStore) GetScenario(id string) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return nil, nil
	}
	out := sc.Clone()
	return &out, nil
}

func (s *InMemoryStore) ListScenarios(activeOnly bool) ([]models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Scenario, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		if activeOnly && !sc.Active {
			continue
		}
		out = append(out, sc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SetScenarioActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScenarioNotFound, id)
	}
	sc.Active = active
	s.scenarios[id] = sc
	return nil
}

func (s *InMemoryStore) AppendTranscript(r models.TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = s.nextID
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	s.transcripts = append(s.transcripts, r)
	return nil
}

func (s *InMemoryStore) GetTranscript(conversationID, passID string) ([]models.TranscriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TranscriptRecord
	for _, r := range s.transcripts {
		if r.ConversationID != conversationID {
			continue
		}
		if passID != "" && r.PassID != passID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemoryStore) SaveThread(t models.Thread) error {
	if t.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.threads[t.ConversationID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.threads[t.ConversationID] = t
	return nil
}

func (s *InMemoryStore) GetThread(conversationID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) ListThreads() ([]models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (s *InMemoryStore) GetSamplerHistory(conversationID string) (models.SamplerHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[conversationID]
	if !ok {
		return models.SamplerHistory{UsedScenarioIDs: make(map[string]bool)}, nil
	}
	return h.Clone(), nil
}

func (s *InMemoryStore) SaveSamplerHistory(conversationID string, h models.SamplerHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[conversationID] = h.Clone()
	return nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = nil
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.inbound[messageID] = &now
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
