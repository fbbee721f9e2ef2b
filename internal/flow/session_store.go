package flow

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/store"
)

// SessionStore holds the live session of each conversation and serializes work per conversation.
//
// Get, Put and Delete must be called while holding the conversation's lock; the returned session
// pointer is owned by the lock holder.
type SessionStore interface {
	// Lock blocks until the conversation's lock is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, conversationID string) (func(), error)
	Get(conversationID string) (*models.Session, bool)
	Put(s *models.Session)
	Delete(conversationID string)
	// IDs returns the conversations that have a live session, sorted.
	IDs() []string
	// History returns the sampler history carried over from the conversation's previous sessions.
	History(conversationID string) models.SamplerHistory
	SaveHistory(conversationID string, h models.SamplerHistory)
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// MemorySessionStore keeps sessions in process memory with a lock per conversation.
// Sampler history is additionally written through to a HistoryRepo when one is configured.
type MemorySessionStore struct {
	mu        sync.Mutex
	sessions  map[string]*models.Session
	locks     map[string]*keyLock
	histories map[string]models.SamplerHistory
	repo      store.HistoryRepo
}

var _ SessionStore = (*MemorySessionStore)(nil)

// SessionStoreOption configures a MemorySessionStore.
type SessionStoreOption func(*MemorySessionStore)

// WithHistoryRepo persists sampler history so it survives restarts.
func WithHistoryRepo(repo store.HistoryRepo) SessionStoreOption {
	return func(m *MemorySessionStore) { m.repo = repo }
}

// NewMemorySessionStore creates an empty session store.
func NewMemorySessionStore(opts ...SessionStoreOption) *MemorySessionStore {
	m := &MemorySessionStore{
		sessions:  make(map[string]*models.Session),
		locks:     make(map[string]*keyLock),
		histories: make(map[string]models.SamplerHistory),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock acquires the per-conversation lock. Lock entries are reference counted and dropped once
// nobody holds or waits for them.
func (m *MemorySessionStore) Lock(ctx context.Context, conversationID string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[conversationID]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[conversationID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(conversationID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(conversationID, l)
		})
	}, nil
}

func (m *MemorySessionStore) release(conversationID string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, conversationID)
	}
}

func (m *MemorySessionStore) Get(conversationID string) (*models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	return s, ok
}

func (m *MemorySessionStore) Put(s *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ConversationID] = s
}

func (m *MemorySessionStore) Delete(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, conversationID)
}

func (m *MemorySessionStore) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *MemorySessionStore) History(conversationID string) models.SamplerHistory {
	if m.repo != nil {
		h, err := m.repo.GetSamplerHistory(conversationID)
		if err == nil {
			return h
		}
		slog.Warn("MemorySessionStore.History: repo read failed, using memory", "conversationID", conversationID, "error", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[conversationID]
	if !ok {
		return models.SamplerHistory{UsedScenarioIDs: make(map[string]bool)}
	}
	return h.Clone()
}

func (m *MemorySessionStore) SaveHistory(conversationID string, h models.SamplerHistory) {
	m.mu.Lock()
	m.histories[conversationID] = h.Clone()
	m.mu.Unlock()
	if m.repo != nil {
		if err := m.repo.SaveSamplerHistory(conversationID, h); err != nil {
			slog.Warn("MemorySessionStore.SaveHistory: repo write failed", "conversationID", conversationID, "error", err)
		}
	}
}
