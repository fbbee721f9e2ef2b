package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/store"
)

func TestMemorySessionStore_LockExcludes(t *testing.T) {
	m := NewMemorySessionStore()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "c1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("lock held by %d goroutines at once", maxSeen)
	}

	m.mu.Lock()
	remaining := len(m.locks)
	m.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected lock entries to be dropped, %d remain", remaining)
	}
}

func TestMemorySessionStore_LockIndependentConversations(t *testing.T) {
	m := NewMemorySessionStore()
	unlock, err := m.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := m.Lock(ctx, "c2")
	if err != nil {
		t.Fatalf("c2 blocked by c1: %v", err)
	}
	other()
}

func TestMemorySessionStore_LockHonorsContext(t *testing.T) {
	m := NewMemorySessionStore()
	unlock, err := m.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op

	again, err := m.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	again()
}

func TestMemorySessionStore_Sessions(t *testing.T) {
	m := NewMemorySessionStore()
	for _, id := range []string{"c2", "c1"} {
		s, err := models.NewSession(id, models.Participant{ExternalID: "u1"}, models.SlotFirst, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		m.Put(s)
	}
	if ids := m.IDs(); len(ids) != 2 || ids[0] != "c1" {
		t.Errorf("IDs = %v", ids)
	}
	if _, ok := m.Get("c1"); !ok {
		t.Error("expected c1")
	}
	m.Delete("c1")
	if _, ok := m.Get("c1"); ok {
		t.Error("c1 not deleted")
	}
}

type failingHistoryRepo struct{}

func (failingHistoryRepo) GetSamplerHistory(string) (models.SamplerHistory, error) {
	return models.SamplerHistory{}, errors.New("db down")
}

func (failingHistoryRepo) SaveSamplerHistory(string, models.SamplerHistory) error {
	return errors.New("db down")
}

func TestMemorySessionStore_History(t *testing.T) {
	h := models.SamplerHistory{}
	h.Record(models.Scenario{ID: "S1", Category: "A"})

	t.Run("memory", func(t *testing.T) {
		m := NewMemorySessionStore()
		if got := m.History("c1"); len(got.UsedScenarioIDs) != 0 || got.UsedScenarioIDs == nil {
			t.Errorf("fresh history = %+v", got)
		}
		m.SaveHistory("c1", h)
		got := m.History("c1")
		got.Record(models.Scenario{ID: "S2"})
		if again := m.History("c1"); again.Used("S2") || !again.Used("S1") {
			t.Errorf("history not isolated: %+v", again)
		}
	})

	t.Run("write through", func(t *testing.T) {
		st := store.NewInMemoryStore()
		m := NewMemorySessionStore(WithHistoryRepo(st))
		m.SaveHistory("c1", h)

		persisted, err := st.GetSamplerHistory("c1")
		if err != nil || !persisted.Used("S1") || persisted.LastCategory != "A" {
			t.Fatalf("persisted = %+v, %v", persisted, err)
		}
		restarted := NewMemorySessionStore(WithHistoryRepo(st))
		if got := restarted.History("c1"); !got.Used("S1") {
			t.Errorf("history lost across restart: %+v", got)
		}
	})

	t.Run("repo failure falls back to memory", func(t *testing.T) {
		m := NewMemorySessionStore(WithHistoryRepo(failingHistoryRepo{}))
		m.SaveHistory("c1", h)
		if got := m.History("c1"); !got.Used("S1") {
			t.Errorf("expected in-memory history, got %+v", got)
		}
	})
}
