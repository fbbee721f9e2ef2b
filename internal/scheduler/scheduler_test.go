package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/BTreeMap/DuetPipe/internal/flow"
	"github.com/BTreeMap/DuetPipe/internal/models"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 9 * * *", false},
		{"@daily", false},
		{"0 9 * *", true},
		{"", true},
	}
	for _, tt := range tests {
		if err := Validate(tt.expr); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) = %v", tt.expr, err)
		}
	}
}

type staticThreads struct {
	threads []models.Thread
	err     error
}

func (s staticThreads) ListThreads() ([]models.Thread, error) { return s.threads, s.err }

type staticActive []string

func (s staticActive) ActiveConversations() []string { return s }

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	errs    map[string]error
}

func (f *fakeStarter) Kickoff(ctx context.Context, conversationID string, starter models.Participant) (*flow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[conversationID]; err != nil {
		return nil, err
	}
	f.started = append(f.started, conversationID+"/"+starter.ExternalID)
	return &flow.Result{ConversationID: conversationID, Disposition: flow.DispositionStarted}, nil
}

func TestKickoffJob_Run(t *testing.T) {
	threads := staticThreads{threads: []models.Thread{
		{ConversationID: "g1", Transport: "whatsapp", StarterID: "u1"},
		{ConversationID: "g2", Transport: "whatsapp", StarterID: "u2"},
		{ConversationID: "g3", Transport: "twilio", StarterID: "u3"},
		{ConversationID: "g4", Transport: "whatsapp"},
		{ConversationID: "g5", Transport: "whatsapp", StarterID: "u5"},
		{ConversationID: "g6", Transport: "whatsapp", StarterID: "u6"},
	}}
	starter := &fakeStarter{errs: map[string]error{
		"g5": flow.ErrSessionExists,
		"g6": errors.New("send failed"),
	}}
	job := &KickoffJob{
		Transport: "whatsapp",
		Threads:   threads,
		Sessions:  staticActive{"g2"},
		Starter:   starter,
	}
	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 || len(starter.started) != 1 || starter.started[0] != "g1/u1" {
		t.Errorf("started %d: %v", n, starter.started)
	}
}

func TestKickoffJob_StopsWithoutScenarios(t *testing.T) {
	starter := &fakeStarter{errs: map[string]error{"g1": flow.ErrNoActiveScenarios}}
	job := &KickoffJob{
		Threads: staticThreads{threads: []models.Thread{
			{ConversationID: "g1", StarterID: "u1"},
			{ConversationID: "g2", StarterID: "u2"},
		}},
		Sessions: staticActive{},
		Starter:  starter,
	}
	if _, err := job.Run(context.Background()); !errors.Is(err, flow.ErrNoActiveScenarios) {
		t.Errorf("expected ErrNoActiveScenarios, got %v", err)
	}
	if len(starter.started) != 0 {
		t.Errorf("started = %v", starter.started)
	}
}

func TestKickoffJob_ListError(t *testing.T) {
	job := &KickoffJob{Threads: staticThreads{err: errors.New("db down")}, Sessions: staticActive{}, Starter: &fakeStarter{}}
	if _, err := job.Run(context.Background()); err == nil {
		t.Error("expected list error")
	}
	job.Func(context.Background())()
}
