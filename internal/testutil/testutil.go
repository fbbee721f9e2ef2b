// Package testutil provides common test utilities and fakes for DuetPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/store"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// SampleScenarios is the three-scenario pool used across tests: two in category A, one in B.
func SampleScenarios() []models.Scenario {
	return []models.Scenario{
		{ID: "S1", Text: "Your partner leaves dishes in the sink overnight.", Category: "A", Active: true},
		{ID: "S2", Text: "Your partner rearranges the fridge without asking.", Category: "A", Active: true},
		{ID: "S3", Text: "Your partner plans a weekend trip as a surprise.", Category: "B", Active: true,
			EmotionOptions: []string{"Excited", "Overwhelmed", "Touched"}},
	}
}

// SeedScenarios stores scenarios, failing the test on error.
func SeedScenarios(t *testing.T, st store.ScenarioRepo, scenarios ...models.Scenario) {
	t.Helper()
	for _, sc := range scenarios {
		if err := st.UpsertScenario(sc); err != nil {
			t.Fatalf("failed to seed scenario %s: %v", sc.ID, err)
		}
	}
}

// ScriptedGenerator is a phase generator with canned output, optional failure and optional delay.
type ScriptedGenerator struct {
	mu          sync.Mutex
	Prompts     map[models.Phase]models.PhasePrompt
	Reflection  string
	Err         error
	Delay       time.Duration
	PromptCalls int
	Contexts    []models.AnswerContext
}

// NewScriptedGenerator returns a generator that answers every phase with three numbered options.
func NewScriptedGenerator() *ScriptedGenerator {
	prompts := make(map[models.Phase]models.PhasePrompt)
	for _, phase := range []models.Phase{models.PhaseValue, models.PhaseBackground, models.PhaseVision} {
		prompts[phase] = models.PhasePrompt{
			Question: "generated " + phase.String() + " question",
			Options:  []string{phase.String() + " one", phase.String() + " two", phase.String() + " three"},
		}
	}
	return &ScriptedGenerator{Prompts: prompts, Reflection: "generated reflection"}
}

func (g *ScriptedGenerator) wait(ctx context.Context) error {
	if g.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(g.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GeneratePrompt returns the scripted prompt for phase.
func (g *ScriptedGenerator) GeneratePrompt(ctx context.Context, phase models.Phase, ac models.AnswerContext) (models.PhasePrompt, error) {
	g.mu.Lock()
	g.PromptCalls++
	g.Contexts = append(g.Contexts, ac)
	err := g.Err
	p, ok := g.Prompts[phase]
	g.mu.Unlock()
	if werr := g.wait(ctx); werr != nil {
		return models.PhasePrompt{}, werr
	}
	if err != nil {
		return models.PhasePrompt{}, err
	}
	if !ok {
		return models.PhasePrompt{}, errors.New("no scripted prompt")
	}
	return p, nil
}

// GenerateReflection returns the scripted reflection.
func (g *ScriptedGenerator) GenerateReflection(ctx context.Context, ac models.AnswerContext) (string, error) {
	g.mu.Lock()
	g.Contexts = append(g.Contexts, ac)
	err := g.Err
	text := g.Reflection
	g.mu.Unlock()
	if werr := g.wait(ctx); werr != nil {
		return "", werr
	}
	return text, err
}

// RecordingService is an in-memory messaging service: it records sent messages and replays
// injected inbound events.
type RecordingService struct {
	mu      sync.Mutex
	sent    []models.Outbound
	events  chan models.InboundEvent
	SendErr error
}

// NewRecordingService creates a RecordingService with a buffered event channel.
func NewRecordingService() *RecordingService {
	return &RecordingService{events: make(chan models.InboundEvent, 64)}
}

func (r *RecordingService) Start(ctx context.Context) error { return nil }

// Stop closes the event channel.
func (r *RecordingService) Stop() error {
	close(r.events)
	return nil
}

func (r *RecordingService) Name() string { return "recording" }

// SendMessage records out.
func (r *RecordingService) SendMessage(ctx context.Context, out models.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return r.SendErr
	}
	r.sent = append(r.sent, out)
	return nil
}

// Events returns the inbound event channel.
func (r *RecordingService) Events() <-chan models.InboundEvent {
	return r.events
}

// Inject queues an inbound event.
func (r *RecordingService) Inject(evt models.InboundEvent) {
	r.events <- evt
}

// Sent returns a copy of every recorded outbound message.
func (r *RecordingService) Sent() []models.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Outbound(nil), r.sent...)
}

// SentTo returns the recorded messages for one conversation.
func (r *RecordingService) SentTo(conversationID string) []models.Outbound {
	var out []models.Outbound
	for _, o := range r.Sent() {
		if o.ConversationID == conversationID {
			out = append(out, o)
		}
	}
	return out
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
