package api

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/flow"
	"github.com/BTreeMap/DuetPipe/internal/messaging"
	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/store"
	"github.com/BTreeMap/DuetPipe/internal/testutil"
	"github.com/BTreeMap/DuetPipe/internal/twiliowhatsapp"
)

type apiFixture struct {
	st      *store.InMemoryStore
	svc     messaging.Service
	disp    *messaging.Dispatcher
	handler http.Handler
}

func newAPIFixture(t *testing.T, svc messaging.Service, scenarios ...models.Scenario) *apiFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	testutil.SeedScenarios(t, st, scenarios...)
	coord := flow.NewCoordinator(
		flow.NewMemorySessionStore(flow.WithHistoryRepo(st)),
		flow.NewScenarioSampler(st, rand.New(rand.NewPCG(3, 3))),
		flow.NewPhaseMachine(flow.NewBoundedGenerator(testutil.NewScriptedGenerator(), time.Second)),
		flow.WithTranscriptLogger(flow.NewTranscriptLogger(st)),
	)
	disp := messaging.NewDispatcher(svc, coord, messaging.WithDedup(st), messaging.WithThreadRepo(st))
	return &apiFixture{st: st, svc: svc, disp: disp, handler: NewServer(coord, disp, st, svc).Routes()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, path, body))
	return rr
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, testutil.NewRecordingService(), testutil.SampleScenarios()...)

	rr := f.do(t, http.MethodGet, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result, _ := resp["result"].(map[string]interface{})
	if result["transport"] != "recording" {
		t.Errorf("result = %v", result)
	}

	rr = f.do(t, http.MethodGet, "/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
}

func TestSessionLifecycle(t *testing.T) {
	svc := testutil.NewRecordingService()
	f := newAPIFixture(t, svc, testutil.SampleScenarios()...)
	starter := map[string]string{"external_id": "u1", "display_name": "Ann"}

	rr := f.do(t, http.MethodPost, "/sessions/g1/start", starter)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "start")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result, _ := resp["result"].(map[string]interface{})
	if result["disposition"] != string(flow.DispositionStarted) {
		t.Errorf("result = %v", result)
	}
	if len(svc.SentTo("g1")) < 2 {
		t.Errorf("opening messages not delivered: %+v", svc.SentTo("g1"))
	}

	rr = f.do(t, http.MethodPost, "/sessions/g1/start", starter)
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "second start")

	rr = f.do(t, http.MethodGet, "/sessions", nil)
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if ids, _ := resp["result"].([]interface{}); len(ids) != 1 || ids[0] != "g1" {
		t.Errorf("sessions = %v", resp["result"])
	}

	rr = f.do(t, http.MethodGet, "/sessions/g1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get session")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	session, _ := resp["result"].(map[string]interface{})
	if session["conversation_id"] != "g1" || session["phase"] != "scene_emotion" {
		t.Errorf("session = %v", session)
	}

	thread, _ := f.st.GetThread("g1")
	if thread == nil || thread.StarterID != "u1" {
		t.Errorf("thread = %+v", thread)
	}

	rr = f.do(t, http.MethodPost, "/sessions/g1/cancel", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel")
	rr = f.do(t, http.MethodPost, "/sessions/g1/cancel", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "second cancel")
	rr = f.do(t, http.MethodGet, "/sessions/g1", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get after cancel")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestStartSessionValidation(t *testing.T) {
	f := newAPIFixture(t, testutil.NewRecordingService(), testutil.SampleScenarios()...)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing external id", `{"display_name":"Ann"}`, http.StatusBadRequest},
		{"blank external id", `{"external_id":"  "}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/sessions/g1/start", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			f.handler.ServeHTTP(rr, req)
			testutil.AssertHTTPStatus(t, tt.wantStatus, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, "error")
		})
	}
}

func TestStartSessionNotReady(t *testing.T) {
	svc := testutil.NewRecordingService()
	f := newAPIFixture(t, svc)
	rr := f.do(t, http.MethodPost, "/sessions/g1/start", map[string]string{"external_id": "u1"})
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "start without scenarios")
	if sent := svc.SentTo("g1"); len(sent) != 1 || sent[0].Kind != models.OutboundNotice {
		t.Errorf("not-ready notice = %+v", sent)
	}
}

func TestListScenarios(t *testing.T) {
	f := newAPIFixture(t, testutil.NewRecordingService(), testutil.SampleScenarios()...)
	if err := f.st.SetScenarioActive("S1", false); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/scenarios", 2},
		{"/scenarios?all=true", 3},
		{"/scenarios?all=nonsense", 2},
	}
	for _, tt := range tests {
		rr := f.do(t, http.MethodGet, tt.path, nil)
		resp := testutil.AssertJSONResponse(t, rr, "ok")
		if list, _ := resp["result"].([]interface{}); len(list) != tt.want {
			t.Errorf("%s: got %d scenarios, want %d", tt.path, len(list), tt.want)
		}
	}
}

func TestTranscript(t *testing.T) {
	f := newAPIFixture(t, testutil.NewRecordingService(), testutil.SampleScenarios()...)
	for i, pass := range []string{"p1", "p1", "p2"} {
		err := f.st.AppendTranscript(models.TranscriptRecord{
			ConversationID: "g1",
			PassID:         pass,
			Speaker:        models.SpeakerBot,
			Text:           fmt.Sprintf("line %d", i),
			Timestamp:      time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		path string
		want int
	}{
		{"/transcripts/g1", 3},
		{"/transcripts/g1?pass=p1", 2},
		{"/transcripts/g2", 0},
	}
	for _, tt := range tests {
		rr := f.do(t, http.MethodGet, tt.path, nil)
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, tt.path)
		resp := testutil.AssertJSONResponse(t, rr, "ok")
		if list, _ := resp["result"].([]interface{}); len(list) != tt.want {
			t.Errorf("%s: got %d records, want %d", tt.path, len(list), tt.want)
		}
	}
}

func TestTransportRoutes(t *testing.T) {
	local := newAPIFixture(t, testutil.NewRecordingService())
	rr := local.do(t, http.MethodPost, "/webhook/twilio", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "webhook without twilio")
	rr = local.do(t, http.MethodPost, "/conversations/c1/messages", map[string]string{"external_id": "u1"})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "inject without local transport")

	tw := newAPIFixture(t, messaging.NewTwilioService(twiliowhatsapp.NewMockClient()))
	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"start"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	tw.handler.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")
}

func TestInjectAndOutbox(t *testing.T) {
	svc := messaging.NewLocalService(50)
	f := newAPIFixture(t, svc, testutil.SampleScenarios()...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.disp.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rr := f.do(t, http.MethodPost, "/conversations/c1/messages", map[string]string{"text": "start"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "inject without sender")

	rr = f.do(t, http.MethodPost, "/conversations/c1/messages", map[string]string{"id": "m1", "external_id": "u1", "text": "start"})
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "inject")
	testutil.AssertJSONResponse(t, rr, "accepted")

	testutil.WaitFor(t, 2*time.Second, func() bool { return len(svc.Backlog("c1")) >= 2 })
	rr = f.do(t, http.MethodGet, "/conversations/c1/messages", nil)
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list, _ := resp["result"].([]interface{}); len(list) < 2 {
		t.Errorf("outbox = %v", resp["result"])
	}
}

func TestRun(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedScenarios(t, st, testutil.SampleScenarios()...)
	svc := messaging.NewLocalService(50)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrCh := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, svc, st, testutil.NewScriptedGenerator(),
			WithAddr("127.0.0.1:0"),
			WithKickoffCron("0 9 * * *"),
			WithOnListen(func(addr net.Addr) { addrCh <- addr }),
		)
	}()

	var addr net.Addr
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	testutil.AssertHTTPStatus(t, http.StatusOK, resp.StatusCode, "health")

	if err := svc.Inject(context.Background(), models.InboundEvent{ID: "m1", Kind: models.EventMessage, ConversationID: "c1", Sender: models.Participant{ExternalID: "u1"}, Text: "start"}); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, 2*time.Second, func() bool { return len(svc.Backlog("c1")) >= 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	err := Run(context.Background(), messaging.NewLocalService(1), store.NewInMemoryStore(), testutil.NewScriptedGenerator(),
		WithAddr("127.0.0.1:0"), WithKickoffCron("every day"))
	if err == nil || !strings.Contains(err.Error(), "kickoff schedule") {
		t.Errorf("expected schedule error, got %v", err)
	}
}
