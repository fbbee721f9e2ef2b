package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Twilio WhatsApp has no group chats, so a
// conversation is the sender's own number; inbound traffic arrives through TwilioWebhookHandler.
type TwilioService struct {
	client twiliowhatsapp.Sender
	events chan models.InboundEvent
	now    func() time.Time

	mu      sync.RWMutex
	stopped bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService over client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client: client,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
		now:    time.Now,
	}
}

func (s *TwilioService) Name() string { return "twilio" }

// Start is a no-op; events arrive through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.events)
	return nil
}

// SendMessage renders out and sends it to the conversation's number.
func (s *TwilioService) SendMessage(ctx context.Context, out models.Outbound) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	to, err := twiliowhatsapp.Canonicalize(out.ConversationID)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid conversation", "conversationID", out.ConversationID, "error", err)
		return err
	}
	// 1:1 chats need no mention line.
	out.To = nil
	if err := s.client.SendMessage(ctx, to, FormatOutbound(out)); err != nil {
		return err
	}
	slog.Debug("TwilioService.SendMessage: sent", "to", to, "kind", out.Kind)
	return nil
}

// Events returns the inbound event channel.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits them as inbound events.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	number, err := twiliowhatsapp.Canonicalize(from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	evt := models.InboundEvent{
		ID:             r.FormValue("MessageSid"),
		Kind:           models.EventMessage,
		Transport:      s.Name(),
		ConversationID: number,
		Sender:         models.Participant{ExternalID: number, DisplayName: r.FormValue("ProfileName")},
		Text:           body,
		Time:           s.now(),
	}
	if !s.emit(evt) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Info("TwilioService.TwilioWebhookHandler: inbound message", "conversationID", number, "messageSid", evt.ID)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) emit(evt models.InboundEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService: dropping inbound message, service stopped", "conversationID", evt.ConversationID)
		return false
	}
	select {
	case s.events <- evt:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService: events channel blocked, dropping message", "conversationID", evt.ConversationID)
		return false
	}
}
