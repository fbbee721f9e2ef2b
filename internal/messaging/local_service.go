package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// Injector accepts inbound events from outside a transport, e.g. from the HTTP API.
type Injector interface {
	Inject(ctx context.Context, evt models.InboundEvent) error
}

// LocalService is a transport without a chat network: outbound messages are logged and kept in a
// short per-conversation backlog, inbound events are injected through the API.
type LocalService struct {
	events  chan models.InboundEvent
	mu      sync.RWMutex
	stopped bool
	backlog map[string][]models.Outbound
	limit   int
}

var (
	_ Service  = (*LocalService)(nil)
	_ Injector = (*LocalService)(nil)
)

// NewLocalService creates a LocalService keeping up to limit outbound messages per conversation.
func NewLocalService(limit int) *LocalService {
	if limit <= 0 {
		limit = 100
	}
	return &LocalService{
		events:  make(chan models.InboundEvent, DefaultChannelBufferSize),
		backlog: make(map[string][]models.Outbound),
		limit:   limit,
	}
}

func (s *LocalService) Name() string { return "local" }

func (s *LocalService) Start(ctx context.Context) error { return nil }

// Stop closes the event channel.
func (s *LocalService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.events)
	}
	return nil
}

// SendMessage logs out and appends it to the conversation's backlog.
func (s *LocalService) SendMessage(ctx context.Context, out models.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	b := append(s.backlog[out.ConversationID], out)
	if len(b) > s.limit {
		b = b[len(b)-s.limit:]
	}
	s.backlog[out.ConversationID] = b
	slog.Info("LocalService.SendMessage", "conversationID", out.ConversationID, "kind", out.Kind, "text", FormatOutbound(out))
	return nil
}

// Events returns the inbound event channel.
func (s *LocalService) Events() <-chan models.InboundEvent {
	return s.events
}

// Inject queues evt as if it had arrived from a chat network.
func (s *LocalService) Inject(ctx context.Context, evt models.InboundEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	evt.Transport = s.Name()
	select {
	case s.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backlog returns the messages sent to a conversation, oldest first.
func (s *LocalService) Backlog(conversationID string) []models.Outbound {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Outbound(nil), s.backlog[conversationID]...)
}
