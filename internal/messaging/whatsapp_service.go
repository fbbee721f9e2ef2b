package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service on top of whatsmeow. Each WhatsApp chat, normally a group,
// is one conversation.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when client is the real whatsmeow wrapper
	events   chan models.InboundEvent
	now      func() time.Time

	mu        sync.RWMutex
	stopped   bool
	handlerID uint32
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService wrapping client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client: client,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
		now:    time.Now,
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

func (s *WhatsAppService) Name() string { return "whatsapp" }

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no whatsmeow client, skipping event handling")
		return nil
	}
	id := s.waClient.GetClient().AddEventHandler(s.HandleEvent)
	s.mu.Lock()
	s.handlerID = id
	s.mu.Unlock()
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unregisters the event handler and closes the event channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
	}
	close(s.events)
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendMessage renders out and posts it to the chat.
func (s *WhatsAppService) SendMessage(ctx context.Context, out models.Outbound) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendText(ctx, out.ConversationID, FormatOutbound(out)); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "conversationID", out.ConversationID, "kind", out.Kind, "error", err)
		return err
	}
	slog.Debug("WhatsAppService.SendMessage: sent", "conversationID", out.ConversationID, "kind", out.Kind)
	return nil
}

// Events returns the inbound event channel.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

// HandleEvent converts whatsmeow events into inbound events. Other event types are ignored.
func (s *WhatsAppService) HandleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.JoinedGroup:
		s.handleJoinedGroup(v)
	}
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		slog.Debug("WhatsAppService: ignoring non-text message", "chat", evt.Info.Chat.String())
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	sender := evt.Info.Sender.ToNonAD()
	s.emit(models.InboundEvent{
		ID:             evt.Info.ID,
		Kind:           models.EventMessage,
		Transport:      s.Name(),
		ConversationID: evt.Info.Chat.String(),
		Sender:         models.Participant{ExternalID: sender.String(), DisplayName: evt.Info.PushName},
		Text:           text,
		Time:           evt.Info.Timestamp,
	})
}

func (s *WhatsAppService) handleJoinedGroup(evt *events.JoinedGroup) {
	owner := evt.GroupInfo.OwnerJID.ToNonAD()
	if owner.IsEmpty() {
		slog.Warn("WhatsAppService: joined group without a known owner, not starting", "chat", evt.GroupInfo.JID.String())
		return
	}
	var id string
	if evt.CreateKey != "" {
		id = "joined:" + string(evt.CreateKey)
	}
	s.emit(models.InboundEvent{
		ID:             id,
		Kind:           models.EventJoined,
		Transport:      s.Name(),
		ConversationID: evt.GroupInfo.JID.String(),
		Title:          evt.GroupInfo.Name,
		Sender:         models.Participant{ExternalID: owner.String()},
		Time:           s.now(),
	})
}

// emit forwards evt unless the service has stopped or the channel stays full past DefaultChannelTimeout.
func (s *WhatsAppService) emit(evt models.InboundEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService: dropping event, service stopped", "conversationID", evt.ConversationID)
		return
	}
	select {
	case s.events <- evt:
		slog.Debug("WhatsAppService: event forwarded", "conversationID", evt.ConversationID, "kind", evt.Kind)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService: events channel blocked, dropping event", "conversationID", evt.ConversationID, "timeout", DefaultChannelTimeout)
	}
}
