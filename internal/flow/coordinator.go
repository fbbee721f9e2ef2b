package flow

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/google/uuid"
)

// Disposition says what the coordinator did with a request.
type Disposition string

const (
	DispositionStarted             Disposition = "started"
	DispositionAnswered            Disposition = "answered"
	DispositionRegistered          Disposition = "registered"
	DispositionSwitched            Disposition = "switched"
	DispositionCompleted           Disposition = "completed"
	DispositionCancelled           Disposition = "cancelled"
	DispositionIgnoredTurn         Disposition = "ignored_turn"
	DispositionIgnoredCapacity     Disposition = "ignored_capacity"
	DispositionIgnoredNoSession    Disposition = "ignored_no_session"
	DispositionIgnoredPassComplete Disposition = "ignored_pass_complete"
	DispositionIgnoredEmpty        Disposition = "ignored_empty"
	DispositionRejectedExists      Disposition = "rejected_exists"
	DispositionNotReady            Disposition = "not_ready"
)

// Result is the outcome of one coordinator call: what happened and the messages to deliver, in order.
type Result struct {
	ConversationID string            `json:"conversation_id"`
	Disposition    Disposition       `json:"disposition"`
	Outbound       []models.Outbound `json:"outbound,omitempty"`
}

func (r *Result) add(kind models.OutboundKind, to *models.Participant, text string, options []string) {
	r.Outbound = append(r.Outbound, models.Outbound{
		ConversationID: r.ConversationID,
		Kind:           kind,
		To:             to,
		Text:           text,
		Options:        options,
	})
}

// NotReadyOutbound is the notice sent to a thread when no session can start for lack of scenarios.
func NotReadyOutbound(conversationID string) models.Outbound {
	return models.Outbound{ConversationID: conversationID, Kind: models.OutboundNotice, Text: msgNotReady}
}

// Coordinator runs the two-party turn protocol on top of the phase machine.
// Every operation holds the conversation's lock for its whole duration.
type Coordinator struct {
	sessions    SessionStore
	sampler     *ScenarioSampler
	machine     *PhaseMachine
	transcripts *TranscriptLogger
	notifyTurns bool
	now         func() time.Time
	newPassID   func() string

	rngMu sync.Mutex
	rng   *rand.Rand
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTranscriptLogger records every exchanged line.
func WithTranscriptLogger(l *TranscriptLogger) CoordinatorOption {
	return func(c *Coordinator) { c.transcripts = l }
}

// WithTurnNotices enables the "not your turn" acknowledgement, sent at most once per pass per participant.
func WithTurnNotices(enabled bool) CoordinatorOption {
	return func(c *Coordinator) { c.notifyTurns = enabled }
}

// WithRand sets the source of the turn-order coin flip.
func WithRand(r *rand.Rand) CoordinatorOption {
	return func(c *Coordinator) { c.rng = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithPassIDs overrides pass id generation.
func WithPassIDs(fn func() string) CoordinatorOption {
	return func(c *Coordinator) { c.newPassID = fn }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(sessions SessionStore, sampler *ScenarioSampler, machine *PhaseMachine, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		sessions:  sessions,
		sampler:   sampler,
		machine:   machine,
		now:       time.Now,
		newPassID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return c
}

// Start creates a session with starter in the first slot. It returns ErrSessionExists when the
// conversation already has one and ErrNoActiveScenarios when the pool is empty.
func (c *Coordinator) Start(ctx context.Context, conversationID string, starter models.Participant) (*Result, error) {
	unlock, err := c.sessions.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.start(ctx, conversationID, starter)
}

func (c *Coordinator) start(ctx context.Context, conversationID string, starter models.Participant) (*Result, error) {
	if _, ok := c.sessions.Get(conversationID); ok {
		return nil, ErrSessionExists
	}
	s, err := models.NewSession(conversationID, starter, c.coinFlip(), c.now())
	if err != nil {
		return nil, err
	}

	h := c.sessions.History(conversationID)
	sc, err := c.sampler.PickNext(&h)
	if err != nil {
		slog.Error("Coordinator.start: cannot pick scenario", "conversationID", conversationID, "error", err)
		return nil, err
	}
	s.History = h
	s.PassID = c.newPassID()
	step := c.machine.Begin(s, sc)
	c.sessions.Put(s)
	sessionsStarted.Inc()
	activeSessions.Inc()

	res := &Result{ConversationID: conversationID, Disposition: DispositionStarted}
	res.add(models.OutboundNotice, nil, introText(s), nil)
	c.prompt(res, s, models.OutboundScenario, scenarioText(sc), step.Options)
	slog.Info("Coordinator.start: session started", "conversationID", conversationID,
		"starterID", starter.ExternalID, "turnOrder", s.TurnOrder, "scenarioID", sc.ID, "passID", s.PassID)
	return res, nil
}

// HandleMessage processes one inbound participant message.
//
// Registration is checked before turn validity: an unknown sender fills the empty second slot, or is
// ignored once both slots are taken. Only the active participant's messages are consumed as answers.
func (c *Coordinator) HandleMessage(ctx context.Context, msg models.InboundMessage) (*Result, error) {
	if msg.ConversationID == "" {
		return nil, models.ErrEmptyConversationID
	}
	if msg.Sender.ExternalID == "" {
		return nil, models.ErrEmptyExternalID
	}
	unlock, err := c.sessions.Lock(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	id := msg.ConversationID
	res := &Result{ConversationID: id}
	cmd := ParseCommand(msg.Text)

	s, ok := c.sessions.Get(id)
	if !ok {
		if cmd != CommandStart {
			res.Disposition = DispositionIgnoredNoSession
			return res, nil
		}
		started, err := c.start(ctx, id, msg.Sender)
		if errors.Is(err, ErrNoActiveScenarios) {
			res.Disposition = DispositionNotReady
			res.Outbound = append(res.Outbound, NotReadyOutbound(id))
			return res, nil
		}
		return started, err
	}

	slot, known := s.SlotOf(msg.Sender.ExternalID)
	registered := false
	if !known {
		if _, err := s.Register(msg.Sender); err != nil {
			turnViolations.WithLabelValues("capacity").Inc()
			slog.Debug("Coordinator.HandleMessage: ignoring sender beyond two participants",
				"conversationID", id, "senderID", msg.Sender.ExternalID)
			res.Disposition = DispositionIgnoredCapacity
			return res, nil
		}
		slot = models.SlotSecond
		registered = true
		slog.Info("Coordinator.HandleMessage: second participant registered",
			"conversationID", id, "senderID", msg.Sender.ExternalID, "active", s.Active)
	}
	s.UpdatedAt = c.now()

	if cmd == CommandCancel {
		c.cancel(res, s)
		return res, nil
	}

	// The active participant finished while the other slot was still empty.
	if s.Phase == models.PhaseReflection && registered && slot != s.Active {
		c.switchTo(res, s, slot)
		res.Disposition = DispositionSwitched
		return res, nil
	}

	// A start word still registers its sender above, but never restarts the session.
	if cmd == CommandStart {
		res.Disposition = DispositionRejectedExists
		res.add(models.OutboundNotice, nil, msgSessionExists, nil)
		return res, nil
	}

	if s.Phase == models.PhaseReflection {
		res.Disposition = DispositionIgnoredPassComplete
		return res, nil
	}

	if slot != s.Active {
		if registered {
			res.Disposition = DispositionRegistered
			return res, nil
		}
		c.turnViolation(res, s, msg.Sender)
		return res, nil
	}

	answered := s.Phase
	step, err := c.machine.Advance(ctx, s, msg.Text)
	switch {
	case errors.Is(err, ErrEmptyAnswer):
		res.Disposition = DispositionIgnoredEmpty
		return res, nil
	case errors.Is(err, ErrPassComplete):
		res.Disposition = DispositionIgnoredPassComplete
		return res, nil
	case err != nil:
		return nil, err
	}
	c.transcripts.Participant(s, msg.Sender.ExternalID, answered, s.Answers[answered])

	if step.PassComplete {
		c.completePass(res, s, step)
		return res, nil
	}
	c.prompt(res, s, models.OutboundQuestion, step.Prompt, step.Options)
	res.Disposition = DispositionAnswered
	return res, nil
}

// Cancel ends the conversation's session regardless of phase.
func (c *Coordinator) Cancel(ctx context.Context, conversationID string) (*Result, error) {
	unlock, err := c.sessions.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, ok := c.sessions.Get(conversationID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	res := &Result{ConversationID: conversationID}
	c.cancel(res, s)
	return res, nil
}

// Snapshot returns a copy of the conversation's session.
func (c *Coordinator) Snapshot(ctx context.Context, conversationID string) (models.Session, error) {
	unlock, err := c.sessions.Lock(ctx, conversationID)
	if err != nil {
		return models.Session{}, err
	}
	defer unlock()

	s, ok := c.sessions.Get(conversationID)
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// ActiveConversations lists conversations with a live session.
func (c *Coordinator) ActiveConversations() []string {
	return c.sessions.IDs()
}

func (c *Coordinator) completePass(res *Result, s *models.Session, step models.Step) {
	finished, _ := s.ActiveParticipant()
	c.prompt(res, s, models.OutboundReflection, step.Prompt, nil)
	s.MarkFinished(finished.ExternalID)
	slog.Info("Coordinator.completePass: participant finished pass", "conversationID", s.ConversationID,
		"participantID", finished.ExternalID, "slot", s.Active, "passID", s.PassID)

	if s.BothFinished() {
		s.Phase = models.PhaseClosing
		c.end(res, s, "completed", msgClosing)
		res.Disposition = DispositionCompleted
		return
	}

	other := s.Active.Other()
	if _, ok := s.Participant(other); ok {
		c.switchTo(res, s, other)
		res.Disposition = DispositionSwitched
		return
	}
	res.add(models.OutboundNotice, nil, msgWaitingForPartner, nil)
	res.Disposition = DispositionAnswered
}

// switchTo hands the turn to slot and restarts the phase sequence on the same scenario.
func (c *Coordinator) switchTo(res *Result, s *models.Session, slot models.Slot) {
	s.ResetPass(slot, c.newPassID())
	step := c.machine.Begin(s, s.Scenario)
	next, _ := s.Participant(slot)
	turnSwitches.Inc()
	slog.Info("Coordinator.switchTo: turn switched", "conversationID", s.ConversationID,
		"participantID", next.ExternalID, "slot", slot, "passID", s.PassID)
	res.add(models.OutboundHandoff, nil, handoffText(next), nil)
	c.prompt(res, s, models.OutboundScenario, scenarioText(s.Scenario), step.Options)
}

func (c *Coordinator) cancel(res *Result, s *models.Session) {
	c.end(res, s, "cancelled", msgCancelled)
	res.Disposition = DispositionCancelled
	slog.Info("Coordinator.cancel: session cancelled", "conversationID", s.ConversationID, "phase", s.Phase)
}

// end removes the session and keeps its sampler history for the conversation's next session.
func (c *Coordinator) end(res *Result, s *models.Session, reason, text string) {
	c.sessions.Delete(s.ConversationID)
	c.sessions.SaveHistory(s.ConversationID, s.History)
	res.add(models.OutboundClosing, nil, text, nil)
	c.transcripts.Bot(s, text)
	sessionsEnded.WithLabelValues(reason).Inc()
	activeSessions.Dec()
}

func (c *Coordinator) turnViolation(res *Result, s *models.Session, sender models.Participant) {
	turnViolations.WithLabelValues("turn").Inc()
	res.Disposition = DispositionIgnoredTurn
	slog.Debug("Coordinator.turnViolation: message from non-active participant ignored",
		"conversationID", s.ConversationID, "senderID", sender.ExternalID, "active", s.Active)
	if !c.notifyTurns || s.Notified[sender.ExternalID] {
		return
	}
	if s.Notified == nil {
		s.Notified = make(map[string]bool)
	}
	s.Notified[sender.ExternalID] = true
	text := msgOtherGoesFirst
	if active, ok := s.ActiveParticipant(); ok {
		text = notYourTurnText(active)
	}
	to := sender
	res.add(models.OutboundNotice, &to, text, nil)
}

// prompt addresses text to the active participant, when registered, and records it.
func (c *Coordinator) prompt(res *Result, s *models.Session, kind models.OutboundKind, text string, options []string) {
	var to *models.Participant
	if p, ok := s.ActiveParticipant(); ok {
		to = &p
	}
	res.add(kind, to, text, options)
	c.transcripts.Bot(s, text)
}

func (c *Coordinator) coinFlip() models.Slot {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	if c.rng.IntN(2) == 1 {
		return models.SlotSecond
	}
	return models.SlotFirst
}
