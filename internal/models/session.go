package models

import (
	"fmt"
	"sort"
	"time"
)

// Slot identifies one of the two participant positions in a session.
type Slot int

const (
	// SlotFirst is the participant known when the session is created.
	SlotFirst Slot = iota
	// SlotSecond is filled lazily by the first distinct sender.
	SlotSecond
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotFirst {
		return SlotSecond
	}
	return SlotFirst
}

func (s Slot) String() string {
	switch s {
	case SlotFirst:
		return "first"
	case SlotSecond:
		return "second"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Slot) MarshalText() ([]byte, error) {
	if s != SlotFirst && s != SlotSecond {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Slot) UnmarshalText(text []byte) error {
	switch string(text) {
	case "first":
		*s = SlotFirst
	case "second":
		*s = SlotSecond
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSlot, string(text))
	}
	return nil
}

// Participant is one person taking part in a conversation.
type Participant struct {
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Name returns the display name, falling back to the external id.
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ExternalID
}

// SamplerHistory is the scenario sampler's memory for one conversation.
// An empty LastCategory means no category is being avoided.
type SamplerHistory struct {
	UsedScenarioIDs map[string]bool `json:"used_scenario_ids"`
	LastCategory    string          `json:"last_category,omitempty"`
}

// Used reports whether the scenario id was picked since the last reset.
func (h *SamplerHistory) Used(id string) bool {
	return h.UsedScenarioIDs[id]
}

// Record marks sc as picked.
func (h *SamplerHistory) Record(sc Scenario) {
	if h.UsedScenarioIDs == nil {
		h.UsedScenarioIDs = make(map[string]bool)
	}
	h.UsedScenarioIDs[sc.ID] = true
	h.LastCategory = sc.Category
}

// Reset forgets every pick, starting a new cycle.
func (h *SamplerHistory) Reset() {
	h.UsedScenarioIDs = make(map[string]bool)
	h.LastCategory = ""
}

// UsedIDs returns the picked ids in sorted order.
func (h SamplerHistory) UsedIDs() []string {
	ids := make([]string, 0, len(h.UsedScenarioIDs))
	for id := range h.UsedScenarioIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of h.
func (h SamplerHistory) Clone() SamplerHistory {
	out := SamplerHistory{LastCategory: h.LastCategory, UsedScenarioIDs: make(map[string]bool, len(h.UsedScenarioIDs))}
	for id, v := range h.UsedScenarioIDs {
		out.UsedScenarioIDs[id] = v
	}
	return out
}

// Session is the state of one guided conversation in one chat thread.
//
// Participants is indexed by Slot. A nil entry is an empty slot; once filled a slot is never reassigned.
type Session struct {
	ConversationID string           `json:"conversation_id"`
	PassID         string           `json:"pass_id"`
	Participants   [2]*Participant  `json:"participants"`
	TurnOrder      Slot             `json:"turn_order"`
	Active         Slot             `json:"active"`
	Scenario       Scenario         `json:"scenario"`
	History        SamplerHistory   `json:"history"`
	Phase          Phase            `json:"phase"`
	Answers        map[Phase]string `json:"answers"`
	Options        []string         `json:"options,omitempty"`
	Finished       map[string]bool  `json:"finished"`
	Notified       map[string]bool  `json:"-"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// NewSession creates a session with first registered and turnOrder as the active slot.
func NewSession(conversationID string, first Participant, turnOrder Slot, now time.Time) (*Session, error) {
	if conversationID == "" {
		return nil, ErrEmptyConversationID
	}
	if first.ExternalID == "" {
		return nil, ErrEmptyExternalID
	}
	if turnOrder != SlotFirst && turnOrder != SlotSecond {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, int(turnOrder))
	}
	p := first
	return &Session{
		ConversationID: conversationID,
		Participants:   [2]*Participant{&p, nil},
		TurnOrder:      turnOrder,
		Active:         turnOrder,
		Phase:          PhaseSceneEmotion,
		Answers:        make(map[Phase]string),
		Finished:       make(map[string]bool),
		Notified:       make(map[string]bool),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Participant returns the participant in slot, if the slot is filled.
func (s *Session) Participant(slot Slot) (Participant, bool) {
	if slot != SlotFirst && slot != SlotSecond {
		return Participant{}, false
	}
	p := s.Participants[slot]
	if p == nil {
		return Participant{}, false
	}
	return *p, true
}

// ActiveParticipant returns the participant expected to answer, if that slot is filled.
func (s *Session) ActiveParticipant() (Participant, bool) {
	return s.Participant(s.Active)
}

// SlotOf returns the slot held by externalID.
func (s *Session) SlotOf(externalID string) (Slot, bool) {
	for _, slot := range []Slot{SlotFirst, SlotSecond} {
		if p := s.Participants[slot]; p != nil && p.ExternalID == externalID {
			return slot, true
		}
	}
	return 0, false
}

// Register places p in the second slot.
func (s *Session) Register(p Participant) (Slot, error) {
	if p.ExternalID == "" {
		return 0, ErrEmptyExternalID
	}
	if _, ok := s.SlotOf(p.ExternalID); ok {
		return 0, ErrAlreadyRegistered
	}
	if s.Participants[SlotSecond] != nil {
		return 0, ErrSlotsFull
	}
	registered := p
	s.Participants[SlotSecond] = &registered
	return SlotSecond, nil
}

// IsFinished reports whether externalID has completed a pass.
func (s *Session) IsFinished(externalID string) bool {
	return s.Finished[externalID]
}

// MarkFinished records that externalID completed a pass.
func (s *Session) MarkFinished(externalID string) {
	if s.Finished == nil {
		s.Finished = make(map[string]bool)
	}
	s.Finished[externalID] = true
}

// BothFinished reports whether both registered participants completed a pass.
func (s *Session) BothFinished() bool {
	for _, p := range s.Participants {
		if p == nil || !s.Finished[p.ExternalID] {
			return false
		}
	}
	return true
}

// ResetPass hands the turn to slot and restarts the phase sequence with a new pass id.
// The current scenario is kept.
func (s *Session) ResetPass(slot Slot, passID string) {
	s.Active = slot
	s.PassID = passID
	s.Phase = PhaseSceneEmotion
	s.Answers = make(map[Phase]string)
	s.Options = nil
	s.Notified = make(map[string]bool)
}

// AnswerContext collects what the generator needs to know about the active pass.
func (s *Session) AnswerContext() AnswerContext {
	ctx := AnswerContext{
		ScenarioText: s.Scenario.Text,
		Answers:      make(map[Phase]string, len(s.Answers)),
	}
	if p, ok := s.ActiveParticipant(); ok {
		ctx.ParticipantName = p.Name()
	}
	for phase, answer := range s.Answers {
		ctx.Answers[phase] = answer
	}
	return ctx
}

// Clone returns a deep copy of s that is safe to read without holding the session lock.
func (s *Session) Clone() Session {
	out := *s
	for i, p := range s.Participants {
		if p != nil {
			cp := *p
			out.Participants[i] = &cp
		}
	}
	out.Scenario = s.Scenario.Clone()
	out.History = s.History.Clone()
	out.Answers = make(map[Phase]string, len(s.Answers))
	for k, v := range s.Answers {
		out.Answers[k] = v
	}
	out.Options = append([]string(nil), s.Options...)
	out.Finished = make(map[string]bool, len(s.Finished))
	for k, v := range s.Finished {
		out.Finished[k] = v
	}
	out.Notified = make(map[string]bool, len(s.Notified))
	for k, v := range s.Notified {
		out.Notified[k] = v
	}
	return out
}
