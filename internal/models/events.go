package models

import "time"

// EventKind distinguishes inbound transport events.
type EventKind string

const (
	// EventMessage is a text message from a participant.
	EventMessage EventKind = "message"
	// EventJoined is emitted when the bot is added to a thread.
	EventJoined EventKind = "joined"
)

// InboundEvent is a transport-neutral event delivered by a messaging service.
type InboundEvent struct {
	ID             string      `json:"id"`
	Kind           EventKind   `json:"kind"`
	Transport      string      `json:"transport"`
	ConversationID string      `json:"conversation_id"`
	Title          string      `json:"title,omitempty"`
	Sender         Participant `json:"sender"`
	Text           string      `json:"text,omitempty"`
	Time           time.Time   `json:"time"`
}

// Message converts the event to the form the coordinator consumes.
func (e InboundEvent) Message() InboundMessage {
	return InboundMessage{
		ConversationID: e.ConversationID,
		Sender:         e.Sender,
		Text:           e.Text,
		Time:           e.Time,
	}
}

// InboundMessage is a participant message routed to a conversation.
type InboundMessage struct {
	ConversationID string      `json:"conversation_id"`
	Sender         Participant `json:"sender"`
	Text           string      `json:"text"`
	Time           time.Time   `json:"time"`
}

// OutboundKind classifies messages the bot sends.
type OutboundKind string

const (
	OutboundScenario   OutboundKind = "scenario"
	OutboundQuestion   OutboundKind = "question"
	OutboundReflection OutboundKind = "reflection"
	OutboundHandoff    OutboundKind = "handoff"
	OutboundClosing    OutboundKind = "closing"
	OutboundNotice     OutboundKind = "notice"
)

// Outbound is a message addressed to a conversation, optionally naming the participant it is for.
type Outbound struct {
	ConversationID string       `json:"conversation_id"`
	Kind           OutboundKind `json:"kind"`
	To             *Participant `json:"to,omitempty"`
	Text           string       `json:"text"`
	Options        []string     `json:"options,omitempty"`
}

// AnswerContext carries the pass state a generator conditions on.
type AnswerContext struct {
	ScenarioText    string           `json:"scenario_text"`
	ParticipantName string           `json:"participant_name,omitempty"`
	Answers         map[Phase]string `json:"answers"`
}

// PhasePrompt is a question with selectable options.
type PhasePrompt struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Step is what the phase machine produced for the participant after a transition.
type Step struct {
	Phase        Phase    `json:"phase"`
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options,omitempty"`
	PassComplete bool     `json:"pass_complete"`
}
