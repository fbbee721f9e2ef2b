package models

import "time"

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	SpeakerParticipant Speaker = "participant"
	SpeakerBot         Speaker = "bot"
)

// TranscriptRecord is one persisted line of a conversation, keyed by conversation and pass.
type TranscriptRecord struct {
	ID             int64     `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	PassID         string    `json:"pass_id"`
	Speaker        Speaker   `json:"speaker"`
	SpeakerID      string    `json:"speaker_id,omitempty"`
	Phase          string    `json:"phase,omitempty"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// Thread is a chat thread the bot has seen, used for scheduled kickoffs.
type Thread struct {
	ConversationID string    `json:"conversation_id"`
	Transport      string    `json:"transport"`
	Title          string    `json:"title,omitempty"`
	StarterID      string    `json:"starter_id"`
	StarterName    string    `json:"starter_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Starter returns the participant that scheduled kickoffs use as first.
func (t Thread) Starter() Participant {
	return Participant{ExternalID: t.StarterID, DisplayName: t.StarterName}
}
