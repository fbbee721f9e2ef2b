package flow

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/models"
	"github.com/BTreeMap/DuetPipe/internal/store"
)

// TranscriptLogger appends conversation lines to a TranscriptRepo. Writes are best effort:
// failures are logged and counted, never returned.
type TranscriptLogger struct {
	repo store.TranscriptRepo
	now  func() time.Time
}

// NewTranscriptLogger creates a logger over repo. A nil repo discards every record.
func NewTranscriptLogger(repo store.TranscriptRepo) *TranscriptLogger {
	return &TranscriptLogger{repo: repo, now: time.Now}
}

// Bot records a line sent by the bot.
func (l *TranscriptLogger) Bot(s *models.Session, text string) {
	l.append(models.TranscriptRecord{
		ConversationID: s.ConversationID,
		PassID:         s.PassID,
		Speaker:        models.SpeakerBot,
		Phase:          s.Phase.String(),
		Text:           text,
	})
}

// Participant records an answer given during phase.
func (l *TranscriptLogger) Participant(s *models.Session, senderID string, phase models.Phase, text string) {
	l.append(models.TranscriptRecord{
		ConversationID: s.ConversationID,
		PassID:         s.PassID,
		Speaker:        models.SpeakerParticipant,
		SpeakerID:      senderID,
		Phase:          phase.String(),
		Text:           text,
	})
}

func (l *TranscriptLogger) append(r models.TranscriptRecord) {
	if l == nil || l.repo == nil {
		return
	}
	r.Timestamp = l.now()
	if err := l.repo.AppendTranscript(r); err != nil {
		transcriptFailures.Inc()
		slog.Warn("TranscriptLogger.append: write failed", "conversationID", r.ConversationID, "passID", r.PassID, "error", err)
	}
}
