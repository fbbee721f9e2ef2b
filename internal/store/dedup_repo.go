package store

// DedupRepo defines the interface for inbound message deduplication.
//
// Transports may redeliver a message after a reconnect; the dispatcher records every inbound
// message id before handing it to the coordinator and drops ids it has already seen.
type DedupRepo interface {
	// IsDuplicate reports whether a message id has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded.
	RecordInbound(messageID, conversationID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error
}
