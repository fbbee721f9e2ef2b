// Package store provides storage backends for DuetPipe.
//
// It persists the scenario pool, conversation transcripts, known chat threads, per-conversation
// sampler history and inbound message deduplication records. An in-memory store is provided for
// tests and for running without a database; SQLite and PostgreSQL back production deployments.
package store

import (
	"errors"
	"strings"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// ErrScenarioNotFound is returned when an operation names a scenario that does not exist.
var ErrScenarioNotFound = errors.New("scenario not found")

// ScenarioRepo manages the scenario pool.
type ScenarioRepo interface {
	// UpsertScenario inserts the scenario or replaces the stored one with the same id.
	UpsertScenario(sc models.Scenario) error
	// GetScenario returns nil if the id is unknown.
	GetScenario(id string) (*models.Scenario, error)
	// ListScenarios returns scenarios ordered by id.
	ListScenarios(activeOnly bool) ([]models.Scenario, error)
	SetScenarioActive(id string, active bool) error
}

// TranscriptRepo records every line of a conversation.
type TranscriptRepo interface {
	AppendTranscript(r models.TranscriptRecord) error
	// GetTranscript returns records in the order they were appended. An empty passID returns every pass.
	GetTranscript(conversationID, passID string) ([]models.TranscriptRecord, error)
}

// ThreadRepo keeps the chat threads the bot has been added to.
type ThreadRepo interface {
	// SaveThread upserts a thread, preserving its original creation time.
	SaveThread(t models.Thread) error
	GetThread(conversationID string) (*models.Thread, error)
	ListThreads() ([]models.Thread, error)
}

// HistoryRepo persists the scenario sampler history between sessions of a conversation.
type HistoryRepo interface {
	// GetSamplerHistory returns an empty history for unknown conversations.
	GetSamplerHistory(conversationID string) (models.SamplerHistory, error)
	SaveSamplerHistory(conversationID string, h models.SamplerHistory) error
}

// Store is the full persistence surface used by the application.
type Store interface {
	ScenarioRepo
	TranscriptRepo
	ThreadRepo
	HistoryRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for Store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for Store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for PostgreSQL URLs and
// key/value connection strings, "sqlite3" for anything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns a SQLite or PostgreSQL store depending on the shape of dsn.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
