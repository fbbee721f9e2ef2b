// Package store provides storage backends for DuetPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/DuetPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists application data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "dsn_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore.NewPostgresStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{db: db}, nil
}

// UpsertScenario inserts or replaces a scenario.
func (s *PostgresStore) UpsertScenario(sc models.Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	opts, err := encodeOptions(sc.EmotionOptions)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.Exec(`
		INSERT INTO scenarios (id, text, category, active, emotion_options, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			category = EXCLUDED.category,
			active = EXCLUDED.active,
			emotion_options = EXCLUDED.emotion_options,
			updated_at = EXCLUDED.updated_at`,
		sc.ID, sc.Text, nilIfEmpty(sc.Category), sc.Active, opts, now, now)
	if err != nil {
		slog.Error("PostgresStore.UpsertScenario: failed", "error", err, "scenarioID", sc.ID)
		return fmt.Errorf("failed to upsert scenario %s: %w", sc.ID, err)
	}
	slog.Debug("PostgresStore.UpsertScenario: succeeded", "scenarioID", sc.ID, "active", sc.Active)
	return nil
}

// GetScenario returns nil, nil when the id is unknown.
func (s *PostgresStore) GetScenario(id string) (*models.Scenario, error) {
	row := s.db.QueryRow(`SELECT id, text, category, active, emotion_options FROM scenarios WHERE id = $1`, id)
	sc, err := scanScenario(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetScenario: failed", "error", err, "scenarioID", id)
		return nil, fmt.Errorf("failed to get scenario %s: %w", id, err)
	}
	return &sc, nil
}

// ListScenarios returns scenarios ordered by id.
func (s *PostgresStore) ListScenarios(activeOnly bool) ([]models.Scenario, error) {
	query := `SELECT id, text, category, active, emotion_options FROM scenarios`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("PostgresStore.ListScenarios: query failed", "error", err)
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var out []models.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scenario row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scenario rows: %w", err)
	}
	return out, nil
}

// SetScenarioActive toggles whether a scenario may be sampled.
func (s *PostgresStore) SetScenarioActive(id string, active bool) error {
	res, err := s.db.Exec(`UPDATE scenarios SET active = $1, updated_at = $2 WHERE id = $3`, active, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore.SetScenarioActive: failed", "error", err, "scenarioID", id)
		return fmt.Errorf("failed to update scenario %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected check failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrScenarioNotFound, id)
	}
	return nil
}

// AppendTranscript inserts one transcript line.
func (s *PostgresStore) AppendTranscript(r models.TranscriptRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO transcripts (conversation_id, pass_id, speaker, speaker_id, phase, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ConversationID, r.PassID, string(r.Speaker), nilIfEmpty(r.SpeakerID), nilIfEmpty(r.Phase), r.Text, r.Timestamp)
	if err != nil {
		slog.Error("PostgresStore.AppendTranscript: failed", "error", err, "conversationID", r.ConversationID)
		return fmt.Errorf("failed to append transcript for %s: %w", r.ConversationID, err)
	}
	return nil
}

// GetTranscript returns transcript lines in insertion order.
func (s *PostgresStore) GetTranscript(conversationID, passID string) ([]models.TranscriptRecord, error) {
	query := `SELECT id, conversation_id, pass_id, speaker, speaker_id, phase, text, created_at
		FROM transcripts WHERE conversation_id = $1`
	args := []interface{}{conversationID}
	if passID != "" {
		query += ` AND pass_id = $2`
		args = append(args, passID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore.GetTranscript: query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var out []models.TranscriptRecord
	for rows.Next() {
		r, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transcript row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transcript rows: %w", err)
	}
	return out, nil
}

// SaveThread upserts a thread, keeping its original created_at.
func (s *PostgresStore) SaveThread(t models.Thread) error {
	if t.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO threads (conversation_id, transport, title, starter_id, starter_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id) DO UPDATE SET
			transport = EXCLUDED.transport,
			title = EXCLUDED.title,
			starter_id = EXCLUDED.starter_id,
			starter_name = EXCLUDED.starter_name,
			updated_at = EXCLUDED.updated_at`,
		t.ConversationID, t.Transport, nilIfEmpty(t.Title), t.StarterID, nilIfEmpty(t.StarterName), t.CreatedAt, now)
	if err != nil {
		slog.Error("PostgresStore.SaveThread: failed", "error", err, "conversationID", t.ConversationID)
		return fmt.Errorf("failed to save thread %s: %w", t.ConversationID, err)
	}
	return nil
}

// GetThread returns nil, nil for unknown threads.
func (s *PostgresStore) GetThread(conversationID string) (*models.Thread, error) {
	row := s.db.QueryRow(`SELECT conversation_id, transport, title, starter_id, starter_name, created_at, updated_at
		FROM threads WHERE conversation_id = $1`, conversationID)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", conversationID, err)
	}
	return &t, nil
}

// ListThreads returns all known threads ordered by conversation id.
func (s *PostgresStore) ListThreads() ([]models.Thread, error) {
	rows, err := s.db.Query(`SELECT conversation_id, transport, title, starter_id, starter_name, created_at, updated_at
		FROM threads ORDER BY conversation_id`)
	if err != nil {
		slog.Error("PostgresStore.ListThreads: query failed", "error", err)
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var out []models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetSamplerHistory returns an empty history for conversations that never completed a session.
func (s *PostgresStore) GetSamplerHistory(conversationID string) (models.SamplerHistory, error) {
	var used string
	var last sql.NullString
	err := s.db.QueryRow(`SELECT used_scenario_ids, last_category FROM sampler_history WHERE conversation_id = $1`,
		conversationID).Scan(&used, &last)
	if err == sql.ErrNoRows {
		return models.SamplerHistory{UsedScenarioIDs: make(map[string]bool)}, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSamplerHistory: failed", "error", err, "conversationID", conversationID)
		return models.SamplerHistory{}, fmt.Errorf("failed to get sampler history: %w", err)
	}
	return decodeHistory(used, last)
}

// SaveSamplerHistory replaces the stored history for a conversation.
func (s *PostgresStore) SaveSamplerHistory(conversationID string, h models.SamplerHistory) error {
	used, err := encodeUsedIDs(h)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sampler_history (conversation_id, used_scenario_ids, last_category, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id) DO UPDATE SET
			used_scenario_ids = EXCLUDED.used_scenario_ids,
			last_category = EXCLUDED.last_category,
			updated_at = EXCLUDED.updated_at`,
		conversationID, used, nilIfEmpty(h.LastCategory), time.Now())
	if err != nil {
		slog.Error("PostgresStore.SaveSamplerHistory: failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to save sampler history: %w", err)
	}
	return nil
}

// IsDuplicate reports whether the message id was already recorded.
func (s *PostgresStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

// RecordInbound returns false when the message id is already known.
func (s *PostgresStore) RecordInbound(messageID, conversationID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, conversation_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, conversationID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed stamps processed_at for a recorded message.
func (s *PostgresStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore.Close: closing database")
	if err := s.db.Close(); err != nil {
		slog.Error("PostgresStore.Close: failed", "error", err)
		return err
	}
	return nil
}
