package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeOptions serializes emotion options for a nullable JSON column.
func encodeOptions(opts []string) (interface{}, error) {
	if len(opts) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode emotion options: %w", err)
	}
	return string(b), nil
}

func decodeOptions(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var opts []string
	if err := json.Unmarshal([]byte(raw.String), &opts); err != nil {
		return nil, fmt.Errorf("decode emotion options: %w", err)
	}
	return opts, nil
}

// encodeUsedIDs stores the used-id set as a sorted JSON array.
func encodeUsedIDs(h models.SamplerHistory) (string, error) {
	b, err := json.Marshal(h.UsedIDs())
	if err != nil {
		return "", fmt.Errorf("encode sampler history: %w", err)
	}
	return string(b), nil
}

func decodeHistory(usedJSON string, lastCategory sql.NullString) (models.SamplerHistory, error) {
	h := models.SamplerHistory{UsedScenarioIDs: make(map[string]bool), LastCategory: lastCategory.String}
	var ids []string
	if err := json.Unmarshal([]byte(usedJSON), &ids); err != nil {
		return h, fmt.Errorf("decode sampler history: %w", err)
	}
	for _, id := range ids {
		h.UsedScenarioIDs[id] = true
	}
	return h, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScenario(row rowScanner) (models.Scenario, error) {
	var sc models.Scenario
	var category, opts sql.NullString
	if err := row.Scan(&sc.ID, &sc.Text, &category, &sc.Active, &opts); err != nil {
		return sc, err
	}
	sc.Category = category.String
	decoded, err := decodeOptions(opts)
	if err != nil {
		return sc, err
	}
	sc.EmotionOptions = decoded
	return sc, nil
}

func scanTranscript(row rowScanner) (models.TranscriptRecord, error) {
	var r models.TranscriptRecord
	var speaker string
	var speakerID, phase sql.NullString
	if err := row.Scan(&r.ID, &r.ConversationID, &r.PassID, &speaker, &speakerID, &phase, &r.Text, &r.Timestamp); err != nil {
		return r, err
	}
	r.Speaker = models.Speaker(speaker)
	r.SpeakerID = speakerID.String
	r.Phase = phase.String
	return r, nil
}

func scanThread(row rowScanner) (models.Thread, error) {
	var t models.Thread
	var title, starterName sql.NullString
	if err := row.Scan(&t.ConversationID, &t.Transport, &title, &t.StarterID, &starterName, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	t.Title = title.String
	t.StarterName = starterName.String
	return t, nil
}
