// Package checkpoint persists the subscriber's replay position. The
// stored id always trails in-flight work: it is written only after the
// dispatcher reports every earlier event terminal, so a crash replays
// at-least-once instead of losing events.
package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load returns the persisted replay id for the topic, or nil when the
// subscriber has never checkpointed (first run).
func (s *Store) Load(topic string) ([]byte, error) {
	var replayID []byte
	err := s.db.QueryRow(
		"SELECT replay_id FROM checkpoints WHERE topic = ?", topic,
	).Scan(&replayID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", topic, err)
	}
	return replayID, nil
}

func (s *Store) Save(topic string, replayID []byte) error {
	if len(replayID) == 0 {
		return fmt.Errorf("refusing to save empty replay id for %s", topic)
	}

	_, err := s.db.Exec(`
		INSERT INTO checkpoints (topic, replay_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(topic) DO UPDATE SET replay_id = excluded.replay_id, updated_at = CURRENT_TIMESTAMP
	`, topic, replayID)
	if err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", topic, err)
	}
	return nil
}

// Clear drops the checkpoint, used when the upstream reports the stored
// replay id expired and the subscriber falls back to latest.
func (s *Store) Clear(topic string) error {
	if _, err := s.db.Exec("DELETE FROM checkpoints WHERE topic = ?", topic); err != nil {
		return fmt.Errorf("clear checkpoint for %s: %w", topic, err)
	}
	return nil
}
