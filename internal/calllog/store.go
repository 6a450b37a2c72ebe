// Package calllog persists call history rows. Writes are best effort from
// the session manager's point of view; only the history API reads them back.
package calllog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/call"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/storage"
)

// Row statuses. A row starts as calling and is finalized exactly once.
const (
	StatusCalling  = "calling"
	StatusDeclined = "declined"
	StatusAnswered = "answered"
)

// Record is one call-history row.
type Record struct {
	CallID      string    `json:"call_id"`
	CallerID    string    `json:"caller_id"`
	RecipientID string    `json:"recipient_id"`
	CallType    string    `json:"call_type"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	DurationSec int       `json:"duration_sec"`
}

// Store reads and writes the call_logs table.
type Store struct {
	db *storage.DB
}

// New creates the table if needed and returns the store.
func New(db *storage.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_logs (
			id           TEXT PRIMARY KEY,
			caller_id    TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			call_type    TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'calling',
			started_at   DATETIME NOT NULL,
			ended_at     DATETIME,
			duration     INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("create call_logs table: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert records a new call attempt in the calling state.
func (s *Store) Insert(callID, callerID, recipientID string, callType call.CallType, startedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO call_logs (id, caller_id, recipient_id, call_type, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, callID, callerID, recipientID, string(callType), StatusCalling, startedAt.UTC())
	return err
}

// MarkDeclined flags the call as declined by the recipient.
func (s *Store) MarkDeclined(callID string) error {
	_, err := s.db.Exec(`UPDATE call_logs SET status = ? WHERE id = ?`, StatusDeclined, callID)
	return err
}

// Finish closes an answered call with its end time and duration.
func (s *Store) Finish(callID string, endedAt time.Time, durationSec int) error {
	_, err := s.db.Exec(`
		UPDATE call_logs SET status = ?, ended_at = ?, duration = ? WHERE id = ?
	`, StatusAnswered, endedAt.UTC(), durationSec, callID)
	return err
}

// Recent returns up to limit rows, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, caller_id, recipient_id, call_type, status, started_at, ended_at, duration
		FROM call_logs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ended sql.NullTime
		if err := rows.Scan(&r.CallID, &r.CallerID, &r.RecipientID, &r.CallType,
			&r.Status, &r.StartedAt, &ended, &r.DurationSec); err != nil {
			return nil, err
		}
		if ended.Valid {
			r.EndedAt = ended.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
