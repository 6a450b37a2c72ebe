// Package profile stores the display identities the in-call UI shows for
// remote users. Rows are synced in from the school roster out of band; the
// call path only reads them.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/storage"
)

// Profile is one user's display identity.
type Profile struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Image    string `json:"profile_image,omitempty"`
}

// Store reads and writes the profiles table.
type Store struct {
	db *storage.DB
}

// New creates the table if needed and returns the store.
func New(db *storage.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			id            TEXT PRIMARY KEY,
			full_name     TEXT NOT NULL,
			profile_image TEXT NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("create profiles table: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert inserts or replaces a profile row.
func (s *Store) Upsert(p Profile) error {
	if p.UserID == "" {
		return errors.New("profile user id is empty")
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO profiles (id, full_name, profile_image) VALUES (?, ?, ?)
	`, p.UserID, p.FullName, p.Image)
	return err
}

// Lookup returns the display name and avatar for userID. An unknown user is
// not an error: the caller gets "Unknown" and an empty image.
func (s *Store) Lookup(ctx context.Context, userID string) (fullName, image string, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	row := s.db.QueryRow(`SELECT full_name, profile_image FROM profiles WHERE id = ?`, userID)
	if err := row.Scan(&fullName, &image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "Unknown", "", nil
		}
		return "", "", err
	}
	return fullName, image, nil
}
