package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event kinds recorded by the CLI.
const (
	EventLogin          = "login"
	EventRefresh        = "refresh"
	EventLogout         = "logout"
	EventCleared        = "cleared"
	EventRenewalFailure = "renewal_failure"
)

// Event is one entry of a profile's session history.
type Event struct {
	ID        string
	Profile   string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// RecordEvent appends an event to the profile's history.
func (s *SQLiteStore) RecordEvent(profile, kind, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO session_events (id, profile, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), profile, kind, detail, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents returns up to limit of the profile's most recent events, newest
// first. A non-positive limit returns all of them.
func (s *SQLiteStore) ListEvents(profile string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, profile, kind, detail, created_at FROM session_events
		WHERE profile = ? ORDER BY created_at DESC LIMIT ?`,
		profile, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Profile, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneEvents removes events older than the specified duration.
// Returns the number of rows deleted.
func (s *SQLiteStore) PruneEvents(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.Exec(`DELETE FROM session_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return result.RowsAffected()
}
