package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/nfce/dbopen"
)

// Attempt is one scrape log row. State is the scraper state reached
// (retry, failed, success, store_error, cancelled); ErrorClass is empty on
// success.
type Attempt struct {
	ID         string `json:"id"`
	AccessKey  string `json:"access_key"`
	Attempt    int    `json:"attempt"`
	State      string `json:"state"`
	ErrorClass string `json:"error_class,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	CreatedAt  int64  `json:"created_at"`
}

// LogAttempt appends a to the scrape log.
func (s *Store) LogAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = s.newID()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixMilli()
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO scrape_log (id, access_key, attempt, state, error_class, message, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AccessKey, a.Attempt, a.State, a.ErrorClass, a.Message, a.DurationMs, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: log attempt: %w", err)
	}
	return nil
}

// Attempts returns the log for key, oldest first.
func (s *Store) Attempts(ctx context.Context, key string) ([]Attempt, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, access_key, attempt, state, error_class, message, duration_ms, created_at
		FROM scrape_log WHERE access_key = ?
		ORDER BY created_at, rowid`, key)
	if err != nil {
		return nil, fmt.Errorf("store: attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.AccessKey, &a.Attempt, &a.State, &a.ErrorClass,
			&a.Message, &a.DurationMs, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: attempts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
