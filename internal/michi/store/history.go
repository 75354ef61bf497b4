package store

import (
	"context"
	"fmt"

	"github.com/bdobrica/michi/internal/michi/intent"
)

var _ intent.UserFacts = (*Store)(nil)

// LoadHistory returns the user's newest limit entries, oldest first.
func (s *Store) LoadHistory(ctx context.Context, userID string, limit int) ([]intent.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT intent, project, created_at FROM (
			SELECT id, intent, project, created_at
			FROM user_history
			WHERE user_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query user history: %w", err)
	}
	defer rows.Close()

	var entries []intent.HistoryEntry
	for rows.Next() {
		var e intent.HistoryEntry
		if err := rows.Scan(&e.Intent, &e.Project, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user history: %w", err)
	}
	return entries, nil
}

// AppendHistory stores entry and trims the user's history to the newest keep
// rows.
func (s *Store) AppendHistory(ctx context.Context, userID string, entry intent.HistoryEntry, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_history (user_id, intent, project, created_at) VALUES (?, ?, ?, ?)
	`, userID, entry.Intent, entry.Project, entry.At.UTC()); err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_history
			WHERE user_id = ? AND id NOT IN (
				SELECT id FROM user_history WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)
		`, userID, userID, keep); err != nil {
			return fmt.Errorf("failed to trim user history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history entry: %w", err)
	}
	return nil
}
