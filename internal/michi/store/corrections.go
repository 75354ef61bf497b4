package store

import (
	"context"
	"fmt"

	"github.com/bdobrica/michi/internal/michi/intent"
)

var _ intent.CorrectionStore = (*Store)(nil)

// LoadCorrections returns every stored correction, oldest first, and every
// learned pattern.
func (s *Store) LoadCorrections(ctx context.Context) ([]intent.Correction, []intent.LearnedPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, original_text, corrected_text, original_intent, original_project, created_at
		FROM corrections
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	defer rows.Close()

	var corrections []intent.Correction
	for rows.Next() {
		var c intent.Correction
		if err := rows.Scan(&c.ID, &c.UserID, &c.OriginalText, &c.CorrectedText,
			&c.OriginalIntent, &c.OriginalProject, &c.Timestamp); err != nil {
			return nil, nil, fmt.Errorf("failed to scan correction: %w", err)
		}
		corrections = append(corrections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating corrections: %w", err)
	}

	prows, err := s.db.QueryContext(ctx, `
		SELECT pattern_key, count, last_corrected_text, updated_at
		FROM learned_patterns
		ORDER BY pattern_key
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query learned patterns: %w", err)
	}
	defer prows.Close()

	var patterns []intent.LearnedPattern
	for prows.Next() {
		var p intent.LearnedPattern
		if err := prows.Scan(&p.Key, &p.Count, &p.LastCorrectedText, &p.UpdatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan learned pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := prows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating learned patterns: %w", err)
	}
	return corrections, patterns, nil
}

// SaveCorrections inserts new corrections (existing IDs are left alone) and
// upserts patterns by key, in one transaction.
func (s *Store) SaveCorrections(ctx context.Context, corrections []intent.Correction, patterns []intent.LearnedPattern) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range corrections {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO corrections (id, user_id, original_text, corrected_text, original_intent, original_project, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, c.ID, c.UserID, c.OriginalText, c.CorrectedText, c.OriginalIntent, c.OriginalProject, c.Timestamp.UTC()); err != nil {
			return fmt.Errorf("failed to insert correction %s: %w", c.ID, err)
		}
	}
	for _, p := range patterns {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO learned_patterns (pattern_key, count, last_corrected_text, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(pattern_key) DO UPDATE SET
				count = excluded.count,
				last_corrected_text = excluded.last_corrected_text,
				updated_at = excluded.updated_at
		`, p.Key, p.Count, p.LastCorrectedText, p.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to upsert learned pattern %s: %w", p.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit corrections: %w", err)
	}
	return nil
}
