package repository

import (
	"context"
	"fmt"

	"github.com/septivank/tankwatch/internal/db"
)

// RecordSyncAttempt appends an ingestion audit record. Recording the same
// attempt twice keeps the first.
func (r *Repository) RecordSyncAttempt(ctx context.Context, attempt *db.SyncAttempt) error {
	query := `
		INSERT INTO sync_log (id, synced_at, last_event_time, records_added, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`

	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query,
			attempt.ID,
			attempt.SyncedAt,
			attempt.LastEventTime,
			attempt.RecordsAdded,
			attempt.Status,
			attempt.ErrorMessage,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record sync attempt: %w", err)
	}

	return nil
}

// GetLastSuccessfulSync returns the most recent successful attempt that
// recorded a high-water mark. ErrNotFound when there is none.
func (r *Repository) GetLastSuccessfulSync(ctx context.Context) (*db.SyncAttempt, error) {
	query := `
		SELECT id, synced_at, last_event_time, records_added, status, error_message
		FROM sync_log
		WHERE status = $1 AND last_event_time IS NOT NULL
		ORDER BY synced_at DESC
		LIMIT 1
	`

	var a db.SyncAttempt
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query, db.SyncStatusSuccess).Scan(
			&a.ID,
			&a.SyncedAt,
			&a.LastEventTime,
			&a.RecordsAdded,
			&a.Status,
			&a.ErrorMessage,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query last successful sync: %w", wrapNoRows(err, "sync attempt"))
	}

	return &a, nil
}
