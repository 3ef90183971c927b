package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/septivank/tankwatch/internal/db"
)

// InsertEventsIfAbsent stores events whose (event_time, code) is not yet
// present and returns how many rows were inserted. Re-inserting stored
// events is a no-op.
func (r *Repository) InsertEventsIfAbsent(ctx context.Context, events []db.SensorEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	type key struct {
		eventTime int64
		code      string
	}
	seen := make(map[key]bool, len(events))

	var (
		eventTimes []int64
		eventUTC   []time.Time
		codes      []string
		values     []string
		statuses   []string
		sources    []string
		eventIDs   []string
	)
	for _, e := range events {
		k := key{e.EventTime, e.Code}
		if seen[k] {
			continue
		}
		seen[k] = true

		eventTimes = append(eventTimes, e.EventTime)
		eventUTC = append(eventUTC, e.EventTimeUTC)
		codes = append(codes, e.Code)
		values = append(values, e.Value)
		statuses = append(statuses, e.Status)
		sources = append(sources, e.SourceID)
		eventIDs = append(eventIDs, e.EventTypeID)
	}

	query := `
		INSERT INTO sensor_readings (event_time, event_time_utc, code, value, status, event_from, event_id)
		SELECT * FROM unnest($1::bigint[], $2::timestamptz[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[])
		ON CONFLICT (event_time, code) DO NOTHING
	`

	var inserted int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, query, eventTimes, eventUTC, codes, values, statuses, sources, eventIDs)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert sensor readings: %w", err)
	}

	return inserted, nil
}

// GetLatestEventTime returns the newest stored event time, nil when the
// table is empty.
func (r *Repository) GetLatestEventTime(ctx context.Context) (*int64, error) {
	var latest *int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.db.QueryRow(ctx, `SELECT MAX(event_time) FROM sensor_readings`).Scan(&latest)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query latest event time: %w", err)
	}
	return latest, nil
}

// QueryEventsInRange returns events with start <= event_time_utc < end,
// oldest first.
func (r *Repository) QueryEventsInRange(ctx context.Context, start, end time.Time) ([]db.SensorEvent, error) {
	query := `
		SELECT event_time, event_time_utc, code, value,
		       COALESCE(status, ''), COALESCE(event_from, ''), COALESCE(event_id, '')
		FROM sensor_readings
		WHERE event_time_utc >= $1 AND event_time_utc < $2
		ORDER BY event_time ASC
	`

	var events []db.SensorEvent
	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, start.UTC(), end.UTC())
		if err != nil {
			return err
		}

		events, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (db.SensorEvent, error) {
			var e db.SensorEvent
			err := row.Scan(&e.EventTime, &e.EventTimeUTC, &e.Code, &e.Value, &e.Status, &e.SourceID, &e.EventTypeID)
			return e, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor readings: %w", err)
	}

	return events, nil
}
