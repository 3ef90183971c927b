package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/septivank/tankwatch/internal/db"
)

const summaryColumns = `
	report_date, readings_count, liquid_depth_count,
	start_depth, end_depth, min_depth, max_depth, net_change_depth, duration_hours,
	night_start_depth, night_end_depth, night_duration_hours, night_fill_rate_per_hour,
	night_r_squared, night_sample_count,
	estimated_intake_depth, estimated_intake_liters, estimated_usage_depth, estimated_usage_liters,
	created_at`

// UpsertDailySummary stores the summary for its date, replacing any
// previous analysis of that date.
func (r *Repository) UpsertDailySummary(ctx context.Context, s *db.DailySummary) error {
	query := `
		INSERT INTO daily_summaries (
			report_date, readings_count, liquid_depth_count,
			start_depth, end_depth, min_depth, max_depth, net_change_depth, duration_hours,
			night_start_depth, night_end_depth, night_duration_hours, night_fill_rate_per_hour,
			night_r_squared, night_sample_count,
			estimated_intake_depth, estimated_intake_liters, estimated_usage_depth, estimated_usage_liters
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (report_date) DO UPDATE SET
			readings_count = EXCLUDED.readings_count,
			liquid_depth_count = EXCLUDED.liquid_depth_count,
			start_depth = EXCLUDED.start_depth,
			end_depth = EXCLUDED.end_depth,
			min_depth = EXCLUDED.min_depth,
			max_depth = EXCLUDED.max_depth,
			net_change_depth = EXCLUDED.net_change_depth,
			duration_hours = EXCLUDED.duration_hours,
			night_start_depth = EXCLUDED.night_start_depth,
			night_end_depth = EXCLUDED.night_end_depth,
			night_duration_hours = EXCLUDED.night_duration_hours,
			night_fill_rate_per_hour = EXCLUDED.night_fill_rate_per_hour,
			night_r_squared = EXCLUDED.night_r_squared,
			night_sample_count = EXCLUDED.night_sample_count,
			estimated_intake_depth = EXCLUDED.estimated_intake_depth,
			estimated_intake_liters = EXCLUDED.estimated_intake_liters,
			estimated_usage_depth = EXCLUDED.estimated_usage_depth,
			estimated_usage_liters = EXCLUDED.estimated_usage_liters,
			created_at = NOW()
	`

	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query,
			dateOnly(s.ReportDate),
			s.ReadingsCount,
			s.DepthReadingsCount,
			s.StartDepth,
			s.EndDepth,
			s.MinDepth,
			s.MaxDepth,
			s.NetChangeDepth,
			s.DurationHours,
			s.NightStartDepth,
			s.NightEndDepth,
			s.NightDurationHours,
			s.NightFillRatePerHour,
			s.NightRSquared,
			s.NightSampleCount,
			s.EstimatedIntakeDepth,
			s.EstimatedIntakeLiters,
			s.EstimatedUsageDepth,
			s.EstimatedUsageLiters,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert daily summary for %s: %w", s.ReportDate.Format("2006-01-02"), err)
	}

	return nil
}

// GetDailySummary returns the summary stored for date. ErrNotFound when the
// date has not been analyzed.
func (r *Repository) GetDailySummary(ctx context.Context, date time.Time) (*db.DailySummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM daily_summaries WHERE report_date = $1`

	var s *db.DailySummary
	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, dateOnly(date))
		if err != nil {
			return err
		}
		s, err = pgx.CollectExactlyOneRow(rows, scanSummary)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query daily summary: %w", wrapNoRows(err, "daily summary"))
	}

	return s, nil
}

// GetRecentSummaries returns up to days summaries strictly before date,
// newest first.
func (r *Repository) GetRecentSummaries(ctx context.Context, before time.Time, days int) ([]*db.DailySummary, error) {
	query := `SELECT ` + summaryColumns + `
		FROM daily_summaries
		WHERE report_date < $1
		ORDER BY report_date DESC
		LIMIT $2`

	var summaries []*db.DailySummary
	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, dateOnly(before), days)
		if err != nil {
			return err
		}
		summaries, err = pgx.CollectRows(rows, scanSummary)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query recent summaries: %w", err)
	}

	return summaries, nil
}

func scanSummary(row pgx.CollectableRow) (*db.DailySummary, error) {
	var s db.DailySummary
	err := row.Scan(
		&s.ReportDate,
		&s.ReadingsCount,
		&s.DepthReadingsCount,
		&s.StartDepth,
		&s.EndDepth,
		&s.MinDepth,
		&s.MaxDepth,
		&s.NetChangeDepth,
		&s.DurationHours,
		&s.NightStartDepth,
		&s.NightEndDepth,
		&s.NightDurationHours,
		&s.NightFillRatePerHour,
		&s.NightRSquared,
		&s.NightSampleCount,
		&s.EstimatedIntakeDepth,
		&s.EstimatedIntakeLiters,
		&s.EstimatedUsageDepth,
		&s.EstimatedUsageLiters,
		&s.CreatedAt,
	)
	return &s, err
}

// dateOnly keeps the calendar date of t in its own location. The date
// column must not shift with the session time zone.
func dateOnly(t time.Time) string {
	return t.Format("2006-01-02")
}
