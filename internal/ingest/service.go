package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/tankwatch/internal/db"
	"github.com/septivank/tankwatch/internal/logging"
	"github.com/septivank/tankwatch/internal/metrics"
	"github.com/septivank/tankwatch/internal/repository"
	"github.com/septivank/tankwatch/internal/tuya"
	"github.com/septivank/tankwatch/internal/validator"
)

// Store is the storage the pipeline reads its high-water mark from and
// writes events and audit records to.
type Store interface {
	InsertEventsIfAbsent(ctx context.Context, events []db.SensorEvent) (int64, error)
	GetLatestEventTime(ctx context.Context) (*int64, error)
	GetLastSuccessfulSync(ctx context.Context) (*db.SyncAttempt, error)
	RecordSyncAttempt(ctx context.Context, attempt *db.SyncAttempt) error
}

// LogFetcher drains the vendor log endpoint for a window.
type LogFetcher interface {
	FetchLogs(ctx context.Context, deviceID string, startMillis, endMillis int64) (*tuya.FetchResult, error)
}

// Options holds window settings
type Options struct {
	DeviceID         string
	InitialSyncHours int
	OverlapMinutes   int
}

// Service pulls new device logs into storage
type Service struct {
	store     Store
	fetcher   LogFetcher
	validator *validator.Validator
	recorder  *metrics.Recorder
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a new ingestion service. recorder may be nil.
func NewService(
	store Store,
	fetcher LogFetcher,
	validator *validator.Validator,
	recorder *metrics.Recorder,
	opts Options,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:     store,
		fetcher:   fetcher,
		validator: validator,
		recorder:  recorder,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

type runStats struct {
	added    int64
	last     *int64
	pages    int
	rejected int
}

// RunSync ingests everything newer than the stored high-water mark up to
// now. It always records exactly one sync attempt and never returns an
// error; the outcome is in the returned attempt.
func (s *Service) RunSync(ctx context.Context) *db.SyncAttempt {
	now := s.now()
	runLogger := logging.WithRunID(s.logger, uuid.NewString())

	start, mark, err := s.resolveWindowStart(ctx, now)
	if err != nil {
		return s.finish(ctx, runLogger, now, runStats{}, fmt.Errorf("failed to resolve sync window: %w", err))
	}

	return s.runWindow(ctx, runLogger, now, start, now.UnixMilli(), mark)
}

// RunSyncWindow ingests an explicit [startMillis, endMillis] window with the
// same audit guarantees as RunSync.
func (s *Service) RunSyncWindow(ctx context.Context, startMillis, endMillis int64) *db.SyncAttempt {
	now := s.now()
	runLogger := logging.WithRunID(s.logger, uuid.NewString())

	mark, err := s.store.GetLatestEventTime(ctx)
	if err != nil {
		runLogger.Warn("could not read high-water mark", zap.Error(err))
		mark = nil
	}

	return s.runWindow(ctx, runLogger, now, startMillis, endMillis, mark)
}

// resolveWindowStart picks the first millisecond not yet stored: the
// latest stored event, else the last successful sync, else the initial
// lookback.
func (s *Service) resolveWindowStart(ctx context.Context, now time.Time) (int64, *int64, error) {
	overlap := int64(s.opts.OverlapMinutes) * time.Minute.Milliseconds()

	latest, err := s.store.GetLatestEventTime(ctx)
	if err != nil {
		return 0, nil, err
	}
	if latest != nil {
		return *latest + 1 - overlap, latest, nil
	}

	last, err := s.store.GetLastSuccessfulSync(ctx)
	switch {
	case err == nil && last.LastEventTime != nil:
		return *last.LastEventTime + 1 - overlap, last.LastEventTime, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return 0, nil, err
	}

	lookback := time.Duration(s.opts.InitialSyncHours) * time.Hour
	return now.Add(-lookback).UnixMilli(), nil, nil
}

func (s *Service) runWindow(ctx context.Context, runLogger *zap.Logger, now time.Time, start, end int64, mark *int64) *db.SyncAttempt {
	runLogger.Info("starting sync",
		zap.String("device_id", s.opts.DeviceID),
		zap.Time("window_start", time.UnixMilli(start).UTC()),
		zap.Time("window_end", time.UnixMilli(end).UTC()))

	stats := runStats{last: mark}

	fetched, err := s.fetcher.FetchLogs(ctx, s.opts.DeviceID, start, end)
	if err != nil {
		return s.finish(ctx, runLogger, now, stats, fmt.Errorf("failed to fetch device logs: %w", err))
	}
	stats.pages = fetched.Pages
	if fetched.Partial {
		runLogger.Warn("device log fetch was partial, the next run will cover the gap",
			zap.Int("logs", len(fetched.Logs)))
	}

	events := make([]db.SensorEvent, 0, len(fetched.Logs))
	for _, log := range fetched.Logs {
		event, result := s.validator.ValidateLog(log, now)
		if !result.IsValid {
			stats.rejected++
			runLogger.Debug("rejected device log",
				zap.Int64("event_time", log.EventTime),
				zap.String("code", log.Code),
				zap.String("reason", result.AnomalyReason))
			continue
		}
		events = append(events, event)
	}
	if stats.rejected > 0 {
		runLogger.Warn("some device logs failed validation", zap.Int("rejected", stats.rejected))
	}

	added, err := s.store.InsertEventsIfAbsent(ctx, events)
	if err != nil {
		return s.finish(ctx, runLogger, now, stats, err)
	}
	stats.added = added

	if newest := newestEventTime(events); newest != nil && (stats.last == nil || *newest > *stats.last) {
		stats.last = newest
	}

	logDepthRange(runLogger, events)
	return s.finish(ctx, runLogger, now, stats, nil)
}

// finish records the attempt. The record is written even when ctx has
// been cancelled.
func (s *Service) finish(ctx context.Context, runLogger *zap.Logger, syncedAt time.Time, stats runStats, runErr error) *db.SyncAttempt {
	attempt := &db.SyncAttempt{
		ID:           uuid.New(),
		SyncedAt:     syncedAt.UTC(),
		RecordsAdded: int(stats.added),
		Status:       db.SyncStatusSuccess,
	}

	if runErr != nil {
		msg := runErr.Error()
		attempt.Status = db.SyncStatusError
		attempt.ErrorMessage = &msg
		runLogger.Error("sync failed", zap.Error(runErr))
	} else {
		attempt.LastEventTime = stats.last
	}

	if err := s.store.RecordSyncAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		runLogger.Error("failed to record sync attempt",
			zap.Error(err),
			zap.String("attempt_id", attempt.ID.String()))
	}

	s.recorder.ObserveSync(attempt, metrics.SyncStats{
		Pages:    stats.pages,
		Rejected: stats.rejected,
		Duration: s.now().Sub(syncedAt),
	})
	if err := s.recorder.Push(context.WithoutCancel(ctx)); err != nil {
		runLogger.Warn("failed to push metrics", zap.Error(err))
	}

	if runErr == nil {
		runLogger.Info("sync completed",
			zap.String("attempt_id", attempt.ID.String()),
			zap.Int("records_added", attempt.RecordsAdded),
			zap.Int("pages", stats.pages))
	}

	return attempt
}

func newestEventTime(events []db.SensorEvent) *int64 {
	var newest *int64
	for i := range events {
		if newest == nil || events[i].EventTime > *newest {
			t := events[i].EventTime
			newest = &t
		}
	}
	return newest
}

func logDepthRange(logger *zap.Logger, events []db.SensorEvent) {
	minDepth, maxDepth := math.Inf(1), math.Inf(-1)
	count := 0
	for _, e := range events {
		if e.Code != db.CodeDepth {
			continue
		}
		v, err := db.ParseNumeric(e.Value)
		if err != nil {
			continue
		}
		minDepth = math.Min(minDepth, v)
		maxDepth = math.Max(maxDepth, v)
		count++
	}
	if count == 0 {
		return
	}
	logger.Info("fetched depth readings",
		zap.Int("count", count),
		zap.Float64("min_depth", minDepth),
		zap.Float64("max_depth", maxDepth))
}
