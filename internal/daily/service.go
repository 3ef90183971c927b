package daily

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/tankwatch/internal/analysis"
	"github.com/septivank/tankwatch/internal/anomaly"
	"github.com/septivank/tankwatch/internal/db"
	"github.com/septivank/tankwatch/internal/lock"
	"github.com/septivank/tankwatch/internal/logging"
	"github.com/septivank/tankwatch/internal/metrics"
	"github.com/septivank/tankwatch/internal/report"
	"github.com/septivank/tankwatch/internal/tuya"
	"github.com/septivank/tankwatch/tools/timeparser"
)

// Store is the storage the daily job reads events from and writes
// summaries to.
type Store interface {
	QueryEventsInRange(ctx context.Context, start, end time.Time) ([]db.SensorEvent, error)
	UpsertDailySummary(ctx context.Context, s *db.DailySummary) error
	GetRecentSummaries(ctx context.Context, before time.Time, days int) ([]*db.DailySummary, error)
}

// StatusFetcher returns the live device state.
type StatusFetcher interface {
	GetDeviceStatus(ctx context.Context, deviceID string) (*tuya.DeviceStatus, error)
}

// Options holds the analysis policy
type Options struct {
	DeviceID        string
	Location        *time.Location
	Window          analysis.NightWindow
	Calibration     analysis.Calibration
	RateHistoryDays int
}

// Result is the outcome of one daily run.
type Result struct {
	Summary   *db.DailySummary
	Report    *report.Report
	Delivered []string
	Failed    []string
}

// Service builds, stores and delivers the summary for one local day
type Service struct {
	store    Store
	status   StatusFetcher
	detector *anomaly.Detector
	locker   lock.Locker
	sinks    []report.Sink
	recorder *metrics.Recorder
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a new daily service. status, recorder and sinks are
// optional; a nil locker means no locking.
func NewService(
	store Store,
	status StatusFetcher,
	detector *anomaly.Detector,
	locker lock.Locker,
	sinks []report.Sink,
	recorder *metrics.Recorder,
	opts Options,
	logger *zap.Logger,
) *Service {
	if locker == nil {
		locker = lock.NopLocker{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		store:    store,
		status:   status,
		detector: detector,
		locker:   locker,
		sinks:    sinks,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Run analyzes the local calendar day containing date. The summary is
// stored even when the day has no usable readings. Sink and device status
// failures are logged and do not fail the run.
func (s *Service) Run(ctx context.Context, date time.Time) (*Result, error) {
	start, end := timeparser.DayBounds(date, s.opts.Location)
	dateStr := start.Format("2006-01-02")
	runLogger := logging.WithRunID(s.logger, uuid.NewString()).With(zap.String("report_date", dateStr))

	release, err := s.locker.Acquire(ctx, "report:"+dateStr)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		runLogger.Warn("another report run holds the lock, skipping")
		return nil, err
	case err != nil:
		// The lock only guards against duplicate emails; run unlocked.
		runLogger.Warn("report lock unavailable, continuing without it", zap.Error(err))
		release = func(context.Context) error { return nil }
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			runLogger.Warn("failed to release report lock", zap.Error(err))
		}
	}()

	runLogger.Info("starting daily report",
		zap.Time("day_start", start),
		zap.Time("day_end", end))

	events, err := s.store.QueryEventsInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", dateStr, err)
	}

	analyzed := analysis.AnalyzeDay(start, events, s.opts.Location, s.opts.Window)
	summary := analysis.BuildDailySummary(analyzed, s.opts.Calibration)

	runLogger.Info("analysis complete",
		zap.Int("readings", summary.ReadingsCount),
		zap.Int("depth_readings", summary.DepthReadingsCount),
		zap.Float64p("night_fill_rate_per_hour", summary.NightFillRatePerHour),
		zap.Float64p("estimated_usage_liters", summary.EstimatedUsageLiters))

	warnings := s.checkRate(ctx, runLogger, start, summary)

	if err := s.store.UpsertDailySummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to store summary for %s: %w", dateStr, err)
	}

	var status *tuya.DeviceStatus
	if s.status != nil {
		status, err = s.status.GetDeviceStatus(ctx, s.opts.DeviceID)
		if err != nil {
			runLogger.Warn("could not fetch current device status", zap.Error(err))
			status = nil
		}
	}

	result := &Result{
		Summary: summary,
		Report:  report.Build(summary, status, s.opts.Calibration, warnings, s.now()),
	}

	for _, sink := range s.sinks {
		if err := sink.Deliver(ctx, result.Report); err != nil {
			runLogger.Error("report delivery failed", zap.String("sink", sink.Name()), zap.Error(err))
			result.Failed = append(result.Failed, sink.Name())
			continue
		}
		result.Delivered = append(result.Delivered, sink.Name())
	}

	s.recorder.ObserveSummary(summary)
	if err := s.recorder.Push(ctx); err != nil {
		runLogger.Warn("failed to push metrics", zap.Error(err))
	}

	runLogger.Info("daily report complete",
		zap.Strings("delivered", result.Delivered),
		zap.Strings("failed", result.Failed))

	return result, nil
}

// checkRate flags a poor fit and compares the night rate with previous
// days. History is best effort.
func (s *Service) checkRate(ctx context.Context, runLogger *zap.Logger, dayStart time.Time, summary *db.DailySummary) []string {
	if s.detector == nil || summary.NightFillRatePerHour == nil {
		return nil
	}

	var warnings []string
	if summary.NightRSquared != nil {
		if flagged, reason := s.detector.CheckFit(*summary.NightRSquared); flagged {
			warnings = append(warnings, reason)
		}
	}

	var history []float64
	if s.opts.RateHistoryDays > 0 {
		recent, err := s.store.GetRecentSummaries(ctx, dayStart, s.opts.RateHistoryDays)
		if err != nil {
			runLogger.Warn("could not load fill rate history", zap.Error(err))
		}
		for _, r := range recent {
			if r.NightFillRatePerHour != nil {
				history = append(history, *r.NightFillRatePerHour)
			}
		}
	}

	if flagged, reason := s.detector.DetectAnomaly(*summary.NightFillRatePerHour, history); flagged {
		warnings = append(warnings, reason)
	}

	for _, w := range warnings {
		runLogger.Warn("fill rate check", zap.String("reason", w))
	}
	return warnings
}
