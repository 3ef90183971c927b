package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/septivank/tankwatch/internal/db"
)

const namespace = "tankwatch"

// Recorder collects the gauges of one batch run and pushes them to a
// Prometheus Pushgateway. A nil Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry
	pushURL  string
	job      string
	instance string
	logger   *zap.Logger

	syncRecordsAdded  prometheus.Gauge
	syncSuccess       prometheus.Gauge
	syncLastEventTime prometheus.Gauge
	syncDuration      prometheus.Gauge
	syncPages         prometheus.Gauge
	syncRejected      prometheus.Gauge
	lastRunTimestamp  prometheus.Gauge

	summaryReadings     prometheus.Gauge
	nightFillRate       prometheus.Gauge
	nightRSquared       prometheus.Gauge
	estimatedUsageLiter prometheus.Gauge
	summaryAbsent       *prometheus.GaugeVec
}

// NewRecorder creates a recorder for job. An empty pushURL disables Push.
func NewRecorder(pushURL, job, instance string, logger *zap.Logger) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		pushURL:  pushURL,
		job:      job,
		instance: instance,
		logger:   logger,

		syncRecordsAdded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "records_added",
			Help: "Sensor readings inserted by the last sync.",
		}),
		syncSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "success",
			Help: "1 if the last sync succeeded, 0 otherwise.",
		}),
		syncLastEventTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "last_event_time_seconds",
			Help: "High-water mark recorded by the last sync.",
		}),
		syncDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "duration_seconds",
			Help: "Wall time of the last sync.",
		}),
		syncPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "pages",
			Help: "Vendor log pages requested by the last sync.",
		}),
		syncRejected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "rejected_logs",
			Help: "Fetched logs that failed validation in the last sync.",
		}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_timestamp_seconds",
			Help: "Completion time of the last run.",
		}),
		summaryReadings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daily", Name: "readings",
			Help: "Readings backing the last daily summary.",
		}),
		nightFillRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daily", Name: "night_fill_rate_per_hour",
			Help: "Night fill rate in depth units per hour.",
		}),
		nightRSquared: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daily", Name: "night_r_squared",
			Help: "Goodness of fit of the night fill rate.",
		}),
		estimatedUsageLiter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daily", Name: "estimated_usage_liters",
			Help: "Estimated consumption of the summarized day.",
		}),
		summaryAbsent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "daily", Name: "metric_absent",
			Help: "1 when a summary metric could not be measured.",
		}, []string{"metric"}),
	}

	r.registry.MustRegister(
		r.syncRecordsAdded, r.syncSuccess, r.syncLastEventTime, r.syncDuration,
		r.syncPages, r.syncRejected, r.lastRunTimestamp,
		r.summaryReadings, r.nightFillRate, r.nightRSquared, r.estimatedUsageLiter, r.summaryAbsent,
	)

	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// SyncStats are the per-run figures that are not part of the audit record.
type SyncStats struct {
	Pages    int
	Rejected int
	Duration time.Duration
}

// ObserveSync records the outcome of an ingestion run.
func (r *Recorder) ObserveSync(a *db.SyncAttempt, stats SyncStats) {
	if r == nil || a == nil {
		return
	}

	r.syncRecordsAdded.Set(float64(a.RecordsAdded))
	if a.Status == db.SyncStatusSuccess {
		r.syncSuccess.Set(1)
	} else {
		r.syncSuccess.Set(0)
	}
	if a.LastEventTime != nil {
		r.syncLastEventTime.Set(float64(*a.LastEventTime) / 1000)
	}
	r.syncDuration.Set(stats.Duration.Seconds())
	r.syncPages.Set(float64(stats.Pages))
	r.syncRejected.Set(float64(stats.Rejected))
	r.lastRunTimestamp.SetToCurrentTime()
}

// ObserveSummary records a daily summary. Unmeasured values are exported
// through the metric_absent gauge rather than as zero.
func (r *Recorder) ObserveSummary(s *db.DailySummary) {
	if r == nil || s == nil {
		return
	}

	r.summaryReadings.Set(float64(s.ReadingsCount))
	r.setOrAbsent(r.nightFillRate, "night_fill_rate", s.NightFillRatePerHour)
	r.setOrAbsent(r.nightRSquared, "night_r_squared", s.NightRSquared)
	r.setOrAbsent(r.estimatedUsageLiter, "estimated_usage_liters", s.EstimatedUsageLiters)
	r.lastRunTimestamp.SetToCurrentTime()
}

func (r *Recorder) setOrAbsent(g prometheus.Gauge, name string, v *float64) {
	if v == nil {
		r.summaryAbsent.WithLabelValues(name).Set(1)
		return
	}
	r.summaryAbsent.WithLabelValues(name).Set(0)
	g.Set(*v)
}

// Push sends the collected gauges to the Pushgateway, replacing the job's
// previous group. Without a gateway URL it does nothing.
func (r *Recorder) Push(ctx context.Context) error {
	if r == nil || r.pushURL == "" {
		return nil
	}

	pusher := push.New(r.pushURL, r.job).Gatherer(r.registry)
	if r.instance != "" {
		pusher = pusher.Grouping("instance", r.instance)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", r.pushURL, err)
	}

	r.logger.Debug("pushed metrics", zap.String("job", r.job), zap.String("gateway", r.pushURL))
	return nil
}
