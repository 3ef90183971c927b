package daily

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/tankwatch/internal/analysis"
	"github.com/septivank/tankwatch/internal/anomaly"
	"github.com/septivank/tankwatch/internal/db"
	"github.com/septivank/tankwatch/internal/lock"
	"github.com/septivank/tankwatch/internal/report"
	"github.com/septivank/tankwatch/internal/tuya"
)

var (
	cst = time.FixedZone("CST", -6*3600)
	day = time.Date(2025, 12, 29, 0, 0, 0, 0, cst)
)

// memStore keeps events and one summary per report date.
type memStore struct {
	mu        sync.Mutex
	events    []db.SensorEvent
	summaries map[string]*db.DailySummary
	upserts   int
	upsertErr error
	queried   [2]time.Time
}

func newMemStore(events ...db.SensorEvent) *memStore {
	return &memStore{events: events, summaries: make(map[string]*db.DailySummary)}
}

func (m *memStore) QueryEventsInRange(_ context.Context, start, end time.Time) ([]db.SensorEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queried = [2]time.Time{start, end}
	var out []db.SensorEvent
	for _, e := range m.events {
		t := time.UnixMilli(e.EventTime)
		if !t.Before(start) && t.Before(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) UpsertDailySummary(_ context.Context, s *db.DailySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts++
	m.summaries[s.ReportDate.Format("2006-01-02")] = s
	return nil
}

func (m *memStore) GetRecentSummaries(_ context.Context, before time.Time, days int) ([]*db.DailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.DailySummary
	for i := 1; i <= days; i++ {
		if s, ok := m.summaries[before.AddDate(0, 0, -i).Format("2006-01-02")]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeSink struct {
	name      string
	err       error
	delivered []*report.Report
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Deliver(_ context.Context, r *report.Report) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, r)
	return nil
}

type fakeStatus struct {
	status *tuya.DeviceStatus
	err    error
}

func (f *fakeStatus) GetDeviceStatus(context.Context, string) (*tuya.DeviceStatus, error) {
	return f.status, f.err
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return nil, fmt.Errorf("tankwatch:lock:report: %w", lock.ErrNotAcquired)
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return nil, errors.New("[REDIS] failed to acquire lock tankwatch:lock:report: connection refused")
}

func depthEvent(at time.Time, depth float64) db.SensorEvent {
	return db.SensorEvent{
		EventTime:    at.UnixMilli(),
		EventTimeUTC: at.UTC(),
		Code:         db.CodeDepth,
		Value:        strconv.FormatFloat(depth, 'f', -1, 64),
	}
}

// dayEvents fills 2 units/h through the night, then drops to 30 by noon
// and ends the day at 48.
func dayEvents() []db.SensorEvent {
	var events []db.SensorEvent
	for i := 0; i < 12; i++ {
		at := day.Add(time.Duration(i) * 30 * time.Minute)
		events = append(events, depthEvent(at, 40+float64(i)))
	}
	return append(events,
		depthEvent(day.Add(12*time.Hour), 30),
		depthEvent(day.Add(22*time.Hour), 48),
		// Next day, must not be counted.
		depthEvent(day.Add(25*time.Hour), 10),
	)
}

func newTestService(store Store, sinks []report.Sink, opts ...func(*Service)) *Service {
	svc := NewService(store, nil, anomaly.NewDetector(3.0, 3, 0.5), nil, sinks, nil, Options{
		DeviceID:        "dev123",
		Location:        cst,
		Window:          analysis.DefaultNightWindow,
		Calibration:     analysis.Calibration{TotalCapacityLiters: 1000, SensorMaxDepth: 120},
		RateHistoryDays: 7,
	}, zap.NewNop())
	svc.now = func() time.Time { return day.AddDate(0, 0, 1).Add(6 * time.Hour) }
	for _, o := range opts {
		o(svc)
	}
	return svc
}

func TestRun_StoresSummaryAndDeliversReport(t *testing.T) {
	store := newMemStore(dayEvents()...)
	sink := &fakeSink{name: "email"}
	svc := newTestService(store, []report.Sink{sink}, func(s *Service) {
		s.status = &fakeStatus{status: &tuya.DeviceStatus{
			Online: true,
			Status: []tuya.StatusPoint{{Code: db.CodeDepth, Value: "60"}},
		}}
	})

	// Any time within the local day selects the same day.
	result, err := svc.Run(context.Background(), day.Add(15*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, day, store.queried[0])
	assert.Equal(t, day.AddDate(0, 0, 1), store.queried[1])

	stored := store.summaries["2025-12-29"]
	require.NotNil(t, stored)
	assert.Equal(t, 14, stored.ReadingsCount)
	require.NotNil(t, stored.NightFillRatePerHour)
	assert.Equal(t, 2.0, *stored.NightFillRatePerHour)
	assert.Equal(t, 1.0, *stored.NightRSquared)
	require.NotNil(t, stored.EstimatedUsageLiters)

	assert.Equal(t, []string{"email"}, result.Delivered)
	assert.Empty(t, result.Failed)
	require.Len(t, sink.delivered, 1)
	r := sink.delivered[0]
	assert.Equal(t, "2025-12-29", r.Date)
	assert.Equal(t, 60.0, *r.CurrentDepth)
	assert.True(t, *r.DeviceOnline)
	assert.Empty(t, r.Warnings)
}

func TestRun_EmptyDayStillStoresSummary(t *testing.T) {
	store := newMemStore()
	sink := &fakeSink{name: "email"}
	svc := newTestService(store, []report.Sink{sink})

	result, err := svc.Run(context.Background(), day)
	require.NoError(t, err)

	stored := store.summaries["2025-12-29"]
	require.NotNil(t, stored)
	assert.Zero(t, stored.ReadingsCount)
	assert.Nil(t, stored.NightFillRatePerHour)
	assert.Nil(t, stored.EstimatedUsageDepth)
	assert.Nil(t, stored.EstimatedUsageLiters)

	require.Len(t, sink.delivered, 1)
	assert.Nil(t, result.Report.UsageLiters)
	assert.NotEmpty(t, result.Report.Warnings)
}

func TestRun_RerunOverwritesSummary(t *testing.T) {
	store := newMemStore(dayEvents()[:2]...)
	svc := newTestService(store, nil)

	_, err := svc.Run(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, 2, store.summaries["2025-12-29"].ReadingsCount)

	store.events = dayEvents()
	_, err = svc.Run(context.Background(), day)
	require.NoError(t, err)

	assert.Len(t, store.summaries, 1)
	assert.Equal(t, 2, store.upserts)
	assert.Equal(t, 14, store.summaries["2025-12-29"].ReadingsCount)
}

func TestRun_SkipsWhenLockHeld(t *testing.T) {
	store := newMemStore(dayEvents()...)
	sink := &fakeSink{name: "email"}
	svc := newTestService(store, []report.Sink{sink}, func(s *Service) { s.locker = heldLocker{} })

	_, err := svc.Run(context.Background(), day)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.Empty(t, store.summaries)
	assert.Empty(t, sink.delivered)
}

func TestRun_SinkFailureIsNotFatal(t *testing.T) {
	store := newMemStore(dayEvents()...)
	broken := &fakeSink{name: "rabbitmq", err: errors.New("channel closed")}
	email := &fakeSink{name: "email"}
	svc := newTestService(store, []report.Sink{broken, email})

	result, err := svc.Run(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, []string{"rabbitmq"}, result.Failed)
	assert.Equal(t, []string{"email"}, result.Delivered)
	assert.Len(t, email.delivered, 1)
}

func TestRun_StatusFailureFallsBackToLastReading(t *testing.T) {
	store := newMemStore(dayEvents()...)
	svc := newTestService(store, nil, func(s *Service) {
		s.status = &fakeStatus{err: errors.New("sign invalid")}
	})

	result, err := svc.Run(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 48.0, *result.Report.CurrentDepth)
	assert.Nil(t, result.Report.DeviceOnline)
}

func TestRun_FlagsRateSpikeAgainstHistory(t *testing.T) {
	store := newMemStore(dayEvents()...)
	for i := 1; i <= 3; i++ {
		rate := 0.5
		d := day.AddDate(0, 0, -i)
		store.summaries[d.Format("2006-01-02")] = &db.DailySummary{ReportDate: d, NightFillRatePerHour: &rate}
	}
	svc := newTestService(store, nil)

	result, err := svc.Run(context.Background(), day)
	require.NoError(t, err)

	require.Len(t, result.Report.Warnings, 1)
	assert.Contains(t, result.Report.Warnings[0], "fill rate spike")
}

func TestRun_UpsertFailure(t *testing.T) {
	store := newMemStore(dayEvents()...)
	store.upsertErr = errors.New("connection refused")
	sink := &fakeSink{name: "email"}
	svc := newTestService(store, []report.Sink{sink})

	_, err := svc.Run(context.Background(), day)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store summary for 2025-12-29")
	assert.Empty(t, sink.delivered)
}

func TestRun_LockOutageDoesNotStopReport(t *testing.T) {
	store := newMemStore(dayEvents()...)
	sink := &fakeSink{name: "email"}
	svc := newTestService(store, []report.Sink{sink}, func(s *Service) { s.locker = brokenLocker{} })

	result, err := svc.Run(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 1, store.upserts)
	assert.Equal(t, []string{"email"}, result.Delivered)
	assert.Len(t, sink.delivered, 1)
}

func TestRun_RedisDownDoesNotStopReport(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	store := newMemStore(dayEvents()...)
	sink := &fakeSink{name: "email"}
	svc := newTestService(store, []report.Sink{sink}, func(s *Service) {
		s.locker = lock.NewRedisLocker(client, time.Minute, zap.NewNop())
	})

	_, err := svc.Run(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 1, store.upserts)
	assert.Len(t, sink.delivered, 1)
}
