package analysis

import (
	"math"
	"time"

	"github.com/septivank/tankwatch/internal/db"
)

// Calibration converts sensor depth units to volume.
type Calibration struct {
	TotalCapacityLiters float64
	SensorMaxDepth      float64
}

// LitersPerDepthUnit is TotalCapacityLiters / SensorMaxDepth.
func (c Calibration) LitersPerDepthUnit() float64 {
	if c.SensorMaxDepth <= 0 {
		return 0
	}
	return c.TotalCapacityLiters / c.SensorMaxDepth
}

// DepthToLiters converts depth units to liters.
func (c Calibration) DepthToLiters(depth float64) float64 {
	return depth * c.LitersPerDepthUnit()
}

// DepthToPercent converts depth units to a fill percentage clamped to [0, 100].
func (c Calibration) DepthToPercent(depth float64) float64 {
	if c.SensorMaxDepth <= 0 {
		return 0
	}
	return math.Min(100, math.Max(0, depth/c.SensorMaxDepth*100))
}

// DayAnalysis is the raw analysis of one local calendar day.
type DayAnalysis struct {
	Date               time.Time
	ReadingsCount      int
	DepthReadingsCount int
	Night              *NightFillEstimate
	Usage              *DailyUsage
}

// AnalyzeDay runs the night fill rate extraction and the usage estimate
// over one day's events. Usage is always estimated when depth readings
// exist; without a night rate its intake and usage figures are meaningless
// and BuildDailySummary leaves them out.
func AnalyzeDay(date time.Time, events []db.SensorEvent, loc *time.Location, window NightWindow) *DayAnalysis {
	a := &DayAnalysis{
		Date:          date,
		ReadingsCount: len(events),
	}
	for _, e := range events {
		if e.Code == db.CodeDepth {
			a.DepthReadingsCount++
		}
	}

	a.Night = ExtractNightFillRate(events, loc, window)

	rate := 0.0
	if a.Night != nil {
		rate = a.Night.RatePerHour
	}
	a.Usage = EstimateDailyUsage(events, rate)

	return a
}

// BuildDailySummary packages an analysis into the stored summary row.
// Quantities that could not be measured stay nil.
func BuildDailySummary(a *DayAnalysis, cal Calibration) *db.DailySummary {
	s := &db.DailySummary{
		ReportDate:         a.Date,
		ReadingsCount:      a.ReadingsCount,
		DepthReadingsCount: a.DepthReadingsCount,
	}

	if n := a.Night; n != nil {
		s.NightStartDepth = ptr(n.StartDepth)
		s.NightEndDepth = ptr(n.EndDepth)
		s.NightDurationHours = ptr(round(n.DurationHours, 2))
		s.NightFillRatePerHour = ptr(round(n.RatePerHour, 2))
		s.NightRSquared = ptr(round(n.RSquared, 4))
		s.NightSampleCount = ptr(n.SampleCount)
	}

	if u := a.Usage; u != nil {
		s.StartDepth = ptr(u.StartDepth)
		s.EndDepth = ptr(u.EndDepth)
		s.MinDepth = ptr(u.MinDepth)
		s.MaxDepth = ptr(u.MaxDepth)
		s.NetChangeDepth = ptr(u.NetChange)
		s.DurationHours = ptr(round(u.DurationHours, 2))

		if a.Night != nil {
			s.EstimatedIntakeDepth = ptr(round(u.TheoreticalIntake, 2))
			s.EstimatedIntakeLiters = ptr(round(cal.DepthToLiters(u.TheoreticalIntake), 2))
			s.EstimatedUsageDepth = ptr(round(u.EstimatedUsage, 2))
			s.EstimatedUsageLiters = ptr(round(cal.DepthToLiters(u.EstimatedUsage), 2))
		}
	}

	return s
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func ptr[T any](v T) *T {
	return &v
}
