package analysis

import (
	"math"

	"github.com/septivank/tankwatch/internal/db"
)

// DailyUsage is the day's depth profile and the consumption backed out of it.
type DailyUsage struct {
	StartDepth        float64
	EndDepth          float64
	MinDepth          float64
	MaxDepth          float64
	NetChange         float64
	DurationHours     float64
	TheoreticalIntake float64
	EstimatedUsage    float64
	ReadingsCount     int
}

// EstimateDailyUsage extrapolates fillRatePerHour across the observed span
// of depth readings. Usage is intake minus net change, floored at zero.
// It returns nil when the day has no depth readings.
func EstimateDailyUsage(events []db.SensorEvent, fillRatePerHour float64) *DailyUsage {
	samples := sortByTime(DepthSamples(events))
	if len(samples) == 0 {
		return nil
	}

	first, last := samples[0], samples[len(samples)-1]
	u := &DailyUsage{
		StartDepth:    first.Depth,
		EndDepth:      last.Depth,
		MinDepth:      first.Depth,
		MaxDepth:      first.Depth,
		DurationHours: last.Time.Sub(first.Time).Hours(),
		ReadingsCount: len(samples),
	}
	for _, s := range samples[1:] {
		u.MinDepth = math.Min(u.MinDepth, s.Depth)
		u.MaxDepth = math.Max(u.MaxDepth, s.Depth)
	}

	u.NetChange = u.EndDepth - u.StartDepth
	u.TheoreticalIntake = fillRatePerHour * u.DurationHours
	u.EstimatedUsage = math.Max(0, u.TheoreticalIntake-u.NetChange)

	return u
}
