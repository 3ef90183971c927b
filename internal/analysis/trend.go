package analysis

import (
	"sort"
	"time"

	"github.com/septivank/tankwatch/internal/db"
	"github.com/septivank/tankwatch/tools/timeparser"
)

// Sample is one depth reading.
type Sample struct {
	Time  time.Time
	Depth float64
}

// NightWindow is the local hour range [StartHour, EndHour) assumed to have
// no draw-down.
type NightWindow struct {
	StartHour int
	EndHour   int
}

// Contains reports whether a local hour falls inside the window.
func (w NightWindow) Contains(hour int) bool {
	return hour >= w.StartHour && hour < w.EndHour
}

// DefaultNightWindow is midnight to 06:00.
var DefaultNightWindow = NightWindow{StartHour: 0, EndHour: 6}

// NightFillEstimate is the fill rate measured over one night window.
type NightFillEstimate struct {
	RatePerHour   float64
	RSquared      float64
	StartDepth    float64
	EndDepth      float64
	DurationHours float64
	SampleCount   int
	StartTime     time.Time
	EndTime       time.Time
}

// DepthSamples extracts depth readings. Values that do not parse as numbers
// are skipped.
func DepthSamples(events []db.SensorEvent) []Sample {
	var samples []Sample
	for _, e := range events {
		if e.Code != db.CodeDepth {
			continue
		}
		depth, err := db.ParseNumeric(e.Value)
		if err != nil {
			continue
		}
		samples = append(samples, Sample{Time: timeparser.FromMillis(e.EventTime), Depth: depth})
	}
	return samples
}

func sortByTime(samples []Sample) []Sample {
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	return sorted
}

// FilterReversals keeps a sample only if its depth is at least the depth of
// the last kept sample. Input must be in time order; the result is always
// non-decreasing in depth.
func FilterReversals(samples []Sample) []Sample {
	if len(samples) == 0 {
		return nil
	}
	kept := []Sample{samples[0]}
	for _, s := range samples[1:] {
		if s.Depth >= kept[len(kept)-1].Depth {
			kept = append(kept, s)
		}
	}
	return kept
}

// FitLine is an ordinary least-squares fit of ys against xs. ok is false
// when the fit is undefined: fewer than two points or all xs equal.
// R² is 0 when all ys are equal.
func FitLine(xs, ys []float64) (slope, intercept, rSquared float64, ok bool) {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0, 0, 0, false
	}

	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var sxx, sxy float64
	for i := range xs {
		dx := xs[i] - meanX
		sxx += dx * dx
		sxy += dx * (ys[i] - meanY)
	}
	if sxx == 0 {
		return 0, 0, 0, false
	}

	slope = sxy / sxx
	intercept = meanY - slope*meanX

	var ssRes, ssTot float64
	for i := range xs {
		fitted := slope*xs[i] + intercept
		ssRes += (ys[i] - fitted) * (ys[i] - fitted)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot > 0 {
		rSquared = 1 - ssRes/ssTot
	}

	return slope, intercept, rSquared, true
}

// EstimateFillRate sorts samples, drops reversals and regresses depth on
// hours elapsed since the first kept sample. It returns nil when fewer than
// two samples survive or the timestamps do not spread. Rates are reported
// as measured, negative or zero included.
func EstimateFillRate(samples []Sample) *NightFillEstimate {
	kept := FilterReversals(sortByTime(samples))
	if len(kept) < 2 {
		return nil
	}

	first := kept[0].Time
	xs := make([]float64, len(kept))
	ys := make([]float64, len(kept))
	for i, s := range kept {
		xs[i] = s.Time.Sub(first).Hours()
		ys[i] = s.Depth
	}

	slope, _, rSquared, ok := FitLine(xs, ys)
	if !ok {
		return nil
	}

	last := kept[len(kept)-1]
	return &NightFillEstimate{
		RatePerHour:   slope,
		RSquared:      rSquared,
		StartDepth:    kept[0].Depth,
		EndDepth:      last.Depth,
		DurationHours: xs[len(xs)-1],
		SampleCount:   len(kept),
		StartTime:     first,
		EndTime:       last.Time,
	}
}

// ExtractNightFillRate estimates the fill rate from depth readings whose
// local hour in loc falls inside window.
func ExtractNightFillRate(events []db.SensorEvent, loc *time.Location, window NightWindow) *NightFillEstimate {
	var night []Sample
	for _, s := range DepthSamples(events) {
		if window.Contains(s.Time.In(loc).Hour()) {
			night = append(night, s)
		}
	}
	return EstimateFillRate(night)
}
