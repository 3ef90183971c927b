package anomaly

import (
	"fmt"
)

// Detector flags implausible night fill rates
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
	lowRSquaredThreshold      float64
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int, lowRSquaredThreshold float64) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
		lowRSquaredThreshold:      lowRSquaredThreshold,
	}
}

// DetectAnomaly checks a fill rate against the rates of previous nights
func (d *Detector) DetectAnomaly(rate float64, historicalRates []float64) (bool, string) {
	// A filling tank cannot drain overnight
	if rate < 0 {
		return true, fmt.Sprintf("negative fill rate %.2f/h", rate)
	}

	// Need enough historical data for spike detection
	if len(historicalRates) < d.minDataPointsForDetection {
		return false, ""
	}

	// Calculate rolling average
	sum := 0.0
	for _, v := range historicalRates {
		sum += v
	}
	average := sum / float64(len(historicalRates))

	// Detect sudden spike (>threshold x rolling average)
	if average > 0 && rate > d.spikeThreshold*average {
		return true, fmt.Sprintf("fill rate spike: %.2f/h exceeds %.1fx rolling average %.2f/h",
			rate, d.spikeThreshold, average)
	}

	return false, ""
}

// CheckFit flags a regression whose R² is below the configured threshold
func (d *Detector) CheckFit(rSquared float64) (bool, string) {
	if rSquared < d.lowRSquaredThreshold {
		return true, fmt.Sprintf("low confidence fit: R² %.2f below %.2f", rSquared, d.lowRSquaredThreshold)
	}
	return false, ""
}
