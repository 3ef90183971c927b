package validator

import (
	"fmt"
	"strings"
	"time"

	"github.com/septivank/tankwatch/internal/db"
	"github.com/septivank/tankwatch/internal/tuya"
	"github.com/septivank/tankwatch/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid       bool
	AnomalyReason string
}

// Validator checks raw device logs before they are stored
type Validator struct {
	futureToleranceMinutes int
}

// NewValidator creates a new validator with the specified tolerance
func NewValidator(futureToleranceMinutes int) *Validator {
	return &Validator{
		futureToleranceMinutes: futureToleranceMinutes,
	}
}

// ValidateLog converts a device log into a sensor event. Invalid logs are
// reported with a reason and must not be stored.
func (v *Validator) ValidateLog(log tuya.DeviceLog, receivedAt time.Time) (db.SensorEvent, ValidationResult) {
	result := ValidationResult{IsValid: true}

	event := db.SensorEvent{
		EventTime:   log.EventTime,
		Code:        strings.TrimSpace(log.Code),
		Value:       log.Value.String(),
		Status:      log.Status.String(),
		SourceID:    log.EventFrom.String(),
		EventTypeID: log.EventID.String(),
	}

	if event.EventTime <= 0 {
		result.IsValid = false
		result.AnomalyReason = "missing event time"
		return event, result
	}
	event.EventTimeUTC = timeparser.FromMillis(event.EventTime)

	if event.Code == "" {
		result.IsValid = false
		result.AnomalyReason = "empty data point code"
		return event, result
	}

	// Numeric data points must parse; state labels pass through as text.
	if event.Code == db.CodeDepth || event.Code == db.CodeLevelPercent {
		event.Value = db.NormalizeNumeric(event.Value)
		value, err := db.ParseNumeric(event.Value)
		if err != nil {
			result.IsValid = false
			result.AnomalyReason = fmt.Sprintf("invalid numeric value: %v", err)
			return event, result
		}
		if value < 0 {
			result.IsValid = false
			result.AnomalyReason = "negative value detected"
			return event, result
		}
	}

	if event.EventTimeUTC.After(receivedAt) &&
		!timeparser.IsWithinTolerance(event.EventTimeUTC, receivedAt, v.futureToleranceMinutes) {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("event time in the future beyond tolerance (%d minutes)", v.futureToleranceMinutes)
		return event, result
	}

	return event, result
}
