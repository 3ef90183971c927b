package db

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Vendor data point codes reported by the level sensor.
const (
	CodeDepth        = "liquid_depth"
	CodeLevelPercent = "liquid_level_percent"
	CodeState        = "liquid_state"
)

// Sync attempt outcomes.
const (
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// NormalizeNumeric strips surrounding whitespace and the single-element
// array brackets some firmware wraps around numeric values.
func NormalizeNumeric(value string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(value), "[]"))
}

// ParseNumeric parses a stored numeric data point value.
func ParseNumeric(value string) (float64, error) {
	return strconv.ParseFloat(NormalizeNumeric(value), 64)
}

// SensorEvent is one raw vendor event. (EventTime, Code) is the natural key.
type SensorEvent struct {
	EventTime    int64
	EventTimeUTC time.Time
	Code         string
	Value        string
	Status       string
	SourceID     string
	EventTypeID  string
}

// SyncAttempt is the audit record of one ingestion run.
type SyncAttempt struct {
	ID            uuid.UUID
	SyncedAt      time.Time
	LastEventTime *int64
	RecordsAdded  int
	Status        string
	ErrorMessage  *string
}

// DailySummary is the derived analysis of one local calendar day.
// Nil pointers are measurements that could not be made.
type DailySummary struct {
	ReportDate         time.Time
	ReadingsCount      int
	DepthReadingsCount int

	StartDepth     *float64
	EndDepth       *float64
	MinDepth       *float64
	MaxDepth       *float64
	NetChangeDepth *float64
	DurationHours  *float64

	NightStartDepth      *float64
	NightEndDepth        *float64
	NightDurationHours   *float64
	NightFillRatePerHour *float64
	NightRSquared        *float64
	NightSampleCount     *int

	EstimatedIntakeDepth  *float64
	EstimatedIntakeLiters *float64
	EstimatedUsageDepth   *float64
	EstimatedUsageLiters  *float64

	CreatedAt time.Time
}
