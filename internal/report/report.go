package report

import (
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/septivank/tankwatch/internal/analysis"
	"github.com/septivank/tankwatch/internal/db"
	"github.com/septivank/tankwatch/internal/tuya"
)

// NoData is rendered in place of a value that could not be measured.
const NoData = "no data"

//go:embed templates/*
var templateFS embed.FS

var (
	htmlTemplate = htmltemplate.Must(htmltemplate.New("daily_report.html.tmpl").
			Funcs(htmltemplate.FuncMap(funcs)).
			ParseFS(templateFS, "templates/daily_report.html.tmpl"))
	textTemplate = texttemplate.Must(texttemplate.New("daily_report.txt.tmpl").
			Funcs(texttemplate.FuncMap(funcs)).
			ParseFS(templateFS, "templates/daily_report.txt.tmpl"))
)

// Report is the rendered view of one day's summary. Nil values are
// measurements that could not be made and are shown as "no data".
type Report struct {
	Date        string    `json:"date"`
	GeneratedAt time.Time `json:"generated_at"`

	CurrentDepth   *float64 `json:"current_depth"`
	CurrentPercent *float64 `json:"current_percent"`
	CurrentLiters  *float64 `json:"current_liters"`

	MinDepth  *float64 `json:"min_depth"`
	MaxDepth  *float64 `json:"max_depth"`
	MinLiters *float64 `json:"min_liters"`
	MaxLiters *float64 `json:"max_liters"`

	FillRate           *float64 `json:"night_fill_rate_per_hour"`
	FillRateLiters     *float64 `json:"night_fill_rate_liters_per_hour"`
	RSquared           *float64 `json:"night_r_squared"`
	NightDurationHours *float64 `json:"night_duration_hours"`
	IntakeLiters       *float64 `json:"estimated_intake_liters"`

	UsageLiters *float64 `json:"estimated_usage_liters"`
	NetChange   *float64 `json:"net_change_depth"`

	SampleCount  int      `json:"sample_count"`
	DeviceOnline *bool    `json:"device_online"`
	Warnings     []string `json:"warnings"`
}

// Sink delivers a finished report somewhere.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, r *Report) error
}

// Build assembles the report for a stored summary. status is the live
// device state and may be nil; without it the current level falls back to
// the day's last reading.
func Build(summary *db.DailySummary, status *tuya.DeviceStatus, cal analysis.Calibration, warnings []string, now time.Time) *Report {
	r := &Report{
		Date:        summary.ReportDate.Format("2006-01-02"),
		GeneratedAt: now.UTC(),
		SampleCount: summary.DepthReadingsCount,
		Warnings:    append([]string(nil), warnings...),
	}

	current := summary.EndDepth
	if status != nil {
		online := status.Online
		r.DeviceOnline = &online
		if live := status.Float(db.CodeDepth); live != nil {
			current = live
		}
	}
	if current != nil {
		r.CurrentDepth = current
		r.CurrentPercent = convert(current, cal.DepthToPercent)
		r.CurrentLiters = convert(current, cal.DepthToLiters)
	}

	r.MinDepth = summary.MinDepth
	r.MaxDepth = summary.MaxDepth
	r.MinLiters = convert(summary.MinDepth, cal.DepthToLiters)
	r.MaxLiters = convert(summary.MaxDepth, cal.DepthToLiters)

	r.FillRate = summary.NightFillRatePerHour
	r.FillRateLiters = convert(summary.NightFillRatePerHour, cal.DepthToLiters)
	r.RSquared = summary.NightRSquared
	r.NightDurationHours = summary.NightDurationHours
	r.IntakeLiters = summary.EstimatedIntakeLiters

	r.UsageLiters = summary.EstimatedUsageLiters
	r.NetChange = summary.NetChangeDepth

	if summary.NightFillRatePerHour == nil {
		r.Warnings = append(r.Warnings, "night fill rate could not be measured, intake and usage are unavailable")
	}
	if summary.DepthReadingsCount == 0 {
		r.Warnings = append(r.Warnings, "no depth readings were stored for this day")
	}

	return r
}

// Subject is the email subject line for the report.
func (r *Report) Subject() string {
	return "Water Tank Report - " + r.Date
}

// DisplayDate formats the report date for humans, e.g. "December 29, 2025".
func (r *Report) DisplayDate() string {
	d, err := time.Parse("2006-01-02", r.Date)
	if err != nil {
		return r.Date
	}
	return d.Format("January 2, 2006")
}

// RenderHTML renders the HTML email body.
func RenderHTML(r *Report) (string, error) {
	var b strings.Builder
	if err := htmlTemplate.Execute(&b, r); err != nil {
		return "", fmt.Errorf("failed to render html report: %w", err)
	}
	return b.String(), nil
}

// RenderText renders the plain-text report.
func RenderText(r *Report) (string, error) {
	var b strings.Builder
	if err := textTemplate.Execute(&b, r); err != nil {
		return "", fmt.Errorf("failed to render text report: %w", err)
	}
	return b.String(), nil
}

func convert(v *float64, fn func(float64) float64) *float64 {
	if v == nil {
		return nil
	}
	out := fn(*v)
	return &out
}

var funcs = map[string]any{
	"measure": measure,
	"online":  online,
}

// measure formats v with the given decimals and unit suffix, or NoData.
func measure(v *float64, decimals int, suffix string) string {
	if v == nil {
		return NoData
	}
	return fmt.Sprintf("%.*f%s", decimals, *v, suffix)
}

func online(v *bool) string {
	switch {
	case v == nil:
		return "Unknown"
	case *v:
		return "Online"
	default:
		return "Offline"
	}
}
