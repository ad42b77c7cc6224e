package models

import (
	"fmt"
	"time"
)

const usageDateLayout = "2006-01-02"

// DefaultUsageLookback is the range used when start_date is omitted.
const DefaultUsageLookback = 30 * 24 * time.Hour

// UsageRecord is one proxied request attributed to a principal.
type UsageRecord struct {
	PrincipalID string
	KeyID       string
	Method      string
	Path        string
	StatusCode  int
	LatencyMs   int64
	CreatedAt   time.Time
}

// UsageDate returns the UTC calendar day the record is bucketed under.
func (r UsageRecord) UsageDate() string {
	return r.CreatedAt.UTC().Format(usageDateLayout)
}

type DailyUsage struct {
	Date         string  `json:"date"`
	RequestCount int64   `json:"request_count"`
	ErrorCount   int64   `json:"error_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type UsageTotals struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

type UsageSummary struct {
	Object     string       `json:"object"`
	StartDate  string       `json:"start_date"`
	EndDate    string       `json:"end_date"`
	Totals     UsageTotals  `json:"totals"`
	DailyUsage []DailyUsage `json:"daily_usage"`
}

// UsageQueryParams is the validated date range for a usage query.
type UsageQueryParams struct {
	PrincipalID string
	StartDate   string
	EndDate     string
}

// ParseUsageRange fills in defaults (last 30 days ending today) and checks
// both dates are YYYY-MM-DD with start <= end.
func ParseUsageRange(start, end string, now time.Time) (string, string, error) {
	now = now.UTC()
	if end == "" {
		end = now.Format(usageDateLayout)
	}
	if start == "" {
		start = now.Add(-DefaultUsageLookback).Format(usageDateLayout)
	}

	startT, err := time.Parse(usageDateLayout, start)
	if err != nil {
		return "", "", &ValidationError{Field: "start_date", Message: fmt.Sprintf("start_date must be YYYY-MM-DD, got %q", start)}
	}
	endT, err := time.Parse(usageDateLayout, end)
	if err != nil {
		return "", "", &ValidationError{Field: "end_date", Message: fmt.Sprintf("end_date must be YYYY-MM-DD, got %q", end)}
	}
	if endT.Before(startT) {
		return "", "", &ValidationError{Field: "end_date", Message: "end_date must not be before start_date"}
	}

	return start, end, nil
}
