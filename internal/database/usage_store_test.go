package database

import (
	"context"
	"testing"
	"time"

	"github.com/johnrirwin/keygate/internal/models"
)

func TestUsageStore_Summary(t *testing.T) {
	ctx := context.Background()
	store := NewUsageStore(openTestDB(t))
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)

	records := []models.UsageRecord{
		{PrincipalID: "u1", Method: "POST", Path: "/v1/chat/completions", StatusCode: 200, LatencyMs: 100, CreatedAt: day1},
		{PrincipalID: "u1", Method: "POST", Path: "/v1/chat/completions", StatusCode: 502, LatencyMs: 300, CreatedAt: day1},
		{PrincipalID: "u1", Method: "GET", Path: "/v1/models", StatusCode: 200, LatencyMs: 50, CreatedAt: day2},
		{PrincipalID: "u2", Method: "GET", Path: "/v1/models", StatusCode: 200, LatencyMs: 10, CreatedAt: day2},
		{PrincipalID: "u1", Method: "GET", Path: "/v1/models", StatusCode: 200, LatencyMs: 10, CreatedAt: day2.Add(48 * time.Hour)},
	}
	for _, rec := range records {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	summary, err := store.Summary(ctx, models.UsageQueryParams{
		PrincipalID: "u1",
		StartDate:   "2026-03-01",
		EndDate:     "2026-03-02",
	})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if summary.Totals.Requests != 3 || summary.Totals.Errors != 1 {
		t.Errorf("Totals = %+v, want 3 requests, 1 error", summary.Totals)
	}
	if len(summary.DailyUsage) != 2 {
		t.Fatalf("DailyUsage = %d days, want 2", len(summary.DailyUsage))
	}
	first := summary.DailyUsage[0]
	if first.Date != "2026-03-01" || first.RequestCount != 2 || first.ErrorCount != 1 || first.AvgLatencyMs != 200 {
		t.Errorf("day 1 = %+v", first)
	}
	if summary.DailyUsage[1].Date != "2026-03-02" {
		t.Errorf("day 2 date = %q", summary.DailyUsage[1].Date)
	}
}

func TestUsageStore_SummaryEmpty(t *testing.T) {
	store := NewUsageStore(openTestDB(t))

	summary, err := store.Summary(context.Background(), models.UsageQueryParams{
		PrincipalID: "nobody",
		StartDate:   "2026-01-01",
		EndDate:     "2026-01-31",
	})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Object != "usage" || summary.DailyUsage == nil || len(summary.DailyUsage) != 0 {
		t.Errorf("summary = %+v, want empty usage object", summary)
	}
}
