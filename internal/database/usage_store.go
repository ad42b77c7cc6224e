package database

import (
	"context"
	"fmt"

	"github.com/johnrirwin/keygate/internal/models"
)

// UsageStore handles usage log operations
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new usage store
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Record inserts one usage row.
func (s *UsageStore) Record(ctx context.Context, rec models.UsageRecord) error {
	query := `
		INSERT INTO usage_logs (principal_id, key_id, method, path, status_code, latency_ms, usage_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.PrincipalID, rec.KeyID, rec.Method, rec.Path, rec.StatusCode,
		rec.LatencyMs, rec.UsageDate(), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Summary aggregates a principal's usage per day over an inclusive date range.
func (s *UsageStore) Summary(ctx context.Context, params models.UsageQueryParams) (*models.UsageSummary, error) {
	query := `
		SELECT usage_date,
		       COUNT(*),
		       SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END),
		       AVG(latency_ms)
		FROM usage_logs
		WHERE principal_id = ? AND usage_date >= ? AND usage_date <= ?
		GROUP BY usage_date
		ORDER BY usage_date
	`

	rows, err := s.db.QueryContext(ctx, query, params.PrincipalID, params.StartDate, params.EndDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	summary := &models.UsageSummary{
		Object:     "usage",
		StartDate:  params.StartDate,
		EndDate:    params.EndDate,
		DailyUsage: []models.DailyUsage{},
	}

	for rows.Next() {
		var day models.DailyUsage
		if err := rows.Scan(&day.Date, &day.RequestCount, &day.ErrorCount, &day.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		summary.Totals.Requests += day.RequestCount
		summary.Totals.Errors += day.ErrorCount
		summary.DailyUsage = append(summary.DailyUsage, day)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summary, nil
}
