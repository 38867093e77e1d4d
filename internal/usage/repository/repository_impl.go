package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *usagedomain.UsageEvent) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*usagedomain.UsageEvent, error) {
	var event usagedomain.UsageEvent
	err := db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repo) CountWindows(ctx context.Context, db *gorm.DB, callerID, datasetID snowflake.ID, windows usagedomain.Windows) (usagedomain.WindowCounts, error) {
	var row struct {
		DayCount    int64
		MonthCount  int64
		MinuteCount int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT
		   COALESCE(SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END), 0) AS day_count,
		   COALESCE(SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END), 0) AS month_count,
		   COALESCE(SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END), 0) AS minute_count
		 FROM usage_events
		 WHERE caller_id = ? AND dataset_id = ? AND timestamp >= ?`,
		windows.DayStart,
		windows.MonthStart,
		windows.MinuteStart,
		callerID,
		datasetID,
		windows.Earliest(),
	).Scan(&row).Error
	if err != nil {
		return usagedomain.WindowCounts{}, err
	}
	return usagedomain.WindowCounts{
		Day:    row.DayCount,
		Month:  row.MonthCount,
		Minute: row.MinuteCount,
	}, nil
}

func (r *repo) OldestSince(ctx context.Context, db *gorm.DB, callerID, datasetID snowflake.ID, since time.Time) (*time.Time, error) {
	var event usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Select("id", "timestamp").
		Where("caller_id = ? AND dataset_id = ? AND timestamp >= ?", callerID, datasetID, since).
		Order("timestamp ASC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ts := event.Timestamp.UTC()
	return &ts, nil
}

func (r *repo) CallerTotals(ctx context.Context, db *gorm.DB, callerID snowflake.ID, from, to time.Time) (usagedomain.CallerTotals, error) {
	var totals usagedomain.CallerTotals
	err := db.WithContext(ctx).Raw(
		`SELECT
		   COUNT(*) AS api_calls,
		   COALESCE(SUM(records_returned), 0) AS records_accessed,
		   COALESCE(SUM(cost_amount), 0) AS cost,
		   COALESCE(SUM(response_time_ms), 0) AS response_time_total,
		   COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0) AS errors
		 FROM usage_events
		 WHERE caller_id = ? AND timestamp >= ? AND timestamp <= ?`,
		callerID, from, to,
	).Scan(&totals).Error
	return totals, err
}

func (r *repo) CallerByDataset(ctx context.Context, db *gorm.DB, callerID snowflake.ID, from, to time.Time) ([]usagedomain.DatasetUsageRow, error) {
	var rows []usagedomain.DatasetUsageRow
	err := db.WithContext(ctx).Raw(
		`SELECT
		   dataset_id,
		   COUNT(*) AS api_calls,
		   COALESCE(SUM(records_returned), 0) AS records_accessed,
		   COALESCE(SUM(cost_amount), 0) AS cost,
		   COALESCE(SUM(response_time_ms), 0) AS response_time_total,
		   COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0) AS errors
		 FROM usage_events
		 WHERE caller_id = ? AND timestamp >= ? AND timestamp <= ?
		 GROUP BY dataset_id
		 ORDER BY api_calls DESC, dataset_id ASC`,
		callerID, from, to,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) TopEndpoints(ctx context.Context, db *gorm.DB, callerID snowflake.ID, from, to time.Time, limit int) ([]usagedomain.EndpointUsageRow, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []usagedomain.EndpointUsageRow
	err := db.WithContext(ctx).Raw(
		`SELECT endpoint, COUNT(*) AS calls
		 FROM usage_events
		 WHERE caller_id = ? AND timestamp >= ? AND timestamp <= ?
		 GROUP BY endpoint
		 ORDER BY calls DESC, endpoint ASC
		 LIMIT ?`,
		callerID, from, to, limit,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) DatasetTotals(ctx context.Context, db *gorm.DB, datasetID snowflake.ID, from, to time.Time) (usagedomain.CallerTotals, int64, error) {
	var row struct {
		usagedomain.CallerTotals
		UniqueCallers int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT
		   COUNT(*) AS api_calls,
		   COALESCE(SUM(records_returned), 0) AS records_accessed,
		   COALESCE(SUM(cost_amount), 0) AS cost,
		   COALESCE(SUM(response_time_ms), 0) AS response_time_total,
		   COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0) AS errors,
		   COUNT(DISTINCT caller_id) AS unique_callers
		 FROM usage_events
		 WHERE dataset_id = ? AND timestamp >= ? AND timestamp <= ?`,
		datasetID, from, to,
	).Scan(&row).Error
	return row.CallerTotals, row.UniqueCallers, err
}

func (r *repo) TopCallers(ctx context.Context, db *gorm.DB, datasetID snowflake.ID, from, to time.Time, limit int) ([]usagedomain.CallerUsageRow, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []usagedomain.CallerUsageRow
	err := db.WithContext(ctx).Raw(
		`SELECT
		   caller_id,
		   COUNT(*) AS api_calls,
		   COALESCE(SUM(records_returned), 0) AS records_accessed,
		   COALESCE(SUM(cost_amount), 0) AS revenue
		 FROM usage_events
		 WHERE dataset_id = ? AND timestamp >= ? AND timestamp <= ?
		 GROUP BY caller_id
		 ORDER BY revenue DESC, caller_id ASC
		 LIMIT ?`,
		datasetID, from, to, limit,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) ListForDataset(ctx context.Context, db *gorm.DB, datasetID snowflake.ID, from, to time.Time) ([]usagedomain.UsageEvent, error) {
	var events []usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Where("dataset_id = ? AND timestamp >= ? AND timestamp <= ?", datasetID, from, to).
		Order("timestamp ASC").
		Find(&events).Error
	return events, err
}

func (r *repo) ListForCaller(ctx context.Context, db *gorm.DB, callerID snowflake.ID, from, to time.Time) ([]usagedomain.UsageEvent, error) {
	var events []usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Where("caller_id = ? AND timestamp >= ? AND timestamp <= ?", callerID, from, to).
		Order("timestamp ASC, id ASC").
		Find(&events).Error
	return events, err
}

func (r *repo) ListOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]usagedomain.UsageEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	var events []usagedomain.UsageEvent
	err := db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Order("timestamp ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *repo) DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Where("id IN ?", ids).Delete(&usagedomain.UsageEvent{})
	return result.RowsAffected, result.Error
}
