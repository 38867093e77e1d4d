package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *UsageEvent) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UsageEvent, error)
	// CountWindows counts a caller's events on a dataset since each window
	// start in a single scan.
	CountWindows(ctx context.Context, db *gorm.DB, callerID, datasetID snowflake.ID, windows Windows) (WindowCounts, error)
	// OldestSince returns the timestamp of the first event at or after since.
	OldestSince(ctx context.Context, db *gorm.DB, callerID, datasetID snowflake.ID, since time.Time) (*time.Time, error)

	CallerTotals(ctx context.Context, db *gorm.DB, callerID snowflake.ID, from, to time.Time) (CallerTotals, error)
	CallerByDataset(ctx context.Context, db *gorm.DB, callerID snowflake.ID, from, to time.Time) ([]DatasetUsageRow, error)
	TopEndpoints(ctx context.Context, db *gorm.DB, callerID snowflake.ID, from, to time.Time, limit int) ([]EndpointUsageRow, error)
	DatasetTotals(ctx context.Context, db *gorm.DB, datasetID snowflake.ID, from, to time.Time) (CallerTotals, int64, error)
	TopCallers(ctx context.Context, db *gorm.DB, datasetID snowflake.ID, from, to time.Time, limit int) ([]CallerUsageRow, error)
	ListForDataset(ctx context.Context, db *gorm.DB, datasetID snowflake.ID, from, to time.Time) ([]UsageEvent, error)
	ListForCaller(ctx context.Context, db *gorm.DB, callerID snowflake.ID, from, to time.Time) ([]UsageEvent, error)

	// ListOlderThan returns the oldest events recorded before cutoff.
	ListOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]UsageEvent, error)
	DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error)
}
