package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/pricing"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindActive returns the active subscription for a caller and dataset, if any.
	FindActive(ctx context.Context, db *gorm.DB, callerID, datasetID snowflake.ID) (*Subscription, error)
	FindLatest(ctx context.Context, db *gorm.DB, callerID, datasetID snowflake.ID) (*Subscription, error)
	ListByCaller(ctx context.Context, db *gorm.DB, callerID snowflake.ID) ([]Subscription, error)
	// ListEndingBefore returns active subscriptions with an end date at or
	// before cutoff, filtered by auto-renew flag, oldest end first.
	ListEndingBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, autoRenew bool, limit int) ([]Subscription, error)
	// IncrementUsage adds to both the current-period and lifetime counters.
	IncrementUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, records int64, cost pricing.Amount, at time.Time) error
	UpdateLifecycle(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	// StartPeriod moves the end date and zeroes the current-period counters.
	StartPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID, endDate time.Time, at time.Time) error
}
