package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/pricing"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, caller *Caller) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Caller, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Caller, error)
	// AddMonthlySpend increments the running spend and touches last_active_at.
	AddMonthlySpend(ctx context.Context, db *gorm.DB, id snowflake.ID, amount pricing.Amount, at time.Time) error
	// ResetMonthlySpend zeroes spend for callers last reset before periodStart.
	ResetMonthlySpend(ctx context.Context, db *gorm.DB, periodStart, at time.Time) (int64, error)
}
