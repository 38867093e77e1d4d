package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	"github.com/smallbiznis/licensegate/internal/pricing"
	"github.com/smallbiznis/licensegate/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() callerdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, caller *callerdomain.Caller) error {
	return tx.WithContext(ctx).Create(caller).Error
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*callerdomain.Caller, error) {
	return r.find(tx.WithContext(ctx), id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*callerdomain.Caller, error) {
	stmt := tx.WithContext(ctx)
	if !db.IsSQLite(tx) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.find(stmt, id)
}

func (r *repo) find(stmt *gorm.DB, id snowflake.ID) (*callerdomain.Caller, error) {
	var caller callerdomain.Caller
	err := stmt.Where("id = ?", id).First(&caller).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &caller, nil
}

func (r *repo) AddMonthlySpend(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount pricing.Amount, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE callers
		SET current_monthly_spend = current_monthly_spend + ?, last_active_at = ?, updated_at = ?
		WHERE id = ?`,
		amount, at, at, id,
	).Error
}

func (r *repo) ResetMonthlySpend(ctx context.Context, tx *gorm.DB, periodStart, at time.Time) (int64, error) {
	res := tx.WithContext(ctx).Exec(
		`UPDATE callers
		SET current_monthly_spend = 0, spend_reset_at = ?, updated_at = ?
		WHERE spend_reset_at < ?`,
		at, at, periodStart,
	)
	return res.RowsAffected, res.Error
}
