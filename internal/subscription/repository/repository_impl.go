package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	"github.com/smallbiznis/licensegate/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return tx.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return first(tx.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	stmt := tx.WithContext(ctx)
	if !db.IsSQLite(tx) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return first(stmt.Where("id = ?", id))
}

func (r *repo) FindActive(ctx context.Context, tx *gorm.DB, callerID, datasetID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return first(tx.WithContext(ctx).
		Where("caller_id = ? AND dataset_id = ? AND status = ?", callerID, datasetID, subscriptiondomain.SubscriptionStatusActive).
		Order("created_at DESC"))
}

func (r *repo) FindLatest(ctx context.Context, tx *gorm.DB, callerID, datasetID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return first(tx.WithContext(ctx).
		Where("caller_id = ? AND dataset_id = ?", callerID, datasetID).
		Order("created_at DESC").Order("id DESC"))
}

func (r *repo) ListByCaller(ctx context.Context, tx *gorm.DB, callerID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := tx.WithContext(ctx).
		Where("caller_id = ?", callerID).
		Order("created_at ASC").
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ListEndingBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, autoRenew bool, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	stmt := tx.WithContext(ctx).
		Where("status = ? AND end_date IS NOT NULL AND end_date <= ? AND auto_renew = ?",
			subscriptiondomain.SubscriptionStatusActive, cutoff, autoRenew).
		Order("end_date ASC").Order("id ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) IncrementUsage(ctx context.Context, tx *gorm.DB, id snowflake.ID, records int64, cost pricing.Amount, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET api_calls = api_calls + 1,
		     records_accessed = records_accessed + ?,
		     usage_cost = usage_cost + ?,
		     total_api_calls = total_api_calls + 1,
		     total_records_accessed = total_records_accessed + ?,
		     total_usage_cost = total_usage_cost + ?,
		     updated_at = ?
		 WHERE id = ?`,
		records, cost, records, cost, at, id,
	).Error
}

func (r *repo) UpdateLifecycle(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, auto_renew = ?, end_date = ?, cancelled_at = ?, suspended_at = ?, suspend_reason = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.Status,
		subscription.AutoRenew,
		subscription.EndDate,
		subscription.CancelledAt,
		subscription.SuspendedAt,
		subscription.SuspendReason,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) StartPeriod(ctx context.Context, tx *gorm.DB, id snowflake.ID, endDate time.Time, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET end_date = ?, api_calls = 0, records_accessed = 0, usage_cost = 0, last_usage_reset = ?, updated_at = ?
		 WHERE id = ?`,
		endDate, at, at, id,
	).Error
}

func first(stmt *gorm.DB) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := stmt.First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}
