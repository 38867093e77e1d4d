package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/apierror"
	"github.com/smallbiznis/licensegate/internal/pricing"
)

type CreateSubscriptionRequest struct {
	CallerID         snowflake.ID     `json:"caller_id"`
	DatasetID        snowflake.ID     `json:"dataset_id"`
	LicenseID        snowflake.ID     `json:"license_id"`
	SubscriptionType SubscriptionType `json:"subscription_type"`
	// AutoRenew defaults to true.
	AutoRenew *bool          `json:"auto_renew,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StatusView is a subscription with its current-period usage and the
// limits of its license.
type StatusView struct {
	SubscriptionID   snowflake.ID       `json:"subscription_id"`
	Status           SubscriptionStatus `json:"status"`
	SubscriptionType SubscriptionType   `json:"subscription_type"`
	StartDate        time.Time          `json:"start_date"`
	EndDate          *time.Time         `json:"end_date,omitempty"`
	AutoRenew        bool               `json:"auto_renew"`
	License          LicenseSummary     `json:"license"`
	CurrentPeriod    PeriodUsage        `json:"current_period"`
	Limits           Limits             `json:"limits"`
}

type LicenseSummary struct {
	ID   snowflake.ID `json:"id"`
	Name string       `json:"name"`
	Tier string       `json:"tier"`
}

type PeriodUsage struct {
	Start           time.Time      `json:"start"`
	APICalls        int64          `json:"api_calls"`
	RecordsAccessed int64          `json:"records_accessed"`
	Cost            pricing.Amount `json:"cost"`
}

type Limits struct {
	RatePerMinute        int64 `json:"rate_per_minute"`
	RatePerDay           int64 `json:"rate_per_day"`
	RatePerMonth         int64 `json:"rate_per_month"`
	MaxRecordsPerRequest int64 `json:"max_records_per_request"`
}

// Service manages the subscription lifecycle. Every mutating call is
// authorized for actor.
type Service interface {
	Create(ctx context.Context, actor string, req CreateSubscriptionRequest) (*Subscription, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Subscription, error)
	// GetActive is read on every access check and is never cached.
	GetActive(ctx context.Context, callerID, datasetID snowflake.ID) (*Subscription, error)
	ListByCaller(ctx context.Context, callerID snowflake.ID) ([]Subscription, error)
	GetStatus(ctx context.Context, callerID, datasetID snowflake.ID) (*StatusView, error)
	Renew(ctx context.Context, actor string, id snowflake.ID) (*Subscription, error)
	Cancel(ctx context.Context, actor string, id snowflake.ID) (*Subscription, error)
	Suspend(ctx context.Context, actor string, id snowflake.ID, reason string) (*Subscription, error)
	Reinstate(ctx context.Context, actor string, id snowflake.ID) (*Subscription, error)
	Expire(ctx context.Context, actor string, id snowflake.ID) (*Subscription, error)
	// ListExpiring returns auto-renewing active subscriptions ending within daysAhead.
	ListExpiring(ctx context.Context, daysAhead int, limit int) ([]Subscription, error)
	// ListLapsed returns active subscriptions past their end date that will not renew.
	ListLapsed(ctx context.Context, limit int) ([]Subscription, error)
}

var (
	ErrInvalidSubscription     = apierror.New(apierror.KindValidation, "INVALID_SUBSCRIPTION", "subscription id is required")
	ErrInvalidCaller           = apierror.New(apierror.KindValidation, "INVALID_CALLER", "caller id is required")
	ErrInvalidDataset          = apierror.New(apierror.KindValidation, "INVALID_DATASET", "dataset id is required")
	ErrInvalidLicense          = apierror.New(apierror.KindValidation, "INVALID_LICENSE", "license is not offered for this dataset")
	ErrInvalidSubscriptionType = apierror.New(apierror.KindValidation, "INVALID_SUBSCRIPTION_TYPE", "unknown subscription type")
	ErrInvalidDaysAhead        = apierror.New(apierror.KindValidation, "INVALID_DAYS_AHEAD", "days ahead must not be negative")
	ErrSubscriptionNotFound    = apierror.New(apierror.KindNotFound, "SUBSCRIPTION_NOT_FOUND", "subscription not found")
	ErrAlreadySubscribed       = apierror.New(apierror.KindConflict, "ALREADY_SUBSCRIBED", "caller already has an active subscription to this dataset")
	ErrSpendLimitExceeded      = apierror.New(apierror.KindConflict, "SPEND_LIMIT_EXCEEDED", "subscription would exceed the caller's monthly spend limit")
	ErrInvalidTransition       = apierror.New(apierror.KindConflict, "INVALID_TRANSITION", "subscription cannot make this transition")
	ErrNotRenewable            = apierror.New(apierror.KindConflict, "NOT_RENEWABLE", "subscription is not eligible for renewal")
	ErrNotExpirable            = apierror.New(apierror.KindConflict, "NOT_EXPIRABLE", "subscription has not reached its end date")
	ErrInactiveReference       = apierror.New(apierror.KindConflict, "INACTIVE_REFERENCE", "referenced entity is inactive")
)
