// Package domain contains the subscription model and its lifecycle contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/pricing"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusSuspended SubscriptionStatus = "suspended"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// SubscriptionType selects the billing period.
type SubscriptionType string

const (
	SubscriptionTypeMonthly   SubscriptionType = "monthly"
	SubscriptionTypeAnnual    SubscriptionType = "annual"
	SubscriptionTypePayPerUse SubscriptionType = "pay_per_use"
)

// Period is the length of one billing period. Pay-per-use has none.
func (t SubscriptionType) Period() (time.Duration, bool) {
	switch t {
	case SubscriptionTypeMonthly:
		return 30 * 24 * time.Hour, true
	case SubscriptionTypeAnnual:
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

func (t SubscriptionType) Valid() bool {
	switch t {
	case SubscriptionTypeMonthly, SubscriptionTypeAnnual, SubscriptionTypePayPerUse:
		return true
	default:
		return false
	}
}

// Subscription grants a caller access to a dataset under one license. Rows
// are never deleted; at most one row per caller and dataset is active.
type Subscription struct {
	ID                   snowflake.ID       `gorm:"primaryKey" json:"id"`
	CallerID             snowflake.ID       `gorm:"not null;index;uniqueIndex:ux_subscriptions_active,where:status = 'active'" json:"caller_id"`
	DatasetID            snowflake.ID       `gorm:"not null;index;uniqueIndex:ux_subscriptions_active" json:"dataset_id"`
	LicenseID            snowflake.ID       `gorm:"not null;index" json:"license_id"`
	Status               SubscriptionStatus `gorm:"type:text;not null;index" json:"status"`
	SubscriptionType     SubscriptionType   `gorm:"type:text;not null" json:"subscription_type"`
	StartDate            time.Time          `gorm:"not null" json:"start_date"`
	EndDate              *time.Time         `gorm:"index" json:"end_date,omitempty"`
	AutoRenew            bool               `gorm:"not null" json:"auto_renew"`
	APICalls             int64              `gorm:"not null;default:0" json:"api_calls"`
	RecordsAccessed      int64              `gorm:"not null;default:0" json:"records_accessed"`
	UsageCost            pricing.Amount     `gorm:"not null;default:0" json:"usage_cost"`
	TotalAPICalls        int64              `gorm:"not null;default:0" json:"total_api_calls"`
	TotalRecordsAccessed int64              `gorm:"not null;default:0" json:"total_records_accessed"`
	TotalUsageCost       pricing.Amount     `gorm:"not null;default:0" json:"total_usage_cost"`
	LastUsageReset       time.Time          `gorm:"not null" json:"last_usage_reset"`
	MonthlyPrice         pricing.Amount     `gorm:"not null;default:0" json:"monthly_price"`
	AnnualPrice          pricing.Amount     `gorm:"not null;default:0" json:"annual_price"`
	CancelledAt          *time.Time         `json:"cancelled_at,omitempty"`
	SuspendedAt          *time.Time         `json:"suspended_at,omitempty"`
	SuspendReason        *string            `gorm:"type:text" json:"suspend_reason,omitempty"`
	Metadata             datatypes.JSONMap  `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// EndedBy reports whether the subscription has an end date at or before now.
func (s Subscription) EndedBy(now time.Time) bool {
	return s.EndDate != nil && !s.EndDate.After(now)
}

// MonthlyEquivalent is the recurring charge counted against a caller's
// monthly spend limit.
func MonthlyEquivalent(subType SubscriptionType, monthly, annual pricing.Amount) pricing.Amount {
	switch subType {
	case SubscriptionTypeMonthly:
		return monthly
	case SubscriptionTypeAnnual:
		return pricing.MonthlyFromAnnual(annual)
	default:
		return 0
	}
}
