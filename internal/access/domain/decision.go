package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/apierror"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/pricing"
)

// Denial codes, in the order the checks run.
const (
	CodeNoSubscription          = "NO_SUBSCRIPTION"
	CodeSubscriptionExpired     = "SUBSCRIPTION_EXPIRED"
	CodeRecordLimitExceeded     = "RECORD_LIMIT_EXCEEDED"
	CodeHistoricalAccessLimited = "HISTORICAL_ACCESS_LIMITED"
	CodeDailyLimitExceeded      = "DAILY_LIMIT_EXCEEDED"
	CodeMonthlyLimitExceeded    = "MONTHLY_LIMIT_EXCEEDED"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodeStoreUnavailable        = "STORE_UNAVAILABLE"

	CodeFeatureNotAvailable = "FEATURE_NOT_AVAILABLE"
	CodeInsufficientTier    = "INSUFFICIENT_LICENSE_TIER"
)

// AccessRequest asks whether a caller may read RequestedRecords from a
// dataset now. Since, when set, is the oldest point in time the request
// reaches back to.
type AccessRequest struct {
	CallerID         snowflake.ID
	DatasetID        snowflake.ID
	RequestedRecords int64
	Since            *time.Time
}

// Decision is the outcome of one validation. Exactly one of Grant and
// Denial is set.
type Decision struct {
	Grant  *Grant
	Denial *Denial
}

func (d Decision) Allowed() bool {
	return d.Grant != nil
}

// Err converts a denial into the error an adapter should surface.
func (d Decision) Err() error {
	if d.Denial == nil {
		return nil
	}
	return d.Denial.Err()
}

type Grant struct {
	SubscriptionID snowflake.ID       `json:"subscription_id"`
	LicenseID      snowflake.ID       `json:"license_id"`
	Tier           licensedomain.Tier `json:"tier"`
	Features       []string           `json:"features"`
	Cost           pricing.Amount     `json:"cost"`
	CostBasis      pricing.Basis      `json:"cost_basis"`
	Rates          pricing.Rates      `json:"-"`
	Limits         Limits             `json:"limits"`
	Remaining      Remaining          `json:"remaining_calls"`
}

func (g Grant) HasFeature(feature string) bool {
	for _, f := range g.Features {
		if f == feature {
			return true
		}
	}
	return false
}

type Limits struct {
	PerMinute int64 `json:"per_minute"`
	PerDay    int64 `json:"daily"`
	PerMonth  int64 `json:"monthly"`
}

// Remaining are the calls left in each window before this request.
type Remaining struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
	Minute  int64 `json:"per_minute"`
}

type Denial struct {
	Code       string     `json:"error_code"`
	Reason     string     `json:"reason"`
	RetryAfter *time.Time `json:"reset_time,omitempty"`
}

func (d *Denial) Err() error {
	kind := apierror.KindAccessDenied
	if d.Code == CodeStoreUnavailable {
		kind = apierror.KindStoreUnavailable
	}
	err := apierror.New(kind, d.Code, d.Reason)
	if d.RetryAfter != nil {
		return err.WithRetryAfter(*d.RetryAfter)
	}
	return err
}

// WindowStatus reports one quota window without consuming it.
type WindowStatus struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_time"`
}

type QuotaStatus struct {
	SubscriptionID snowflake.ID `json:"subscription_id"`
	Minute         WindowStatus `json:"per_minute"`
	Daily          WindowStatus `json:"daily"`
	Monthly        WindowStatus `json:"monthly"`
}
