package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/apierror"
	"github.com/smallbiznis/licensegate/internal/pricing"
)

type CreateCallerRequest struct {
	Email             string         `json:"email"`
	Name              string         `json:"name"`
	Tier              Tier           `json:"tier"`
	MonthlySpendLimit pricing.Amount `json:"monthly_spend_limit"`
	Timezone          string         `json:"timezone,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateCallerRequest) (*Caller, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Caller, error)
	// ResetMonthlySpend starts a new spend period for every caller whose
	// period began before the current calendar month. It is idempotent.
	ResetMonthlySpend(ctx context.Context) (int64, error)
}

// DefaultMonthlySpendLimit applies when a caller is created without one.
var DefaultMonthlySpendLimit = pricing.MustParse("1000")

var (
	ErrCallerNotFound  = apierror.New(apierror.KindNotFound, "CALLER_NOT_FOUND", "caller not found")
	ErrCallerInactive  = apierror.New(apierror.KindConflict, "CALLER_INACTIVE", "caller is inactive")
	ErrInvalidCaller   = apierror.New(apierror.KindValidation, "INVALID_CALLER", "caller id is required")
	ErrInvalidEmail    = apierror.New(apierror.KindValidation, "INVALID_EMAIL", "email is required")
	ErrInvalidTier     = apierror.New(apierror.KindValidation, "INVALID_TIER", "unknown caller tier")
	ErrInvalidTimezone = apierror.New(apierror.KindValidation, "INVALID_TIMEZONE", "unknown timezone")
	ErrEmailTaken      = apierror.New(apierror.KindConflict, "EMAIL_TAKEN", "email already registered")
)
