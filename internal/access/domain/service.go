package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/apierror"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
)

// Service decides whether a caller may use a dataset.
type Service interface {
	// ValidateAccess runs the ordered checks against a single point in time.
	// Store faults deny with STORE_UNAVAILABLE; only malformed input
	// returns an error.
	ValidateAccess(ctx context.Context, req AccessRequest) (Decision, error)
	// QuotaStatus reports the caller's windows without recording anything.
	QuotaStatus(ctx context.Context, callerID, datasetID snowflake.ID) (*QuotaStatus, error)
}

// RequireFeature denies a granted request whose license lacks feature.
func RequireFeature(grant *Grant, feature string) error {
	if grant == nil {
		return ErrNoGrant
	}
	if !grant.HasFeature(feature) {
		return apierror.New(apierror.KindAccessDenied, CodeFeatureNotAvailable, "feature "+feature+" is not included in your license")
	}
	return nil
}

// RequireTier denies a granted request whose license tier is below min.
func RequireTier(grant *Grant, min licensedomain.Tier) error {
	if grant == nil {
		return ErrNoGrant
	}
	if !grant.Tier.AtLeast(min) {
		return apierror.New(apierror.KindAccessDenied, CodeInsufficientTier, "license tier "+string(min)+" or higher is required")
	}
	return nil
}

var (
	ErrInvalidCaller  = apierror.New(apierror.KindValidation, "INVALID_CALLER", "caller id is required")
	ErrInvalidDataset = apierror.New(apierror.KindValidation, "INVALID_DATASET", "dataset id is required")
	ErrInvalidRecords = apierror.New(apierror.KindValidation, "INVALID_RECORDS", "requested records must not be negative")
	ErrNoGrant        = apierror.New(apierror.KindAccessDenied, CodeNoSubscription, "access was not granted")
)
