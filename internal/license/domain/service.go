package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/apierror"
	"github.com/smallbiznis/licensegate/internal/pricing"
	"github.com/smallbiznis/licensegate/pkg/db/pagination"
)

type CreateLicenseRequest struct {
	DatasetID            snowflake.ID   `json:"dataset_id"`
	Name                 string         `json:"name"`
	Tier                 Tier           `json:"tier"`
	RateLimitPerMinute   int64          `json:"rate_limit_per_minute"`
	RateLimitPerDay      int64          `json:"rate_limit_per_day"`
	RateLimitPerMonth    int64          `json:"rate_limit_per_month"`
	MaxRecordsPerRequest int64          `json:"max_records_per_request"`
	HistoricalAccessDays *int           `json:"historical_access_days,omitempty"`
	PricePerRecord       pricing.Amount `json:"price_per_record"`
	PricePerAPICall      pricing.Amount `json:"price_per_api_call"`
	MonthlyPrice         pricing.Amount `json:"monthly_price"`
	AnnualPrice          pricing.Amount `json:"annual_price"`
	RealTimeAccess       bool           `json:"real_time_access"`
	BulkDownload         bool           `json:"bulk_download"`
	WebhookSupport       bool           `json:"webhook_support"`
}

// UpdatePricingRequest replaces only the fields that are set.
type UpdatePricingRequest struct {
	PricePerRecord  *pricing.Amount `json:"price_per_record,omitempty"`
	PricePerAPICall *pricing.Amount `json:"price_per_api_call,omitempty"`
	MonthlyPrice    *pricing.Amount `json:"monthly_price,omitempty"`
	AnnualPrice     *pricing.Amount `json:"annual_price,omitempty"`
}

type ListLicensesResponse struct {
	Licenses []*License          `json:"licenses"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type Service interface {
	Create(ctx context.Context, actor string, req CreateLicenseRequest) (*License, error)
	// GetByID returns active and inactive licenses alike.
	GetByID(ctx context.Context, id snowflake.ID) (*License, error)
	ListByDataset(ctx context.Context, datasetID snowflake.ID, page pagination.Pagination) (*ListLicensesResponse, error)
	UpdatePricing(ctx context.Context, actor string, id snowflake.ID, req UpdatePricingRequest) (*License, error)
}

var (
	ErrInvalidDataset   = apierror.New(apierror.KindValidation, "INVALID_DATASET", "dataset id is required")
	ErrInvalidName      = apierror.New(apierror.KindValidation, "INVALID_LICENSE_NAME", "license name is required")
	ErrInvalidTier      = apierror.New(apierror.KindValidation, "INVALID_LICENSE_TIER", "unknown license tier")
	ErrInvalidLimits    = apierror.New(apierror.KindValidation, "INVALID_LICENSE_LIMITS", "rate limits and record cap must be positive")
	ErrInvalidPrice     = apierror.New(apierror.KindValidation, "INVALID_PRICE", "prices must not be negative")
	ErrInvalidPageToken = apierror.New(apierror.KindValidation, "INVALID_PAGE_TOKEN", "page token is malformed")
	ErrEmptyUpdate      = apierror.New(apierror.KindValidation, "EMPTY_UPDATE", "no pricing field was provided")
	ErrLicenseNotFound  = apierror.New(apierror.KindNotFound, "LICENSE_NOT_FOUND", "license not found")
)
