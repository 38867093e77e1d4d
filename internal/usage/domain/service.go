package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/apierror"
	"github.com/smallbiznis/licensegate/internal/pricing"
)

// RecordUsageRequest describes a completed request. Timestamp defaults to
// the current time. Rates, when set, price the event without a license
// lookup.
type RecordUsageRequest struct {
	CallerID          snowflake.ID   `json:"caller_id"`
	DatasetID         snowflake.ID   `json:"dataset_id"`
	SubscriptionID    snowflake.ID   `json:"subscription_id"`
	LicenseID         snowflake.ID   `json:"license_id"`
	Rates             *pricing.Rates `json:"rates,omitempty"`
	Endpoint          string         `json:"endpoint"`
	Method            string         `json:"method"`
	RecordsReturned   int64          `json:"records_returned"`
	ResponseSizeBytes int64          `json:"response_size_bytes"`
	ResponseTimeMs    int64          `json:"response_time_ms"`
	StatusCode        int            `json:"status_code"`
	IPAddress         string         `json:"ip_address,omitempty"`
	UserAgent         string         `json:"user_agent,omitempty"`
	QueryParams       map[string]any `json:"query_params,omitempty"`
	Timestamp         time.Time      `json:"timestamp,omitempty"`
}

// Recorder persists usage events together with the counters derived from
// them.
type Recorder interface {
	// RecordUsage writes the event, the subscription counters and the
	// caller's monthly spend in one transaction. Transient failures are
	// retried; exhausted events are queued for reconciliation and reported
	// as ErrRecordingFailed.
	RecordUsage(ctx context.Context, req RecordUsageRequest) (*UsageEvent, error)
	// Persist writes an already priced event once, without retry. It is
	// idempotent on the event id.
	Persist(ctx context.Context, event *UsageEvent) error
}

// Store is the read side used by access validation.
type Store interface {
	CountWindows(ctx context.Context, callerID, datasetID snowflake.ID, windows Windows) (WindowCounts, error)
	OldestSince(ctx context.Context, callerID, datasetID snowflake.ID, since time.Time) (*time.Time, error)
}

type Period struct {
	Start time.Time `json:"start_date"`
	End   time.Time `json:"end_date"`
}

type CallerSummary struct {
	Period       Period          `json:"period"`
	Summary      SummaryTotals   `json:"summary"`
	Datasets     []DatasetUsage  `json:"datasets"`
	TopEndpoints []EndpointUsage `json:"top_endpoints"`
}

type SummaryTotals struct {
	TotalAPICalls         int64          `json:"total_api_calls"`
	TotalRecordsAccessed  int64          `json:"total_records_accessed"`
	TotalCost             pricing.Amount `json:"total_cost"`
	AverageResponseTimeMs float64        `json:"average_response_time_ms"`
}

type DatasetUsage struct {
	DatasetID             snowflake.ID   `json:"dataset_id"`
	Name                  string         `json:"name,omitempty"`
	Slug                  string         `json:"slug,omitempty"`
	APICalls              int64          `json:"api_calls"`
	RecordsAccessed       int64          `json:"records_accessed"`
	Cost                  pricing.Amount `json:"cost"`
	AverageResponseTimeMs float64        `json:"avg_response_time"`
	ErrorRate             float64        `json:"error_rate"`
}

type EndpointUsage struct {
	Endpoint string `json:"endpoint"`
	Calls    int64  `json:"calls"`
}

type DatasetAnalytics struct {
	DatasetID  snowflake.ID    `json:"dataset_id"`
	Period     Period          `json:"period"`
	Summary    DatasetTotals   `json:"summary"`
	TopCallers []CallerRevenue `json:"top_users"`
	DailyTrend []DailyUsage    `json:"daily_usage"`
}

type DatasetTotals struct {
	TotalAPICalls         int64          `json:"total_api_calls"`
	TotalRecordsAccessed  int64          `json:"total_records_accessed"`
	TotalRevenue          pricing.Amount `json:"total_revenue"`
	UniqueCallers         int64          `json:"unique_users"`
	AverageResponseTimeMs float64        `json:"avg_response_time_ms"`
	ErrorRate             float64        `json:"error_rate"`
}

type CallerRevenue struct {
	CallerID        snowflake.ID   `json:"caller_id"`
	APICalls        int64          `json:"api_calls"`
	RecordsAccessed int64          `json:"records_accessed"`
	Revenue         pricing.Amount `json:"revenue"`
}

type DailyUsage struct {
	Date     string         `json:"date"`
	APICalls int64          `json:"api_calls"`
	Revenue  pricing.Amount `json:"revenue"`
}

// Analytics answers usage questions over a period. Zero times default to
// the start of the current UTC month and now.
type Analytics interface {
	CallerSummary(ctx context.Context, callerID snowflake.ID, from, to time.Time) (*CallerSummary, error)
	DatasetAnalytics(ctx context.Context, datasetID snowflake.ID, from, to time.Time) (*DatasetAnalytics, error)
	ListForCaller(ctx context.Context, callerID snowflake.ID, from, to time.Time) ([]UsageEvent, error)
}

type Service interface {
	Recorder
	Store
	Analytics
}

var (
	ErrInvalidCaller       = apierror.New(apierror.KindValidation, "INVALID_CALLER", "caller id is required")
	ErrInvalidDataset      = apierror.New(apierror.KindValidation, "INVALID_DATASET", "dataset id is required")
	ErrInvalidSubscription = apierror.New(apierror.KindValidation, "INVALID_SUBSCRIPTION", "subscription id is required")
	ErrInvalidLicense      = apierror.New(apierror.KindValidation, "INVALID_LICENSE", "license id is required")
	ErrInvalidRecords      = apierror.New(apierror.KindValidation, "INVALID_RECORDS", "records returned must not be negative")
	ErrInvalidPeriod       = apierror.New(apierror.KindValidation, "INVALID_PERIOD", "period end must not be before its start")
	ErrRecordingFailed     = apierror.New(apierror.KindRecordingFailure, "RECORDING_FAILED", "usage event was queued for reconciliation")
	ErrRecordingLost       = apierror.New(apierror.KindRecordingFailure, "RECORDING_LOST", "usage event could not be persisted or queued")
)
