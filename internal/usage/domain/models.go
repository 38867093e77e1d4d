package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/pricing"
	"gorm.io/datatypes"
)

// UsageEvent is one completed, allowed request against a dataset. Events are
// append-only and are the source of truth for the day, month and minute
// quota windows.
type UsageEvent struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	CallerID          snowflake.ID      `gorm:"not null;index:idx_usage_events_window,priority:1" json:"caller_id"`
	DatasetID         snowflake.ID      `gorm:"not null;index:idx_usage_events_window,priority:2;index:idx_usage_events_dataset_ts,priority:1" json:"dataset_id"`
	SubscriptionID    snowflake.ID      `gorm:"not null;index" json:"subscription_id"`
	Endpoint          string            `gorm:"type:text;not null" json:"endpoint"`
	Method            string            `gorm:"type:text;not null" json:"method"`
	RecordsReturned   int64             `gorm:"not null;default:0" json:"records_returned"`
	ResponseSizeBytes int64             `gorm:"not null;default:0" json:"response_size_bytes"`
	ResponseTimeMs    int64             `gorm:"not null;default:0" json:"response_time_ms"`
	StatusCode        int               `gorm:"not null" json:"status_code"`
	CostAmount        pricing.Amount    `gorm:"not null;default:0" json:"cost_amount"`
	CostBasis         pricing.Basis     `gorm:"type:text;not null" json:"cost_basis"`
	Timestamp         time.Time         `gorm:"not null;index:idx_usage_events_window,priority:3;index:idx_usage_events_dataset_ts,priority:2;index" json:"timestamp"`
	IPAddress         string            `gorm:"type:text" json:"ip_address,omitempty"`
	UserAgent         string            `gorm:"type:text" json:"user_agent,omitempty"`
	QueryParams       datatypes.JSONMap `gorm:"type:jsonb" json:"query_params,omitempty"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// Failed reports whether the request ended in a client or server error.
func (e UsageEvent) Failed() bool {
	return e.StatusCode >= 400
}

// Windows are the lower bounds of the three quota windows for one check.
type Windows struct {
	DayStart    time.Time
	MonthStart  time.Time
	MinuteStart time.Time
}

// Earliest is the oldest bound, used to prune the scan.
func (w Windows) Earliest() time.Time {
	earliest := w.DayStart
	if w.MonthStart.Before(earliest) {
		earliest = w.MonthStart
	}
	if w.MinuteStart.Before(earliest) {
		earliest = w.MinuteStart
	}
	return earliest
}

// WindowCounts are the events recorded since each window start.
type WindowCounts struct {
	Day    int64
	Month  int64
	Minute int64
}

// CallerTotals aggregate a caller's events over a period.
type CallerTotals struct {
	APICalls          int64
	RecordsAccessed   int64
	Cost              pricing.Amount
	ResponseTimeTotal int64
	Errors            int64
}

type DatasetUsageRow struct {
	DatasetID         snowflake.ID
	APICalls          int64
	RecordsAccessed   int64
	Cost              pricing.Amount
	ResponseTimeTotal int64
	Errors            int64
}

type EndpointUsageRow struct {
	Endpoint string
	Calls    int64
}

type CallerUsageRow struct {
	CallerID        snowflake.ID
	APICalls        int64
	RecordsAccessed int64
	Revenue         pricing.Amount
}

type DailyUsageRow struct {
	Day      string
	APICalls int64
	Revenue  pricing.Amount
}
