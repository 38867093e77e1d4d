package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/pricing"
)

// Tier is a license level on a dataset.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierFree:       0,
	TierBasic:      1,
	TierPremium:    2,
	TierEnterprise: 3,
}

func (t Tier) Rank() int {
	if rank, ok := tierRank[t]; ok {
		return rank
	}
	return -1
}

func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

func (t Tier) AtLeast(min Tier) bool {
	return t.Valid() && t.Rank() >= min.Rank()
}

// Feature flags a license may grant.
const (
	FeatureRealTimeAccess = "real_time_access"
	FeatureBulkDownload   = "bulk_download"
	FeatureWebhookSupport = "webhook_support"
)

// License is a priced access level for one dataset.
type License struct {
	ID                   snowflake.ID   `gorm:"primaryKey" json:"id"`
	DatasetID            snowflake.ID   `gorm:"not null;index" json:"dataset_id"`
	Name                 string         `gorm:"type:text;not null" json:"name"`
	Tier                 Tier           `gorm:"type:text;not null" json:"tier"`
	RateLimitPerMinute   int64          `gorm:"not null" json:"rate_limit_per_minute"`
	RateLimitPerDay      int64          `gorm:"not null" json:"rate_limit_per_day"`
	RateLimitPerMonth    int64          `gorm:"not null" json:"rate_limit_per_month"`
	MaxRecordsPerRequest int64          `gorm:"not null" json:"max_records_per_request"`
	HistoricalAccessDays *int           `json:"historical_access_days,omitempty"`
	PricePerRecord       pricing.Amount `gorm:"not null;default:0" json:"price_per_record"`
	PricePerAPICall      pricing.Amount `gorm:"not null;default:0" json:"price_per_api_call"`
	MonthlyPrice         pricing.Amount `gorm:"not null;default:0" json:"monthly_price"`
	AnnualPrice          pricing.Amount `gorm:"not null;default:0" json:"annual_price"`
	RealTimeAccess       bool           `gorm:"not null" json:"real_time_access"`
	BulkDownload         bool           `gorm:"not null" json:"bulk_download"`
	WebhookSupport       bool           `gorm:"not null" json:"webhook_support"`
	Active               bool           `gorm:"not null" json:"active"`
	CreatedAt            time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (License) TableName() string { return "licenses" }

// Features lists the enabled feature flags in a stable order.
func (l License) Features() []string {
	features := make([]string, 0, 3)
	if l.RealTimeAccess {
		features = append(features, FeatureRealTimeAccess)
	}
	if l.BulkDownload {
		features = append(features, FeatureBulkDownload)
	}
	if l.WebhookSupport {
		features = append(features, FeatureWebhookSupport)
	}
	return features
}

func (l License) HasFeature(name string) bool {
	switch name {
	case FeatureRealTimeAccess:
		return l.RealTimeAccess
	case FeatureBulkDownload:
		return l.BulkDownload
	case FeatureWebhookSupport:
		return l.WebhookSupport
	default:
		return false
	}
}

func (l License) Rates() pricing.Rates {
	return pricing.Rates{PerAPICall: l.PricePerAPICall, PerRecord: l.PricePerRecord}
}
