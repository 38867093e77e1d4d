package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/pricing"
	"gorm.io/datatypes"
)

// Tier is a caller's account tier. Tiers are ordered.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
	TierCustom       Tier = "custom"
)

var tierRank = map[Tier]int{
	TierFree:         0,
	TierStarter:      1,
	TierProfessional: 2,
	TierEnterprise:   3,
	TierCustom:       4,
}

// Rank returns the tier's position, or -1 for an unknown tier.
func (t Tier) Rank() int {
	if rank, ok := tierRank[t]; ok {
		return rank
	}
	return -1
}

func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// AtLeast reports whether t is min or above.
func (t Tier) AtLeast(min Tier) bool {
	return t.Valid() && t.Rank() >= min.Rank()
}

// Caller is an account that subscribes to datasets and consumes them.
type Caller struct {
	ID                  snowflake.ID      `gorm:"primaryKey" json:"id"`
	Email               string            `gorm:"type:text;not null;uniqueIndex" json:"email"`
	Name                string            `gorm:"type:text;not null" json:"name"`
	Tier                Tier              `gorm:"type:text;not null" json:"tier"`
	MonthlySpendLimit   pricing.Amount    `gorm:"not null;default:0" json:"monthly_spend_limit"`
	CurrentMonthlySpend pricing.Amount    `gorm:"not null;default:0" json:"current_monthly_spend"`
	SpendResetAt        time.Time         `gorm:"not null" json:"spend_reset_at"`
	Timezone            string            `gorm:"type:text;not null;default:'UTC'" json:"timezone"`
	Active              bool              `gorm:"not null" json:"active"`
	LastActiveAt        *time.Time        `json:"last_active_at,omitempty"`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Caller) TableName() string { return "callers" }

// Location is the zone the caller's day and month quota windows follow.
// Unknown zones fall back to UTC.
func (c Caller) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Exempt callers skip the monthly spend check.
func (c Caller) SpendLimitExempt() bool {
	return c.Tier == TierEnterprise
}
