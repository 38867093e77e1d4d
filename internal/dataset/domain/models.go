package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Dataset is a licensable data product addressed by slug.
type Dataset struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	Slug        string            `gorm:"type:text;not null;uniqueIndex" json:"slug"`
	Name        string            `gorm:"type:text;not null" json:"name"`
	Description string            `gorm:"type:text" json:"description,omitempty"`
	Category    string            `gorm:"type:text" json:"category,omitempty"`
	// DataType selects the response-cache freshness window for this dataset.
	DataType  string            `gorm:"type:text;not null" json:"data_type"`
	Active    bool              `gorm:"not null" json:"active"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Dataset) TableName() string { return "datasets" }
