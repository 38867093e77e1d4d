// Package domain holds the audit trail of administrative changes.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	TargetSubscription = "subscription"
	TargetCache        = "cache"
)

// AuditLog is one change made by an actor. Rows are append-only.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	Actor      string            `gorm:"type:text;not null;index" json:"actor"`
	Action     string            `gorm:"type:text;not null;index" json:"action"`
	TargetType string            `gorm:"type:text;not null;index:idx_audit_logs_target" json:"target_type"`
	TargetID   string            `gorm:"type:text;not null;index:idx_audit_logs_target" json:"target_id"`
	RequestID  *string           `gorm:"type:text" json:"request_id,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }
