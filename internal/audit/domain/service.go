package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/apierror"
	"github.com/smallbiznis/licensegate/pkg/db/pagination"
	"gorm.io/gorm"
)

type Entry struct {
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	Actor      string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	PageInfo  pagination.PageInfo `json:"page_info"`
	AuditLogs []AuditLog          `json:"audit_logs"`
}

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	Actor      string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *Cursor
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

// Service records who changed what. Record never blocks the change it
// describes; failures are logged and returned for the caller to ignore.
type Service interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidAction    = apierror.New(apierror.KindValidation, "INVALID_AUDIT_ACTION", "audit action is required")
	ErrInvalidPageToken = apierror.New(apierror.KindValidation, "INVALID_PAGE_TOKEN", "page token is malformed")
	ErrInvalidTimeRange = apierror.New(apierror.KindValidation, "INVALID_TIME_RANGE", "start must not be after end")
)
