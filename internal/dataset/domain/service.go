package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/apierror"
)

type CreateDatasetRequest struct {
	Name        string         `json:"name"`
	Slug        string         `json:"slug,omitempty"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	DataType    string         `json:"data_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateDatasetRequest) (*Dataset, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Dataset, error)
	// GetBySlug resolves an active dataset. Inactive datasets are not found.
	GetBySlug(ctx context.Context, slug string) (*Dataset, error)
	List(ctx context.Context) ([]*Dataset, error)
}

var (
	ErrMissingSlug     = apierror.New(apierror.KindValidation, "MISSING_DATASET_SLUG", "dataset slug is required")
	ErrInvalidSlug     = apierror.New(apierror.KindValidation, "INVALID_DATASET_SLUG", "dataset slug is malformed")
	ErrInvalidName     = apierror.New(apierror.KindValidation, "INVALID_DATASET_NAME", "dataset name is required")
	ErrInvalidDataType = apierror.New(apierror.KindValidation, "INVALID_DATA_TYPE", "unknown cache data type")
	ErrDatasetNotFound = apierror.New(apierror.KindNotFound, "DATASET_NOT_FOUND", "dataset not found")
	ErrSlugTaken       = apierror.New(apierror.KindConflict, "DATASET_SLUG_TAKEN", "dataset slug already exists")
)
