package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
)

// RecordSource serves the rows of a dataset. It is supplied by the host
// application; without one the records route is not mounted.
type RecordSource interface {
	Records(ctx context.Context, dataset *datasetdomain.Dataset, query RecordQuery) (RecordPage, error)
}

type RecordQuery struct {
	Limit  int64
	Offset int64
	Since  *time.Time
	Params url.Values
}

type RecordPage struct {
	Records []json.RawMessage `json:"records"`
	Total   int64             `json:"total"`
}

type datasetView struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	DataType    string `json:"data_type"`
}

func (s *Server) listDatasets(c *gin.Context) (any, error) {
	datasets, err := s.datasetSvc.List(c.Request.Context())
	if err != nil {
		return nil, err
	}
	views := make([]datasetView, 0, len(datasets))
	for _, d := range datasets {
		views = append(views, datasetView{
			ID:          d.ID.String(),
			Slug:        d.Slug,
			Name:        d.Name,
			Description: d.Description,
			Category:    d.Category,
			DataType:    d.DataType,
		})
	}
	return gin.H{"datasets": views}, nil
}

// ListRecords is the metered data endpoint. It runs behind DatasetAccess
// and RecordUsage.
func (s *Server) ListRecords(c *gin.Context) {
	dataset := datasetFromContext(c)
	if dataset == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	limit, err := s.requestedRecords(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	offset, err := parseOptionalInt64(c.Query("offset"))
	if err != nil || (offset != nil && *offset < 0) {
		AbortWithError(c, newValidationError("offset", "invalid_offset", "offset must be a non-negative integer"))
		return
	}
	since, err := parseOptionalTime(c.Query("start_date"), false)
	if err != nil {
		AbortWithError(c, newValidationError("start_date", "invalid_start_date", "start_date must be a date or RFC3339 time"))
		return
	}

	query := RecordQuery{Limit: limit, Since: since, Params: c.Request.URL.Query()}
	if offset != nil {
		query.Offset = *offset
	}
	page, err := s.records.Records(c.Request.Context(), dataset, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if int64(len(page.Records)) > limit {
		page.Records = page.Records[:limit]
	}
	SetRecordsReturned(c, int64(len(page.Records)))

	c.JSON(http.StatusOK, gin.H{
		"dataset": dataset.Slug,
		"records": page.Records,
		"total":   page.Total,
		"limit":   limit,
		"offset":  query.Offset,
	})
}

// SubscriptionStatus reports the caller's subscription to a dataset with its
// current-period usage.
func (s *Server) SubscriptionStatus(c *gin.Context) {
	caller := callerFromContext(c)
	ctx := c.Request.Context()
	dataset, err := s.datasetSvc.GetBySlug(ctx, c.Param("slug"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status, err := s.subscriptionSvc.GetStatus(ctx, caller.ID, dataset.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": status})
}

// QuotaStatus reports the caller's quota windows on a dataset without
// consuming them.
func (s *Server) QuotaStatus(c *gin.Context) {
	caller := callerFromContext(c)
	ctx := c.Request.Context()
	dataset, err := s.datasetSvc.GetBySlug(ctx, c.Param("slug"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	quota, err := s.accessSvc.QuotaStatus(ctx, caller.ID, dataset.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": quota})
}
