package server

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	accessdomain "github.com/smallbiznis/licensegate/internal/access/domain"
	obscontext "github.com/smallbiznis/licensegate/internal/observability/context"
	"github.com/smallbiznis/licensegate/internal/observability/logger"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"go.uber.org/zap"
)

const (
	headerRemainingDaily   = "X-RateLimit-Remaining-Daily"
	headerRemainingMonthly = "X-RateLimit-Remaining-Monthly"
	headerRemainingMinute  = "X-RateLimit-Remaining-Minute"
	headerRequestCost      = "X-Request-Cost"
	headerCostBasis        = "X-Cost-Basis"

	defaultRequestedRecords int64 = 100
	maxRequestedRecords     int64 = 10000
)

// DatasetAccess resolves the dataset in the :slug path parameter and
// validates the caller's access to the requested number of records. The
// grant is kept on the context for RecordUsage and the handler.
func (s *Server) DatasetAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := callerFromContext(c)
		if caller == nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		dataset, err := s.datasetSvc.GetBySlug(ctx, c.Param("slug"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		records, err := s.requestedRecords(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		since, err := parseOptionalTime(c.Query("start_date"), false)
		if err != nil {
			AbortWithError(c, newValidationError("start_date", "invalid_start_date", "start_date must be a date or RFC3339 time"))
			return
		}

		ctx = obscontext.WithDatasetSlug(ctx, dataset.Slug)
		c.Request = c.Request.WithContext(ctx)
		decision, err := s.accessSvc.ValidateAccess(ctx, accessdomain.AccessRequest{
			CallerID:         caller.ID,
			DatasetID:        dataset.ID,
			RequestedRecords: records,
			Since:            since,
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !decision.Allowed() {
			if reset := decision.Denial.RetryAfter; reset != nil {
				wait := reset.Sub(s.clock.Now())
				c.Header("Retry-After", strconv.Itoa(max(int(math.Ceil(wait.Seconds())), 1)))
			}
			s.deny(c, decision.Err())
			return
		}

		c.Set(contextDatasetKey, dataset)
		c.Set(contextGrantKey, decision.Grant)
		setQuotaHeaders(c, decision.Grant)
		c.Next()
	}
}

// requestedRecords reads the limit query parameter. Absent means the
// configured default; values above the hard cap are clamped.
func (s *Server) requestedRecords(c *gin.Context) (int64, error) {
	fallback := s.cfg.Access.DefaultRecordCount
	if fallback <= 0 {
		fallback = defaultRequestedRecords
	}
	ceiling := s.cfg.Access.MaxRecordsPerQuery
	if ceiling <= 0 {
		ceiling = maxRequestedRecords
	}

	limit, err := parseOptionalInt64(c.Query("limit"))
	if err != nil || (limit != nil && *limit < 0) {
		return 0, newValidationError("limit", "invalid_limit", "limit must be a non-negative integer")
	}
	if limit == nil {
		return min(fallback, ceiling), nil
	}
	return min(*limit, ceiling), nil
}

// setQuotaHeaders reports what remains once this request is counted.
func setQuotaHeaders(c *gin.Context, grant *accessdomain.Grant) {
	c.Header(headerRemainingDaily, strconv.FormatInt(max(grant.Remaining.Daily-1, 0), 10))
	c.Header(headerRemainingMonthly, strconv.FormatInt(max(grant.Remaining.Monthly-1, 0), 10))
	c.Header(headerRemainingMinute, strconv.FormatInt(max(grant.Remaining.Minute-1, 0), 10))
	c.Header(headerRequestCost, grant.Cost.String())
	c.Header(headerCostBasis, string(grant.CostBasis))
}

// RecordUsage records a usage event after the handler has answered a
// granted request. Recording outlives client disconnects.
func (s *Server) RecordUsage() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		grant := grantFromContext(c)
		caller := callerFromContext(c)
		dataset := datasetFromContext(c)
		if grant == nil || caller == nil || dataset == nil {
			return
		}

		records, _ := c.Get(contextRecordsKey)
		returned, _ := records.(int64)
		req := usagedomain.RecordUsageRequest{
			CallerID:          caller.ID,
			DatasetID:         dataset.ID,
			SubscriptionID:    grant.SubscriptionID,
			LicenseID:         grant.LicenseID,
			Rates:             &grant.Rates,
			Endpoint:          c.Request.URL.Path,
			Method:            c.Request.Method,
			RecordsReturned:   returned,
			ResponseSizeBytes: int64(max(c.Writer.Size(), 0)),
			ResponseTimeMs:    time.Since(started).Milliseconds(),
			StatusCode:        c.Writer.Status(),
			IPAddress:         c.ClientIP(),
			UserAgent:         c.Request.UserAgent(),
			QueryParams:       queryParams(c),
		}

		ctx := context.WithoutCancel(c.Request.Context())
		if _, err := s.usageSvc.RecordUsage(ctx, req); err != nil {
			logger.FromContext(ctx).Warn("usage recording failed",
				zap.String("subscription_id", grant.SubscriptionID.String()),
				zap.String("endpoint", req.Endpoint),
				zap.Int64("records_returned", req.RecordsReturned),
				zap.Int("status_code", req.StatusCode),
				zap.Error(err),
			)
		}
	}
}

func queryParams(c *gin.Context) map[string]any {
	values := c.Request.URL.Query()
	if len(values) == 0 {
		return nil
	}
	params := make(map[string]any, len(values))
	for key, v := range values {
		if len(v) == 1 {
			params[key] = v[0]
			continue
		}
		params[key] = v
	}
	return params
}
