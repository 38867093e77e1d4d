package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/licensegate/internal/audit/domain"
	"github.com/smallbiznis/licensegate/pkg/db/pagination"
)

func (s *Server) ListAuditLogs(c *gin.Context) {
	pageSize, err := parseOptionalInt64(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "page_size must be an integer"))
		return
	}
	start, end, err := periodParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: strings.TrimSpace(c.Query("page_token"))},
		Action:     c.Query("action"),
		TargetType: c.Query("target_type"),
		TargetID:   c.Query("target_id"),
		Actor:      c.Query("actor"),
	}
	if pageSize != nil {
		req.PageSize = int(*pageSize)
	}
	if !start.IsZero() {
		req.StartAt = &start
	}
	if !end.IsZero() {
		req.EndAt = &end
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// auditCache records an operator change to the response cache.
func (s *Server) auditCache(c *gin.Context, action string, meta map[string]any) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.Record(c.Request.Context(), auditdomain.Entry{
		Actor:      actorFromContext(c),
		Action:     action,
		TargetType: auditdomain.TargetCache,
		TargetID:   "response_cache",
		Metadata:   meta,
	})
}
