package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/licensegate/internal/authorization"
)

func (s *Server) authorizeCache(c *gin.Context) bool {
	err := s.authzSvc.Authorize(c.Request.Context(), actorFromContext(c), authorization.GlobalScope, authorization.ObjectCache, authorization.ActionCacheInvalidate)
	if err != nil {
		AbortWithError(c, err)
		return false
	}
	return true
}

func (s *Server) CacheStats(c *gin.Context) {
	stats, err := s.responseCache.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cache": stats})
}

func (s *Server) InvalidateCacheDataType(c *gin.Context) {
	if !s.authorizeCache(c) {
		return
	}
	dataType := strings.TrimSpace(c.Param("type"))
	removed, err := s.responseCache.InvalidateDataType(c.Request.Context(), dataType)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.auditCache(c, "cache.invalidate_data_type", map[string]any{"data_type": dataType, "removed": removed})
	c.JSON(http.StatusOK, gin.H{"data_type": dataType, "removed": removed})
}

// InvalidateCachePattern removes keys matching the pattern query parameter.
func (s *Server) InvalidateCachePattern(c *gin.Context) {
	pattern := strings.TrimSpace(c.Query("pattern"))
	if pattern == "" {
		AbortWithError(c, newValidationError("pattern", "required", "pattern is required"))
		return
	}
	if !s.authorizeCache(c) {
		return
	}
	removed, err := s.responseCache.InvalidatePattern(c.Request.Context(), pattern)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.auditCache(c, "cache.invalidate_pattern", map[string]any{"pattern": pattern, "removed": removed})
	c.JSON(http.StatusOK, gin.H{"pattern": pattern, "removed": removed})
}

func (s *Server) FlushCache(c *gin.Context) {
	if !s.authorizeCache(c) {
		return
	}
	if err := s.responseCache.Flush(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	s.auditCache(c, "cache.flush", map[string]any{})
	c.Status(http.StatusNoContent)
}
