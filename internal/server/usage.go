package server

import (
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func (s *Server) UsageSummary(c *gin.Context) {
	s.callerUsage(c, callerFromContext(c).ID)
}

func (s *Server) UsageStatement(c *gin.Context) {
	s.callerStatement(c, callerFromContext(c).ID)
}

func (s *Server) AdminCallerUsage(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.callerUsage(c, id)
}

func (s *Server) AdminCallerStatement(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.callerStatement(c, id)
}

func (s *Server) callerUsage(c *gin.Context, callerID snowflake.ID) {
	from, to, err := periodParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	summary, err := s.usageSvc.CallerSummary(c.Request.Context(), callerID, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) callerStatement(c *gin.Context, callerID snowflake.ID) {
	if s.statements == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	from, to, err := periodParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	doc, err := s.statements.Generate(c.Request.Context(), actorFromContext(c), callerID, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="usage-statement-%s.pdf"`, callerID))
	c.Data(http.StatusOK, "application/pdf", doc)
}

func (s *Server) datasetAnalytics(c *gin.Context) (any, error) {
	id, err := idParam(c, "id")
	if err != nil {
		return nil, err
	}
	from, to, err := periodParam(c)
	if err != nil {
		return nil, err
	}
	return s.usageSvc.DatasetAnalytics(c.Request.Context(), id, from, to)
}
