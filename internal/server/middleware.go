package server

import (
	"errors"

	"github.com/gin-gonic/gin"
	accessdomain "github.com/smallbiznis/licensegate/internal/access/domain"
	"github.com/smallbiznis/licensegate/internal/apierror"
	"github.com/smallbiznis/licensegate/internal/authorization"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	obscontext "github.com/smallbiznis/licensegate/internal/observability/context"
	"github.com/smallbiznis/licensegate/internal/observability/logger"
	"go.uber.org/zap"
)

// Identity headers are set by the upstream gateway once it has
// authenticated the request.
const (
	HeaderCallerID = "X-Caller-ID"
	HeaderAdminID  = "X-Admin-ID"
	HeaderAPIKey   = "X-API-Key"

	contextCallerKey  = "caller"
	contextActorKey   = "actor"
	contextDatasetKey = "dataset"
	contextGrantKey   = "access_grant"
	contextRecordsKey = "records_returned"
	contextErrorCode  = "error_code"
)

// CallerIdentity resolves the caller named by the gateway. Unknown or
// inactive callers are rejected.
func (s *Server) CallerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID, err := parseSnowflakeID(c.GetHeader(HeaderCallerID))
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		caller, err := s.callerSvc.GetByID(ctx, callerID)
		if errors.Is(err, callerdomain.ErrCallerNotFound) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !caller.Active {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextCallerKey, caller)
		c.Set(contextActorKey, authorization.CallerActor(caller.ID))
		c.Request = c.Request.WithContext(obscontext.WithCallerID(ctx, caller.ID.String()))
		c.Next()
	}
}

// AdminIdentity marks the request as an administrative actor.
func (s *Server) AdminIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, err := parseSnowflakeID(c.GetHeader(HeaderAdminID))
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextActorKey, authorization.AdminActor(adminID))
		c.Next()
	}
}

// RequireFeature rejects granted requests whose license lacks feature. It
// runs after DatasetAccess.
func (s *Server) RequireFeature(feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := accessdomain.RequireFeature(grantFromContext(c), feature); err != nil {
			s.deny(c, err)
			return
		}
		c.Next()
	}
}

// RequireTier rejects granted requests below the given license tier. It
// runs after DatasetAccess.
func (s *Server) RequireTier(min licensedomain.Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := accessdomain.RequireTier(grantFromContext(c), min); err != nil {
			s.deny(c, err)
			return
		}
		c.Next()
	}
}

// deny aborts with an access denial and tags the request log with its code.
func (s *Server) deny(c *gin.Context, err error) {
	if apiErr, ok := apierror.As(err); ok {
		c.Set(contextErrorCode, apiErr.Code)
		logger.FromContext(c.Request.Context()).Info("access denied",
			zap.String("error_code", apiErr.Code),
			zap.String("reason", apiErr.Message),
		)
	}
	AbortWithError(c, err)
}

func callerFromContext(c *gin.Context) *callerdomain.Caller {
	if v, ok := c.Get(contextCallerKey); ok {
		if caller, ok := v.(*callerdomain.Caller); ok {
			return caller
		}
	}
	return nil
}

func actorFromContext(c *gin.Context) string {
	return c.GetString(contextActorKey)
}

func datasetFromContext(c *gin.Context) *datasetdomain.Dataset {
	if v, ok := c.Get(contextDatasetKey); ok {
		if dataset, ok := v.(*datasetdomain.Dataset); ok {
			return dataset
		}
	}
	return nil
}

func grantFromContext(c *gin.Context) *accessdomain.Grant {
	if v, ok := c.Get(contextGrantKey); ok {
		if grant, ok := v.(*accessdomain.Grant); ok {
			return grant
		}
	}
	return nil
}

// SetRecordsReturned tells the usage recorder how many records the handler
// served.
func SetRecordsReturned(c *gin.Context, n int64) {
	c.Set(contextRecordsKey, n)
}

// GrantFromContext exposes the access grant to handlers mounted behind
// DatasetAccess.
func GrantFromContext(c *gin.Context) *accessdomain.Grant {
	return grantFromContext(c)
}
