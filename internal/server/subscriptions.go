package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
)

type subscribeRequest struct {
	DatasetID        string         `json:"dataset_id"`
	LicenseID        string         `json:"license_id"`
	SubscriptionType string         `json:"subscription_type"`
	AutoRenew        *bool          `json:"auto_renew,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type adminSubscribeRequest struct {
	subscribeRequest
	CallerID string `json:"caller_id"`
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

func (r subscribeRequest) toDomain(callerID snowflake.ID) (subscriptiondomain.CreateSubscriptionRequest, error) {
	datasetID, err := parseSnowflakeID(r.DatasetID)
	if err != nil {
		return subscriptiondomain.CreateSubscriptionRequest{}, newValidationError("dataset_id", "invalid_dataset_id", "dataset_id is required")
	}
	licenseID, err := parseSnowflakeID(r.LicenseID)
	if err != nil {
		return subscriptiondomain.CreateSubscriptionRequest{}, newValidationError("license_id", "invalid_license_id", "license_id is required")
	}
	return subscriptiondomain.CreateSubscriptionRequest{
		CallerID:         callerID,
		DatasetID:        datasetID,
		LicenseID:        licenseID,
		SubscriptionType: subscriptiondomain.SubscriptionType(strings.TrimSpace(r.SubscriptionType)),
		AutoRenew:        r.AutoRenew,
		Metadata:         r.Metadata,
	}, nil
}

func (s *Server) ListMySubscriptions(c *gin.Context) {
	caller := callerFromContext(c)
	subs, err := s.subscriptionSvc.ListByCaller(c.Request.Context(), caller.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// Subscribe creates a subscription for the calling caller.
func (s *Server) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	caller := callerFromContext(c)
	create, err := req.toDomain(caller.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sub, err := s.subscriptionSvc.Create(c.Request.Context(), actorFromContext(c), create)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

func (s *Server) CancelMySubscription(c *gin.Context) {
	s.transition(c, func(actor string, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
		return s.subscriptionSvc.Cancel(c.Request.Context(), actor, id)
	})
}

func (s *Server) AdminCreateSubscription(c *gin.Context) {
	var req adminSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	callerID, err := parseSnowflakeID(req.CallerID)
	if err != nil {
		AbortWithError(c, newValidationError("caller_id", "invalid_caller_id", "caller_id is required"))
		return
	}
	create, err := req.toDomain(callerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sub, err := s.subscriptionSvc.Create(c.Request.Context(), actorFromContext(c), create)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

func (s *Server) AdminGetSubscription(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sub, err := s.subscriptionSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status, err := s.subscriptionSvc.GetStatus(c.Request.Context(), sub.CallerID, sub.DatasetID)
	if err != nil {
		// Only the active subscription has a status view.
		c.JSON(http.StatusOK, gin.H{"subscription": sub})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub, "status": status})
}

func (s *Server) AdminRenewSubscription(c *gin.Context) {
	s.transition(c, func(actor string, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
		return s.subscriptionSvc.Renew(c.Request.Context(), actor, id)
	})
}

func (s *Server) AdminCancelSubscription(c *gin.Context) {
	s.transition(c, func(actor string, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
		return s.subscriptionSvc.Cancel(c.Request.Context(), actor, id)
	})
}

func (s *Server) AdminSuspendSubscription(c *gin.Context) {
	var req suspendRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	s.transition(c, func(actor string, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
		return s.subscriptionSvc.Suspend(c.Request.Context(), actor, id, strings.TrimSpace(req.Reason))
	})
}

func (s *Server) AdminReinstateSubscription(c *gin.Context) {
	s.transition(c, func(actor string, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
		return s.subscriptionSvc.Reinstate(c.Request.Context(), actor, id)
	})
}

func (s *Server) transition(c *gin.Context, apply func(actor string, id snowflake.ID) (*subscriptiondomain.Subscription, error)) {
	id, err := idParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sub, err := apply(actorFromContext(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}
