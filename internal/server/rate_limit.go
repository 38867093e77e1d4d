package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	accessdomain "github.com/smallbiznis/licensegate/internal/access/domain"
	"github.com/smallbiznis/licensegate/internal/apierror"
	"github.com/smallbiznis/licensegate/internal/observability/logger"
	"github.com/smallbiznis/licensegate/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	headerRateLimit          = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRateLimitDegraded  = "X-RateLimit-Degraded"
	headerRateLimitedReason  = "X-Rate-Limited-Reason"

	rateLimitReasonWindow = "window-exhausted"
)

var errRateLimited = apierror.New(apierror.KindAccessDenied, accessdomain.CodeRateLimitExceeded, "Too many requests, slow down")

// RateLimit shapes traffic per client before any caller lookup. Clients
// presenting a credential get the authenticated tier.
func (s *Server) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Access.RateLimitEnabled {
			c.Next()
			return
		}

		identity := clientIdentity(c)
		endpoint := normalizeRateLimitEndpoint(c)
		allowed, info := s.limiter.IsAllowed(c.Request.Context(), identity, endpoint)
		setRateLimitHeaders(c, info)
		if allowed {
			c.Next()
			return
		}

		logger.FromContext(c.Request.Context()).Warn("rate limit exceeded",
			zap.String("tier", identity.Tier()),
			zap.String("endpoint", endpoint),
		)
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(info)))
		c.Header(headerRateLimitedReason, rateLimitReasonWindow)
		s.deny(c, errRateLimited.WithRetryAfter(info.Reset))
	}
}

// RateLimitStatus reports the client's window without consuming from it.
func (s *Server) RateLimitStatus(c *gin.Context) {
	info := s.limiter.Status(c.Request.Context(), clientIdentity(c), normalizeRateLimitEndpoint(c))
	c.JSON(http.StatusOK, gin.H{"rate_limit": info})
}

func clientIdentity(c *gin.Context) ratelimit.Identity {
	return ratelimit.IdentityFor(presentedCredential(c), c.ClientIP())
}

func presentedCredential(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader(HeaderAPIKey)); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func setRateLimitHeaders(c *gin.Context, info ratelimit.Info) {
	c.Header(headerRateLimit, strconv.FormatInt(info.Limit, 10))
	c.Header(headerRateLimitRemaining, strconv.FormatInt(info.Remaining, 10))
	c.Header(headerRateLimitReset, strconv.FormatInt(info.Reset.Unix(), 10))
	if info.Degraded {
		c.Header(headerRateLimitDegraded, "true")
	}
}

func retryAfterSeconds(info ratelimit.Info) int {
	return max(int(math.Ceil(info.ResetAfter.Seconds())), 1)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
