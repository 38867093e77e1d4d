package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accessdomain "github.com/smallbiznis/licensegate/internal/access/domain"
	auditdomain "github.com/smallbiznis/licensegate/internal/audit/domain"
	"github.com/smallbiznis/licensegate/internal/authorization"
	"github.com/smallbiznis/licensegate/internal/cache"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	"github.com/smallbiznis/licensegate/internal/observability"
	obsmiddleware "github.com/smallbiznis/licensegate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/licensegate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/licensegate/internal/observability/tracing"
	"github.com/smallbiznis/licensegate/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usage/statement"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	ObsCfg      observability.Config
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
	Registry    *prometheus.Registry    `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if !p.ObsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           p.ObsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(p.HTTPMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if p.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return r
}

func registerGin(p EngineParams) *gin.Engine {
	return NewEngine(p)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	clock           clock.Clock
	authzSvc        authorization.Service
	accessSvc       accessdomain.Service
	callerSvc       callerdomain.Service
	datasetSvc      datasetdomain.Service
	subscriptionSvc subscriptiondomain.Service
	usageSvc        usagedomain.Service
	limiter         *ratelimit.Limiter
	responseCache   *cache.ResponseCache
	statements      *statement.Generator
	records         RecordSource
	auditSvc        auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Clock           clock.Clock
	AuthzSvc        authorization.Service
	AccessSvc       accessdomain.Service
	CallerSvc       callerdomain.Service
	DatasetSvc      datasetdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	UsageSvc        usagedomain.Service
	Limiter         *ratelimit.Limiter
	ResponseCache   *cache.ResponseCache
	Statements      *statement.Generator `optional:"true"`
	Records         RecordSource         `optional:"true"`
	AuditSvc        auditdomain.Service  `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		clock:           p.Clock,
		authzSvc:        p.AuthzSvc,
		accessSvc:       p.AccessSvc,
		callerSvc:       p.CallerSvc,
		datasetSvc:      p.DatasetSvc,
		subscriptionSvc: p.SubscriptionSvc,
		usageSvc:        p.UsageSvc,
		limiter:         p.Limiter,
		responseCache:   p.ResponseCache,
		statements:      p.Statements,
		records:         p.Records,
		auditSvc:        p.AuditSvc,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.RateLimit())

	api.GET("/datasets", s.Cached("datasets.list", config.DataTypeStaticData, s.listDatasets))
	api.GET("/rate-limit", s.RateLimitStatus)

	authed := api.Group("", s.CallerIdentity())
	authed.GET("/subscriptions", s.ListMySubscriptions)
	authed.POST("/subscriptions", s.Subscribe)
	authed.POST("/subscriptions/:id/cancel", s.CancelMySubscription)
	authed.GET("/usage/summary", s.UsageSummary)
	authed.GET("/usage/statement", s.UsageStatement)

	dataset := authed.Group("/datasets/:slug")
	dataset.GET("/subscription", s.SubscriptionStatus)
	dataset.GET("/quota", s.QuotaStatus)
	if s.records != nil {
		dataset.GET("/records", s.DatasetAccess(), s.RecordUsage(), s.ListRecords)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminIdentity())

	admin.POST("/subscriptions", s.AdminCreateSubscription)
	admin.GET("/subscriptions/:id", s.AdminGetSubscription)
	admin.POST("/subscriptions/:id/renew", s.AdminRenewSubscription)
	admin.POST("/subscriptions/:id/cancel", s.AdminCancelSubscription)
	admin.POST("/subscriptions/:id/suspend", s.AdminSuspendSubscription)
	admin.POST("/subscriptions/:id/reinstate", s.AdminReinstateSubscription)

	admin.GET("/callers/:id/usage", s.AdminCallerUsage)
	admin.GET("/callers/:id/statement", s.AdminCallerStatement)
	admin.GET("/datasets/:id/analytics", s.Cached("datasets.analytics", config.DataTypeAnalytics, s.datasetAnalytics))

	admin.GET("/cache/stats", s.CacheStats)
	admin.DELETE("/cache/data-types/:type", s.InvalidateCacheDataType)
	admin.DELETE("/cache/keys", s.InvalidateCachePattern)
	admin.POST("/cache/flush", s.FlushCache)

	if s.auditSvc != nil {
		admin.GET("/audit-logs", s.ListAuditLogs)
	}
}
