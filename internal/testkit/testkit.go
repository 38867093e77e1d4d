// Package testkit wires the subscription stack on an in-memory database and
// moves subscription periods around for tests.
package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/licensegate/internal/audit/domain"
	auditrepository "github.com/smallbiznis/licensegate/internal/audit/repository"
	auditservice "github.com/smallbiznis/licensegate/internal/audit/service"
	"github.com/smallbiznis/licensegate/internal/authorization"
	"github.com/smallbiznis/licensegate/internal/cache"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	callerrepository "github.com/smallbiznis/licensegate/internal/caller/repository"
	callerservice "github.com/smallbiznis/licensegate/internal/caller/service"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	datasetservice "github.com/smallbiznis/licensegate/internal/dataset/service"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	licenseservice "github.com/smallbiznis/licensegate/internal/license/service"
	"github.com/smallbiznis/licensegate/internal/migration"
	"github.com/smallbiznis/licensegate/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/licensegate/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/licensegate/internal/subscription/service"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Admin is the actor used for setup calls.
var Admin = authorization.AdminActor(snowflake.ID(1))

type Env struct {
	DB     *gorm.DB
	Clock  *clock.FakeClock
	Node   *snowflake.Node
	Log    *zap.Logger
	Config config.Config

	Authz    authorization.Service
	Resolver cache.ResolverCache
	Audit    auditdomain.Service

	CallerRepo       callerdomain.Repository
	CallerSvc        callerdomain.Service
	DatasetSvc       datasetdomain.Service
	LicenseSvc       licensedomain.Service
	SubscriptionRepo subscriptiondomain.Repository
	SubscriptionSvc  subscriptiondomain.Service
}

// New opens a database private to t and builds the services that sit
// below usage recording.
func New(t testing.TB, now time.Time) *Env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.Apply(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(now)
	log := zap.NewNop()
	cfg := config.Config{
		Renewal: config.RenewalConfig{HorizonDays: 7, Concurrency: 2},
		Usage: config.UsageConfig{
			RetryMaxAttempts:     2,
			RetryInitialInterval: time.Millisecond,
			RetryMaxInterval:     time.Millisecond,
			ReconcileBatchSize:   10,
			ReconcileMaxAttempts: 3,
			RetentionDays:        30,
			RetentionBatchSize:   2,
		},
	}
	resolver := cache.NewResolverCache(cfg, fc)

	enforcer, err := authorization.NewEnforcer(nil)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})

	callerRepo := callerrepository.Provide()
	callerSvc := callerservice.NewService(callerservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fc, Repo: callerRepo})
	datasetSvc := datasetservice.NewService(datasetservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc,
		Policy:   config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Resolver: resolver,
	})
	licenseSvc := licenseservice.NewService(licenseservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc,
		Authz: authz, DatasetSvc: datasetSvc, Resolver: resolver,
	})
	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: fc, Repo: auditrepository.Provide()})
	subscriptionRepo := subscriptionrepository.Provide()
	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fc,
		Config:     cfg,
		Repo:       subscriptionRepo,
		CallerRepo: callerRepo,
		Authz:      authz,
		LicenseSvc: licenseSvc,
		DatasetSvc: datasetSvc,
		AuditSvc:   auditSvc,
	})

	return &Env{
		DB:               db,
		Clock:            fc,
		Node:             node,
		Log:              log,
		Config:           cfg,
		Authz:            authz,
		Resolver:         resolver,
		Audit:            auditSvc,
		CallerRepo:       callerRepo,
		CallerSvc:        callerSvc,
		DatasetSvc:       datasetSvc,
		LicenseSvc:       licenseSvc,
		SubscriptionRepo: subscriptionRepo,
		SubscriptionSvc:  subscriptionSvc,
	}
}

// Caller creates an active caller with a generous spend limit.
func (e *Env) Caller(t testing.TB, email string, tier callerdomain.Tier, timezone string) *callerdomain.Caller {
	t.Helper()
	caller, err := e.CallerSvc.Create(context.Background(), callerdomain.CreateCallerRequest{
		Email:             email,
		Tier:              tier,
		MonthlySpendLimit: pricing.MustParse("10000"),
		Timezone:          timezone,
	})
	require.NoError(t, err)
	return caller
}

// LicenseOption adjusts a license before it is created.
type LicenseOption func(*licensedomain.CreateLicenseRequest)

// License creates a dataset and a basic license on it: 10/min, 100/day,
// 1000/month, 100 records per request, 0.01 per call plus 0.001 per record.
func (e *Env) License(t testing.TB, name string, opts ...LicenseOption) *licensedomain.License {
	t.Helper()
	ctx := context.Background()
	dataset, err := e.DatasetSvc.Create(ctx, datasetdomain.CreateDatasetRequest{Name: name, DataType: config.DataTypeMarketData})
	require.NoError(t, err)

	req := licensedomain.CreateLicenseRequest{
		DatasetID:            dataset.ID,
		Name:                 name + " basic",
		Tier:                 licensedomain.TierBasic,
		RateLimitPerMinute:   10,
		RateLimitPerDay:      100,
		RateLimitPerMonth:    1000,
		MaxRecordsPerRequest: 100,
		PricePerAPICall:      pricing.MustParse("0.01"),
		PricePerRecord:       pricing.MustParse("0.001"),
		MonthlyPrice:         pricing.MustParse("10"),
		AnnualPrice:          pricing.MustParse("100"),
	}
	for _, opt := range opts {
		opt(&req)
	}
	license, err := e.LicenseSvc.Create(ctx, Admin, req)
	require.NoError(t, err)
	return license
}

func (e *Env) Subscribe(t testing.TB, caller *callerdomain.Caller, license *licensedomain.License, subType subscriptiondomain.SubscriptionType, autoRenew bool) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := e.SubscriptionSvc.Create(context.Background(), Admin, subscriptiondomain.CreateSubscriptionRequest{
		CallerID:         caller.ID,
		DatasetID:        license.DatasetID,
		LicenseID:        license.ID,
		SubscriptionType: subType,
		AutoRenew:        &autoRenew,
	})
	require.NoError(t, err)
	return sub
}

// SetEndDate moves a subscription's end date without touching its counters.
func (e *Env) SetEndDate(ctx context.Context, subscriptionID snowflake.ID, end time.Time) error {
	return e.DB.WithContext(ctx).Exec(
		`UPDATE subscriptions SET end_date = ?, updated_at = ? WHERE id = ?`,
		end.UTC(),
		e.Clock.Now(),
		subscriptionID,
	).Error
}

// FastForwardSubscription ends a subscription one minute ago.
func (e *Env) FastForwardSubscription(ctx context.Context, subscriptionID snowflake.ID) error {
	return e.SetEndDate(ctx, subscriptionID, e.Clock.Now().Add(-time.Minute))
}

// InsertEvents writes n bare usage events at the given time, bypassing the
// recorder and its counters.
func (e *Env) InsertEvents(t testing.TB, sub *subscriptiondomain.Subscription, at time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		event := &usagedomain.UsageEvent{
			ID:             e.Node.Generate(),
			CallerID:       sub.CallerID,
			DatasetID:      sub.DatasetID,
			SubscriptionID: sub.ID,
			Endpoint:       "/api/v1/data",
			Method:         "GET",
			StatusCode:     200,
			CostBasis:      pricing.BasisPerAPICall,
			Timestamp:      at.UTC(),
			CreatedAt:      at.UTC(),
		}
		require.NoError(t, e.DB.Create(event).Error)
	}
}
