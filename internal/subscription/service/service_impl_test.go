package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
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
	"github.com/smallbiznis/licensegate/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	"github.com/smallbiznis/licensegate/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var admin = authorization.AdminActor(snowflake.ID(1))

type fixture struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	svc        subscriptiondomain.Service
	repo       subscriptiondomain.Repository
	callerSvc  callerdomain.Service
	datasetSvc datasetdomain.Service
	licenseSvc licensedomain.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&callerdomain.Caller{},
		&datasetdomain.Dataset{},
		&licensedomain.License{},
		&subscriptiondomain.Subscription{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	resolver := cache.NewResolverCache(config.Config{}, fc)

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

	repo := repository.Provide()
	svc := NewService(ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fc,
		Config:     config.Config{Renewal: config.RenewalConfig{HorizonDays: 7}},
		Repo:       repo,
		CallerRepo: callerRepo,
		Authz:      authz,
		LicenseSvc: licenseSvc,
		DatasetSvc: datasetSvc,
	})

	return &fixture{db: db, clock: fc, svc: svc, repo: repo, callerSvc: callerSvc, datasetSvc: datasetSvc, licenseSvc: licenseSvc}
}

func (f *fixture) caller(t *testing.T, email string, tier callerdomain.Tier, limit string) *callerdomain.Caller {
	t.Helper()
	caller, err := f.callerSvc.Create(context.Background(), callerdomain.CreateCallerRequest{
		Email:             email,
		Tier:              tier,
		MonthlySpendLimit: pricing.MustParse(limit),
	})
	require.NoError(t, err)
	return caller
}

func (f *fixture) license(t *testing.T, name string, monthly, annual string) *licensedomain.License {
	t.Helper()
	ctx := context.Background()
	dataset, err := f.datasetSvc.Create(ctx, datasetdomain.CreateDatasetRequest{Name: name})
	require.NoError(t, err)
	license, err := f.licenseSvc.Create(ctx, admin, licensedomain.CreateLicenseRequest{
		DatasetID:            dataset.ID,
		Name:                 name + " basic",
		Tier:                 licensedomain.TierBasic,
		RateLimitPerMinute:   10,
		RateLimitPerDay:      100,
		RateLimitPerMonth:    1000,
		MaxRecordsPerRequest: 100,
		PricePerAPICall:      pricing.MustParse("0.01"),
		MonthlyPrice:         pricing.MustParse(monthly),
		AnnualPrice:          pricing.MustParse(annual),
	})
	require.NoError(t, err)
	return license
}

func (f *fixture) subscribe(t *testing.T, caller *callerdomain.Caller, license *licensedomain.License, subType subscriptiondomain.SubscriptionType, autoRenew bool) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.svc.Create(context.Background(), admin, subscriptiondomain.CreateSubscriptionRequest{
		CallerID:         caller.ID,
		DatasetID:        license.DatasetID,
		LicenseID:        license.ID,
		SubscriptionType: subType,
		AutoRenew:        &autoRenew,
	})
	require.NoError(t, err)
	return sub
}

func TestCreateMonthlyChargesSpendAndBlocksDuplicates(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	caller := f.caller(t, "quant@example.com", callerdomain.TierStarter, "100")
	license := f.license(t, "Equity Prices", "49", "490")

	sub := f.subscribe(t, caller, license, subscriptiondomain.SubscriptionTypeMonthly, true)
	require.NotNil(t, sub.EndDate)
	assert.WithinDuration(t, f.clock.Now().Add(30*24*time.Hour), *sub.EndDate, 0)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, pricing.MustParse("49"), sub.MonthlyPrice)

	refreshed, err := f.callerSvc.GetByID(ctx, caller.ID)
	require.NoError(t, err)
	assert.Equal(t, pricing.MustParse("49"), refreshed.CurrentMonthlySpend)

	_, err = f.svc.Create(ctx, admin, subscriptiondomain.CreateSubscriptionRequest{
		CallerID: caller.ID, DatasetID: license.DatasetID, LicenseID: license.ID,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadySubscribed)
}

func TestCreateEnforcesMonthlySpendLimit(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	first := f.license(t, "Fundamentals", "60", "600")
	second := f.license(t, "Dividends", "50", "1200")

	caller := f.caller(t, "small@example.com", callerdomain.TierStarter, "100")
	f.subscribe(t, caller, first, subscriptiondomain.SubscriptionTypeMonthly, true)

	_, err := f.svc.Create(ctx, admin, subscriptiondomain.CreateSubscriptionRequest{
		CallerID: caller.ID, DatasetID: second.DatasetID, LicenseID: second.ID,
		SubscriptionType: subscriptiondomain.SubscriptionTypeMonthly,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSpendLimitExceeded)

	// Annual counts its monthly equivalent: 1200 / 12 = 100 would exceed as well.
	_, err = f.svc.Create(ctx, admin, subscriptiondomain.CreateSubscriptionRequest{
		CallerID: caller.ID, DatasetID: second.DatasetID, LicenseID: second.ID,
		SubscriptionType: subscriptiondomain.SubscriptionTypeAnnual,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSpendLimitExceeded)

	// Pay-per-use carries no recurring charge.
	sub, err := f.svc.Create(ctx, admin, subscriptiondomain.CreateSubscriptionRequest{
		CallerID: caller.ID, DatasetID: second.DatasetID, LicenseID: second.ID,
		SubscriptionType: subscriptiondomain.SubscriptionTypePayPerUse,
	})
	require.NoError(t, err)
	assert.Nil(t, sub.EndDate)

	enterprise := f.caller(t, "bank@example.com", callerdomain.TierEnterprise, "1")
	annual := f.subscribe(t, enterprise, second, subscriptiondomain.SubscriptionTypeAnnual, true)
	assert.WithinDuration(t, f.clock.Now().Add(365*24*time.Hour), *annual.EndDate, 0)

	refreshed, err := f.callerSvc.GetByID(ctx, enterprise.ID)
	require.NoError(t, err)
	assert.Equal(t, pricing.MustParse("100"), refreshed.CurrentMonthlySpend)
}

func TestCreateRejectsLicenseFromAnotherDataset(t *testing.T) {
	f := setup(t)
	caller := f.caller(t, "mix@example.com", callerdomain.TierStarter, "100")
	a := f.license(t, "Forex", "1", "12")
	b := f.license(t, "Crypto", "1", "12")

	_, err := f.svc.Create(context.Background(), admin, subscriptiondomain.CreateSubscriptionRequest{
		CallerID: caller.ID, DatasetID: a.DatasetID, LicenseID: b.ID,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidLicense)

	_, err = f.svc.Create(context.Background(), admin, subscriptiondomain.CreateSubscriptionRequest{
		CallerID: caller.ID, DatasetID: a.DatasetID, LicenseID: a.ID, SubscriptionType: "weekly",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidSubscriptionType)
}

func TestSuspendReinstateCancel(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	caller := f.caller(t, "ops@example.com", callerdomain.TierProfessional, "500")
	license := f.license(t, "News Feed", "10", "100")
	sub := f.subscribe(t, caller, license, subscriptiondomain.SubscriptionTypeMonthly, true)

	suspended, err := f.svc.Suspend(ctx, admin, sub.ID, "payment overdue")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusSuspended, suspended.Status)
	require.NotNil(t, suspended.SuspendReason)
	assert.Equal(t, "payment overdue", *suspended.SuspendReason)

	_, err = f.svc.GetActive(ctx, caller.ID, license.DatasetID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	_, err = f.svc.Cancel(ctx, admin, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	reinstated, err := f.svc.Reinstate(ctx, admin, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, reinstated.Status)
	assert.Nil(t, reinstated.SuspendedAt)

	cancelled, err := f.svc.Cancel(ctx, authorization.CallerActor(caller.ID), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, cancelled.Status)
	assert.False(t, cancelled.AutoRenew)
	assert.NotNil(t, cancelled.CancelledAt)

	again, err := f.svc.Cancel(ctx, admin, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, again.Status)

	_, err = f.svc.Reinstate(ctx, admin, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestReinstateRejectedWhenAnotherSubscriptionIsActive(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	caller := f.caller(t, "twice@example.com", callerdomain.TierProfessional, "500")
	license := f.license(t, "ESG Scores", "10", "100")

	first := f.subscribe(t, caller, license, subscriptiondomain.SubscriptionTypeMonthly, true)
	_, err := f.svc.Suspend(ctx, admin, first.ID, "")
	require.NoError(t, err)
	f.subscribe(t, caller, license, subscriptiondomain.SubscriptionTypeMonthly, true)

	_, err = f.svc.Reinstate(ctx, admin, first.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadySubscribed)
}

func TestCallerActorsOnlyTouchOwnSubscriptions(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	owner := f.caller(t, "owner@example.com", callerdomain.TierStarter, "100")
	other := f.caller(t, "other@example.com", callerdomain.TierStarter, "100")
	license := f.license(t, "Analytics", "5", "50")
	sub := f.subscribe(t, owner, license, subscriptiondomain.SubscriptionTypeMonthly, true)

	_, err := f.svc.Cancel(ctx, authorization.CallerActor(other.ID), sub.ID)
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	_, err = f.svc.Suspend(ctx, authorization.CallerActor(owner.ID), sub.ID, "")
	assert.ErrorIs(t, err, authorization.ErrForbidden)
}

func TestRenewExtendsPeriodAndResetsCounters(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	caller := f.caller(t, "renew@example.com", callerdomain.TierStarter, "100")
	license := f.license(t, "Index Levels", "10", "100")
	sub := f.subscribe(t, caller, license, subscriptiondomain.SubscriptionTypeMonthly, true)
	originalEnd := *sub.EndDate

	require.NoError(t, f.repo.IncrementUsage(ctx, f.db, sub.ID, 40, pricing.MustParse("0.05"), f.clock.Now()))

	_, err := f.svc.Renew(ctx, authorization.SystemActor, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotRenewable)

	f.clock.Advance(25 * 24 * time.Hour)
	expiring, err := f.svc.ListExpiring(ctx, 7, 0)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, sub.ID, expiring[0].ID)

	renewed, err := f.svc.Renew(ctx, authorization.SystemActor, sub.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, originalEnd.Add(30*24*time.Hour), *renewed.EndDate, 0)

	stored, err := f.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.APICalls)
	assert.Zero(t, stored.RecordsAccessed)
	assert.Zero(t, stored.UsageCost)
	assert.Equal(t, int64(1), stored.TotalAPICalls)
	assert.Equal(t, int64(40), stored.TotalRecordsAccessed)
	assert.Equal(t, pricing.MustParse("0.05"), stored.TotalUsageCost)

	status, err := f.svc.GetStatus(ctx, caller.ID, license.DatasetID)
	require.NoError(t, err)
	assert.WithinDuration(t, f.clock.Now(), status.CurrentPeriod.Start, 0)
	assert.Equal(t, int64(100), status.Limits.RatePerDay)
}

func TestExpireLapsedSubscription(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	caller := f.caller(t, "lapse@example.com", callerdomain.TierStarter, "100")
	license := f.license(t, "Commodities", "10", "100")
	sub := f.subscribe(t, caller, license, subscriptiondomain.SubscriptionTypeMonthly, false)

	_, err := f.svc.Expire(ctx, authorization.SystemActor, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotExpirable)

	_, err = f.svc.Expire(ctx, admin, sub.ID)
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	f.clock.Advance(31 * 24 * time.Hour)
	lapsed, err := f.svc.ListLapsed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)

	expired, err := f.svc.Expire(ctx, authorization.SystemActor, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, expired.Status)

	_, err = f.svc.GetActive(ctx, caller.ID, license.DatasetID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}
