package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accessdomain "github.com/smallbiznis/licensegate/internal/access/domain"
	"github.com/smallbiznis/licensegate/internal/apierror"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	"github.com/smallbiznis/licensegate/internal/testkit"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usage/reconcile"
	usagerepository "github.com/smallbiznis/licensegate/internal/usage/repository"
	usageservice "github.com/smallbiznis/licensegate/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	env   *testkit.Env
	usage usagedomain.Service
	svc   accessdomain.Service
}

func setup(t *testing.T, now time.Time) *fixture {
	t.Helper()
	env := testkit.New(t, now)
	usage := usageservice.NewService(usageservice.ServiceParam{
		DB:               env.DB,
		Log:              env.Log,
		GenID:            env.Node,
		Clock:            env.Clock,
		Config:           env.Config,
		Repo:             usagerepository.Provide(),
		SubscriptionRepo: env.SubscriptionRepo,
		CallerRepo:       env.CallerRepo,
		LicenseSvc:       env.LicenseSvc,
		DatasetSvc:       env.DatasetSvc,
		Queue:            reconcile.NewMemoryQueue(),
	})
	return &fixture{env: env, usage: usage, svc: newValidator(env, usage)}
}

func newValidator(env *testkit.Env, store usagedomain.Store) accessdomain.Service {
	return NewService(ServiceParam{
		Log:             env.Log,
		Clock:           env.Clock,
		Config:          env.Config,
		SubscriptionSvc: env.SubscriptionSvc,
		LicenseSvc:      env.LicenseSvc,
		CallerSvc:       env.CallerSvc,
		Usage:           store,
	})
}

func (f *fixture) subscribed(t *testing.T, timezone string, opts ...testkit.LicenseOption) *subscriptiondomain.Subscription {
	t.Helper()
	caller := f.env.Caller(t, "caller-"+f.env.Node.Generate().String()+"@example.com", callerdomain.TierStarter, timezone)
	license := f.env.License(t, "Dataset "+f.env.Node.Generate().String(), opts...)
	return f.env.Subscribe(t, caller, license, subscriptiondomain.SubscriptionTypeMonthly, true)
}

func (f *fixture) validate(t *testing.T, sub *subscriptiondomain.Subscription, records int64) accessdomain.Decision {
	t.Helper()
	decision, err := f.svc.ValidateAccess(context.Background(), accessdomain.AccessRequest{
		CallerID:         sub.CallerID,
		DatasetID:        sub.DatasetID,
		RequestedRecords: records,
	})
	require.NoError(t, err)
	return decision
}

func (f *fixture) record(t *testing.T, sub *subscriptiondomain.Subscription, records int64) {
	t.Helper()
	_, err := f.usage.RecordUsage(context.Background(), usagedomain.RecordUsageRequest{
		CallerID:        sub.CallerID,
		DatasetID:       sub.DatasetID,
		SubscriptionID:  sub.ID,
		LicenseID:       sub.LicenseID,
		Endpoint:        "/api/v1/data",
		Method:          "GET",
		RecordsReturned: records,
		StatusCode:      200,
	})
	require.NoError(t, err)
}

func denialCode(d accessdomain.Decision) string {
	if d.Denial == nil {
		return ""
	}
	return d.Denial.Code
}

func perDay(n int64) testkit.LicenseOption {
	return func(r *licensedomain.CreateLicenseRequest) { r.RateLimitPerDay = n }
}

func TestNoSubscriptionRegardlessOfRecords(t *testing.T) {
	f := setup(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	for _, records := range []int64{0, 1, 1_000_000} {
		decision, err := f.svc.ValidateAccess(context.Background(), accessdomain.AccessRequest{
			CallerID:         snowflake.ID(404),
			DatasetID:        snowflake.ID(405),
			RequestedRecords: records,
		})
		require.NoError(t, err)
		assert.False(t, decision.Allowed())
		assert.Equal(t, accessdomain.CodeNoSubscription, denialCode(decision))
	}
}

func TestSuspendedSubscriptionIsNotActive(t *testing.T) {
	ctx := context.Background()
	f := setup(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	sub := f.subscribed(t, "")

	_, err := f.env.SubscriptionSvc.Suspend(ctx, testkit.Admin, sub.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, accessdomain.CodeNoSubscription, denialCode(f.validate(t, sub, 1)))

	_, err = f.env.SubscriptionSvc.Reinstate(ctx, testkit.Admin, sub.ID)
	require.NoError(t, err)
	assert.True(t, f.validate(t, sub, 1).Allowed())
}

func TestExpiredSubscription(t *testing.T) {
	ctx := context.Background()
	f := setup(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	sub := f.subscribed(t, "")

	require.NoError(t, f.env.SetEndDate(ctx, sub.ID, f.env.Clock.Now()))
	assert.True(t, f.validate(t, sub, 1).Allowed(), "end date equal to now is still valid")

	require.NoError(t, f.env.FastForwardSubscription(ctx, sub.ID))
	assert.Equal(t, accessdomain.CodeSubscriptionExpired, denialCode(f.validate(t, sub, 1)))
}

func TestRecordLimitAtZeroUsage(t *testing.T) {
	f := setup(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	sub := f.subscribed(t, "")

	decision := f.validate(t, sub, 101)
	assert.Equal(t, accessdomain.CodeRecordLimitExceeded, denialCode(decision))
	assert.Equal(t, "Requested records (101) exceeds limit (100)", decision.Denial.Reason)
	assert.True(t, f.validate(t, sub, 100).Allowed())
}

func TestGrantCarriesCostAndRemaining(t *testing.T) {
	f := setup(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	sub := f.subscribed(t, "", func(r *licensedomain.CreateLicenseRequest) { r.RealTimeAccess = true })
	f.record(t, sub, 10)

	decision := f.validate(t, sub, 50)
	require.True(t, decision.Allowed())
	grant := decision.Grant
	assert.Equal(t, sub.ID, grant.SubscriptionID)
	assert.Equal(t, pricing.MustParse("0.06"), grant.Cost)
	assert.Equal(t, pricing.BasisPerRecord, grant.CostBasis)
	assert.Equal(t, accessdomain.Remaining{Daily: 99, Monthly: 999, Minute: 9}, grant.Remaining)
	assert.Equal(t, []string{licensedomain.FeatureRealTimeAccess}, grant.Features)

	assert.NoError(t, accessdomain.RequireFeature(grant, licensedomain.FeatureRealTimeAccess))
	err := accessdomain.RequireFeature(grant, licensedomain.FeatureBulkDownload)
	assert.ErrorIs(t, err, apierror.New(apierror.KindAccessDenied, accessdomain.CodeFeatureNotAvailable, ""))
	assert.NoError(t, accessdomain.RequireTier(grant, licensedomain.TierBasic))
	err = accessdomain.RequireTier(grant, licensedomain.TierPremium)
	assert.ErrorIs(t, err, apierror.New(apierror.KindAccessDenied, accessdomain.CodeInsufficientTier, ""))
}

func TestValidateIsIdempotent(t *testing.T) {
	f := setup(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	sub := f.subscribed(t, "")
	f.record(t, sub, 1)

	first := f.validate(t, sub, 5)
	second := f.validate(t, sub, 5)
	assert.Equal(t, first, second)
}

func TestThreePerDayScenario(t *testing.T) {
	f := setup(t, time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC))
	sub := f.subscribed(t, "", perDay(3))

	for i := 0; i < 3; i++ {
		decision := f.validate(t, sub, 1)
		require.True(t, decision.Allowed(), "call %d", i+1)
		assert.EqualValues(t, 3-i, decision.Grant.Remaining.Daily)
		f.record(t, sub, 1)
		f.env.Clock.Advance(10 * time.Minute)
	}

	decision := f.validate(t, sub, 1)
	require.False(t, decision.Allowed())
	assert.Equal(t, accessdomain.CodeDailyLimitExceeded, decision.Denial.Code)
	require.NotNil(t, decision.Denial.RetryAfter)
	assert.Equal(t, time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC), *decision.Denial.RetryAfter)

	err := decision.Err()
	assert.Equal(t, 429, apierror.HTTPStatus(err))

	f.env.Clock.Set(time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC))
	assert.True(t, f.validate(t, sub, 1).Allowed())
}

func TestDailyWindowFollowsCallerMidnight(t *testing.T) {
	// 23:30 in New York on March 14 (UTC-4).
	f := setup(t, time.Date(2024, 3, 15, 3, 30, 0, 0, time.UTC))
	sub := f.subscribed(t, "America/New_York", perDay(2))
	f.env.InsertEvents(t, sub, time.Date(2024, 3, 15, 2, 0, 0, 0, time.UTC), 2)

	decision := f.validate(t, sub, 1)
	require.Equal(t, accessdomain.CodeDailyLimitExceeded, denialCode(decision))
	assert.Equal(t, time.Date(2024, 3, 15, 4, 0, 0, 0, time.UTC), *decision.Denial.RetryAfter)

	f.env.Clock.Set(time.Date(2024, 3, 15, 3, 59, 59, 0, time.UTC))
	assert.Equal(t, accessdomain.CodeDailyLimitExceeded, denialCode(f.validate(t, sub, 1)))

	f.env.Clock.Set(time.Date(2024, 3, 15, 4, 0, 0, 0, time.UTC))
	assert.True(t, f.validate(t, sub, 1).Allowed())
}

func TestMonthlyLimit(t *testing.T) {
	f := setup(t, time.Date(2024, 12, 20, 12, 0, 0, 0, time.UTC))
	sub := f.subscribed(t, "", func(r *licensedomain.CreateLicenseRequest) { r.RateLimitPerMonth = 5 })
	f.env.InsertEvents(t, sub, time.Date(2024, 12, 2, 8, 0, 0, 0, time.UTC), 5)

	decision := f.validate(t, sub, 1)
	require.Equal(t, accessdomain.CodeMonthlyLimitExceeded, denialCode(decision))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *decision.Denial.RetryAfter)
}

func TestMinuteWindowSlides(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	f := setup(t, now)
	sub := f.subscribed(t, "")
	f.env.InsertEvents(t, sub, now.Add(-50*time.Second), 4)
	f.env.InsertEvents(t, sub, now.Add(-10*time.Second), 6)

	decision := f.validate(t, sub, 1)
	require.Equal(t, accessdomain.CodeRateLimitExceeded, denialCode(decision))
	assert.Equal(t, now.Add(10*time.Second), *decision.Denial.RetryAfter)

	// Adding events never lowers the minute count.
	f.env.InsertEvents(t, sub, now, 1)
	assert.Equal(t, accessdomain.CodeRateLimitExceeded, denialCode(f.validate(t, sub, 1)))

	f.env.Clock.Advance(11 * time.Second)
	decision = f.validate(t, sub, 1)
	require.True(t, decision.Allowed())
	assert.EqualValues(t, 3, decision.Grant.Remaining.Minute)
}

func TestHistoricalAccessLimit(t *testing.T) {
	f := setup(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	days := 30
	sub := f.subscribed(t, "", func(r *licensedomain.CreateLicenseRequest) { r.HistoricalAccessDays = &days })

	since := f.env.Clock.Now().AddDate(0, 0, -40)
	decision, err := f.svc.ValidateAccess(context.Background(), accessdomain.AccessRequest{
		CallerID: sub.CallerID, DatasetID: sub.DatasetID, RequestedRecords: 1, Since: &since,
	})
	require.NoError(t, err)
	assert.Equal(t, accessdomain.CodeHistoricalAccessLimited, denialCode(decision))

	since = f.env.Clock.Now().AddDate(0, 0, -20)
	decision, err = f.svc.ValidateAccess(context.Background(), accessdomain.AccessRequest{
		CallerID: sub.CallerID, DatasetID: sub.DatasetID, RequestedRecords: 1, Since: &since,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed())
}

type brokenStore struct{}

func (brokenStore) CountWindows(context.Context, snowflake.ID, snowflake.ID, usagedomain.Windows) (usagedomain.WindowCounts, error) {
	return usagedomain.WindowCounts{}, errors.New("connection refused")
}

func (brokenStore) OldestSince(context.Context, snowflake.ID, snowflake.ID, time.Time) (*time.Time, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailureFailsClosed(t *testing.T) {
	f := setup(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	sub := f.subscribed(t, "")
	validator := newValidator(f.env, brokenStore{})

	decision, err := validator.ValidateAccess(context.Background(), accessdomain.AccessRequest{
		CallerID: sub.CallerID, DatasetID: sub.DatasetID, RequestedRecords: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, accessdomain.CodeStoreUnavailable, denialCode(decision))
	assert.Equal(t, apierror.KindStoreUnavailable, apierror.KindOf(decision.Err()))
}

func TestValidateRejectsMalformedInput(t *testing.T) {
	f := setup(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	_, err := f.svc.ValidateAccess(context.Background(), accessdomain.AccessRequest{DatasetID: 1})
	assert.ErrorIs(t, err, accessdomain.ErrInvalidCaller)
	_, err = f.svc.ValidateAccess(context.Background(), accessdomain.AccessRequest{CallerID: 1, DatasetID: 1, RequestedRecords: -1})
	assert.ErrorIs(t, err, accessdomain.ErrInvalidRecords)
}

func TestQuotaStatus(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	f := setup(t, now)
	sub := f.subscribed(t, "")
	f.env.InsertEvents(t, sub, now.Add(-20*time.Second), 2)
	f.env.InsertEvents(t, sub, now.Add(-2*time.Hour), 3)

	status, err := f.svc.QuotaStatus(context.Background(), sub.CallerID, sub.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, accessdomain.WindowStatus{Limit: 10, Used: 2, Remaining: 8, ResetAt: now.Add(40 * time.Second)}, status.Minute)
	assert.EqualValues(t, 5, status.Daily.Used)
	assert.Equal(t, time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC), status.Daily.ResetAt)
	assert.EqualValues(t, 995, status.Monthly.Remaining)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), status.Monthly.ResetAt)

	// Reading the status records nothing.
	again, err := f.svc.QuotaStatus(context.Background(), sub.CallerID, sub.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, status.Daily.Used, again.Daily.Used)
}
