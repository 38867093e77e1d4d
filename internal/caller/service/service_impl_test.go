package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	"github.com/smallbiznis/licensegate/internal/caller/repository"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T, now time.Time) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&callerdomain.Caller{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(now)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fc,
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, db, fc
}

func TestCreateCaller(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupService(t, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))

	caller, err := svc.Create(ctx, callerdomain.CreateCallerRequest{
		Email:    " Analyst@Example.com ",
		Name:     "Analyst",
		Tier:     callerdomain.TierProfessional,
		Timezone: "Asia/Jakarta",
	})
	require.NoError(t, err)
	assert.Equal(t, "analyst@example.com", caller.Email)
	assert.Equal(t, callerdomain.DefaultMonthlySpendLimit, caller.MonthlySpendLimit)
	assert.Equal(t, "Asia/Jakarta", caller.Location().String())

	_, err = svc.Create(ctx, callerdomain.CreateCallerRequest{Email: "analyst@example.com"})
	assert.ErrorIs(t, err, callerdomain.ErrEmailTaken)

	got, err := svc.GetByID(ctx, caller.ID)
	require.NoError(t, err)
	assert.Equal(t, caller.ID, got.ID)
}

func TestCreateCallerValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupService(t, time.Now())

	cases := []struct {
		name string
		req  callerdomain.CreateCallerRequest
		want error
	}{
		{"missing_email", callerdomain.CreateCallerRequest{}, callerdomain.ErrInvalidEmail},
		{"bad_email", callerdomain.CreateCallerRequest{Email: "nope"}, callerdomain.ErrInvalidEmail},
		{"bad_tier", callerdomain.CreateCallerRequest{Email: "a@b.co", Tier: "platinum"}, callerdomain.ErrInvalidTier},
		{"bad_timezone", callerdomain.CreateCallerRequest{Email: "a@b.co", Timezone: "Mars/Olympus"}, callerdomain.ErrInvalidTimezone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := svc.GetByID(ctx, 12345)
	assert.ErrorIs(t, err, callerdomain.ErrCallerNotFound)
}

func TestResetMonthlySpendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, db, fc := setupService(t, time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC))

	caller, err := svc.Create(ctx, callerdomain.CreateCallerRequest{Email: "ops@example.com"})
	require.NoError(t, err)
	require.NoError(t, svc.repo.AddMonthlySpend(ctx, db, caller.ID, pricing.MustParse("42.50"), fc.Now()))

	n, err := svc.ResetMonthlySpend(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "same month must not reset")

	fc.Set(time.Date(2024, 2, 1, 0, 5, 0, 0, time.UTC))
	n, err = svc.ResetMonthlySpend(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = svc.ResetMonthlySpend(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := svc.GetByID(ctx, caller.ID)
	require.NoError(t, err)
	assert.Equal(t, pricing.Amount(0), got.CurrentMonthlySpend)
	require.NotNil(t, got.LastActiveAt)
}

func TestTierOrdering(t *testing.T) {
	assert.True(t, callerdomain.TierEnterprise.AtLeast(callerdomain.TierProfessional))
	assert.False(t, callerdomain.TierStarter.AtLeast(callerdomain.TierProfessional))
	assert.True(t, callerdomain.TierCustom.AtLeast(callerdomain.TierEnterprise))
	assert.False(t, callerdomain.Tier("gold").AtLeast(callerdomain.TierFree))
}
