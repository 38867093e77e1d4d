package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/licensegate/internal/authorization"
	"github.com/smallbiznis/licensegate/internal/cache"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	datasetservice "github.com/smallbiznis/licensegate/internal/dataset/service"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/pricing"
	"github.com/smallbiznis/licensegate/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc     licensedomain.Service
	db      *gorm.DB
	dataset *datasetdomain.Dataset
	admin   string
}

func setup(t *testing.T) fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&datasetdomain.Dataset{}, &licensedomain.License{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	resolver := cache.NewResolverCache(config.Config{}, fc)

	datasetSvc := datasetservice.NewService(datasetservice.ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fc,
		Policy:   config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Resolver: resolver,
	})
	dataset, err := datasetSvc.Create(context.Background(), datasetdomain.CreateDatasetRequest{Name: "Equity Prices", DataType: config.DataTypeMarketData})
	require.NoError(t, err)

	enforcer, err := authorization.NewEnforcer(nil)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fc,
		Authz:      authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		DatasetSvc: datasetSvc,
		Resolver:   resolver,
	})
	return fixture{svc: svc, db: db, dataset: dataset, admin: authorization.AdminActor(snowflake.ID(99))}
}

func basicRequest(datasetID snowflake.ID) licensedomain.CreateLicenseRequest {
	return licensedomain.CreateLicenseRequest{
		DatasetID:            datasetID,
		Name:                 "Basic",
		Tier:                 licensedomain.TierBasic,
		RateLimitPerMinute:   60,
		RateLimitPerDay:      1000,
		RateLimitPerMonth:    20000,
		MaxRecordsPerRequest: 500,
		PricePerRecord:       pricing.MustParse("0.001"),
		PricePerAPICall:      pricing.MustParse("0.01"),
		MonthlyPrice:         pricing.MustParse("49"),
		RealTimeAccess:       true,
	}
}

func TestCreateLicense(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	license, err := f.svc.Create(ctx, f.admin, basicRequest(f.dataset.ID))
	require.NoError(t, err)
	assert.True(t, license.Active)
	assert.Equal(t, []string{licensedomain.FeatureRealTimeAccess}, license.Features())

	cost, basis := pricing.Cost(license.Rates(), 50)
	assert.Equal(t, pricing.MustParse("0.06"), cost)
	assert.Equal(t, pricing.BasisPerRecord, basis)

	got, err := f.svc.GetByID(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, license.PricePerRecord, got.PricePerRecord)
}

func TestCreateLicenseValidation(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	caller := authorization.CallerActor(snowflake.ID(5))
	_, err := f.svc.Create(ctx, caller, basicRequest(f.dataset.ID))
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	req := basicRequest(f.dataset.ID)
	req.RateLimitPerDay = 0
	_, err = f.svc.Create(ctx, f.admin, req)
	assert.ErrorIs(t, err, licensedomain.ErrInvalidLimits)

	req = basicRequest(f.dataset.ID)
	req.PricePerRecord = -1
	_, err = f.svc.Create(ctx, f.admin, req)
	assert.ErrorIs(t, err, licensedomain.ErrInvalidPrice)

	req = basicRequest(f.dataset.ID)
	req.Tier = "gold"
	_, err = f.svc.Create(ctx, f.admin, req)
	assert.ErrorIs(t, err, licensedomain.ErrInvalidTier)

	_, err = f.svc.Create(ctx, f.admin, basicRequest(snowflake.ID(12345)))
	assert.ErrorIs(t, err, datasetdomain.ErrDatasetNotFound)
}

func TestUpdatePricingInvalidatesResolvedLicense(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	license, err := f.svc.Create(ctx, f.admin, basicRequest(f.dataset.ID))
	require.NoError(t, err)

	// Warm the resolver.
	_, err = f.svc.GetByID(ctx, license.ID)
	require.NoError(t, err)

	next := pricing.MustParse("0.002")
	updated, err := f.svc.UpdatePricing(ctx, f.admin, license.ID, licensedomain.UpdatePricingRequest{PricePerRecord: &next})
	require.NoError(t, err)
	assert.Equal(t, next, updated.PricePerRecord)
	assert.Equal(t, license.PricePerAPICall, updated.PricePerAPICall)

	got, err := f.svc.GetByID(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, next, got.PricePerRecord)

	_, err = f.svc.UpdatePricing(ctx, f.admin, license.ID, licensedomain.UpdatePricingRequest{})
	assert.ErrorIs(t, err, licensedomain.ErrEmptyUpdate)

	_, err = f.svc.UpdatePricing(ctx, authorization.CallerActor(snowflake.ID(3)), license.ID, licensedomain.UpdatePricingRequest{PricePerRecord: &next})
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	_, err = f.svc.UpdatePricing(ctx, f.admin, snowflake.ID(777), licensedomain.UpdatePricingRequest{PricePerRecord: &next})
	assert.ErrorIs(t, err, licensedomain.ErrLicenseNotFound)
}

func TestListByDatasetPaginates(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for i := 0; i < 5; i++ {
		_, err := f.svc.Create(ctx, f.admin, basicRequest(f.dataset.ID))
		require.NoError(t, err)
	}

	first, err := f.svc.ListByDataset(ctx, f.dataset.ID, pagination.Pagination{PageSize: 3})
	require.NoError(t, err)
	require.Len(t, first.Licenses, 3)
	assert.True(t, first.PageInfo.HasMore)

	second, err := f.svc.ListByDataset(ctx, f.dataset.ID, pagination.Pagination{PageSize: 3, PageToken: first.PageInfo.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.Licenses, 2)
	assert.False(t, second.PageInfo.HasMore)
	assert.Greater(t, second.Licenses[0].ID, first.Licenses[2].ID)

	_, err = f.svc.ListByDataset(ctx, f.dataset.ID, pagination.Pagination{PageToken: "%%%"})
	assert.ErrorIs(t, err, licensedomain.ErrInvalidPageToken)
}
