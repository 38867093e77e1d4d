package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/licensegate/internal/cache"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (datasetdomain.Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&datasetdomain.Dataset{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))

	return NewService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fc,
		Policy:   config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Resolver: cache.NewResolverCache(config.Config{}, fc),
	}), db
}

func TestCreateDatasetDerivesSlug(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	dataset, err := svc.Create(ctx, datasetdomain.CreateDatasetRequest{
		Name:     "Global ESG Scores",
		DataType: config.DataTypeESGData,
	})
	require.NoError(t, err)
	assert.Equal(t, "global-esg-scores", dataset.Slug)
	assert.True(t, dataset.Active)

	_, err = svc.Create(ctx, datasetdomain.CreateDatasetRequest{Name: "Global ESG Scores"})
	assert.ErrorIs(t, err, datasetdomain.ErrSlugTaken)

	_, err = svc.Create(ctx, datasetdomain.CreateDatasetRequest{Name: "Prices", DataType: "tick_data"})
	assert.ErrorIs(t, err, datasetdomain.ErrInvalidDataType)

	_, err = svc.Create(ctx, datasetdomain.CreateDatasetRequest{Name: "Prices", Slug: "Not A Slug"})
	assert.ErrorIs(t, err, datasetdomain.ErrInvalidSlug)
}

func TestGetBySlug(t *testing.T) {
	ctx := context.Background()
	svc, db := setupService(t)

	created, err := svc.Create(ctx, datasetdomain.CreateDatasetRequest{Name: "Market Prices", DataType: config.DataTypeMarketData})
	require.NoError(t, err)

	got, err := svc.GetBySlug(ctx, " Market-Prices ")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = svc.GetBySlug(ctx, "")
	assert.ErrorIs(t, err, datasetdomain.ErrMissingSlug)

	_, err = svc.GetBySlug(ctx, "unknown-dataset")
	assert.ErrorIs(t, err, datasetdomain.ErrDatasetNotFound)

	// Served from the resolver cache until its TTL passes.
	require.NoError(t, db.Model(&datasetdomain.Dataset{}).Where("id = ?", created.ID).Update("active", false).Error)
	_, err = svc.GetBySlug(ctx, "market-prices")
	assert.NoError(t, err)
}

func TestListOnlyActive(t *testing.T) {
	ctx := context.Background()
	svc, db := setupService(t)

	a, err := svc.Create(ctx, datasetdomain.CreateDatasetRequest{Name: "Alpha"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, datasetdomain.CreateDatasetRequest{Name: "Beta"})
	require.NoError(t, err)
	require.NoError(t, db.Model(&datasetdomain.Dataset{}).Where("id = ?", a.ID).Update("active", false).Error)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "beta", list[0].Slug)
}
