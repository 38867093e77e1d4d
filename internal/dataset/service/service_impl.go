package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/licensegate/internal/cache"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	"github.com/smallbiznis/licensegate/pkg/db"
	"github.com/smallbiznis/licensegate/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	policy   *config.PolicyHolder
	resolver cache.ResolverCache
	store    repository.Repository[datasetdomain.Dataset]
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Policy   *config.PolicyHolder
	Resolver cache.ResolverCache
}

func NewService(p ServiceParam) datasetdomain.Service {
	return &Service{
		log:      p.Log.Named("dataset.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		policy:   p.Policy,
		resolver: p.Resolver,
		store:    repository.ProvideStore[datasetdomain.Dataset](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req datasetdomain.CreateDatasetRequest) (*datasetdomain.Dataset, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, datasetdomain.ErrInvalidName
	}

	datasetSlug := strings.TrimSpace(req.Slug)
	if datasetSlug == "" {
		datasetSlug = slug.Make(name)
	}
	if !slug.IsSlug(datasetSlug) {
		return nil, datasetdomain.ErrInvalidSlug
	}

	dataType := strings.ToLower(strings.TrimSpace(req.DataType))
	if dataType == "" {
		dataType = config.DataTypeAPIResponses
	}
	if _, ok := s.policy.Get().CacheTTL[dataType]; !ok {
		return nil, datasetdomain.ErrInvalidDataType
	}

	now := s.clock.Now()
	dataset := &datasetdomain.Dataset{
		ID:          s.genID.Generate(),
		Slug:        datasetSlug,
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Category:    strings.TrimSpace(req.Category),
		DataType:    dataType,
		Active:      true,
		Metadata:    datatypes.JSONMap(req.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, dataset); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, datasetdomain.ErrSlugTaken
		}
		return nil, err
	}

	s.log.Info("dataset created", zap.String("dataset_id", dataset.ID.String()), zap.String("slug", dataset.Slug))
	return dataset, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*datasetdomain.Dataset, error) {
	dataset, err := s.store.FindByID(ctx, int64(id))
	if err != nil {
		return nil, err
	}
	if dataset == nil {
		return nil, datasetdomain.ErrDatasetNotFound
	}
	return dataset, nil
}

func (s *Service) GetBySlug(ctx context.Context, raw string) (*datasetdomain.Dataset, error) {
	datasetSlug := strings.ToLower(strings.TrimSpace(raw))
	if datasetSlug == "" {
		return nil, datasetdomain.ErrMissingSlug
	}
	if !slug.IsSlug(datasetSlug) {
		return nil, datasetdomain.ErrInvalidSlug
	}

	if cached, ok := s.resolver.GetDataset(datasetSlug); ok {
		return &cached, nil
	}

	dataset, err := s.store.FindOne(ctx, &datasetdomain.Dataset{Slug: datasetSlug, Active: true})
	if err != nil {
		return nil, err
	}
	if dataset == nil {
		return nil, datasetdomain.ErrDatasetNotFound
	}
	s.resolver.SetDataset(*dataset)
	return dataset, nil
}

func (s *Service) List(ctx context.Context) ([]*datasetdomain.Dataset, error) {
	return s.store.Find(ctx, &datasetdomain.Dataset{Active: true}, repository.OrderBy("slug asc"))
}
