package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/authorization"
	"github.com/smallbiznis/licensegate/internal/cache"
	"github.com/smallbiznis/licensegate/internal/clock"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/pricing"
	"github.com/smallbiznis/licensegate/pkg/db/pagination"
	"github.com/smallbiznis/licensegate/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	authz      authorization.Service
	datasetSvc datasetdomain.Service
	resolver   cache.ResolverCache
	store      repository.Repository[licensedomain.License]
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Authz      authorization.Service
	DatasetSvc datasetdomain.Service
	Resolver   cache.ResolverCache
}

func NewService(p ServiceParam) licensedomain.Service {
	return &Service{
		log:        p.Log.Named("license.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		authz:      p.Authz,
		datasetSvc: p.DatasetSvc,
		resolver:   p.Resolver,
		store:      repository.ProvideStore[licensedomain.License](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, actor string, req licensedomain.CreateLicenseRequest) (*licensedomain.License, error) {
	if req.DatasetID == 0 {
		return nil, licensedomain.ErrInvalidDataset
	}
	if err := s.authz.Authorize(ctx, actor, authorization.DatasetScope(req.DatasetID), authorization.ObjectLicense, authorization.ActionLicenseCreate); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, licensedomain.ErrInvalidName
	}
	tier := req.Tier
	if tier == "" {
		tier = licensedomain.TierFree
	}
	if !tier.Valid() {
		return nil, licensedomain.ErrInvalidTier
	}
	if req.RateLimitPerMinute <= 0 || req.RateLimitPerDay <= 0 || req.RateLimitPerMonth <= 0 || req.MaxRecordsPerRequest <= 0 {
		return nil, licensedomain.ErrInvalidLimits
	}
	if req.HistoricalAccessDays != nil && *req.HistoricalAccessDays < 0 {
		return nil, licensedomain.ErrInvalidLimits
	}
	if anyNegative(req.PricePerRecord, req.PricePerAPICall, req.MonthlyPrice, req.AnnualPrice) {
		return nil, licensedomain.ErrInvalidPrice
	}

	if _, err := s.datasetSvc.GetByID(ctx, req.DatasetID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	license := &licensedomain.License{
		ID:                   s.genID.Generate(),
		DatasetID:            req.DatasetID,
		Name:                 name,
		Tier:                 tier,
		RateLimitPerMinute:   req.RateLimitPerMinute,
		RateLimitPerDay:      req.RateLimitPerDay,
		RateLimitPerMonth:    req.RateLimitPerMonth,
		MaxRecordsPerRequest: req.MaxRecordsPerRequest,
		HistoricalAccessDays: req.HistoricalAccessDays,
		PricePerRecord:       req.PricePerRecord,
		PricePerAPICall:      req.PricePerAPICall,
		MonthlyPrice:         req.MonthlyPrice,
		AnnualPrice:          req.AnnualPrice,
		RealTimeAccess:       req.RealTimeAccess,
		BulkDownload:         req.BulkDownload,
		WebhookSupport:       req.WebhookSupport,
		Active:               true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.Create(ctx, license); err != nil {
		return nil, err
	}

	s.log.Info("license created",
		zap.String("license_id", license.ID.String()),
		zap.String("dataset_id", license.DatasetID.String()),
		zap.String("tier", string(license.Tier)),
	)
	return license, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*licensedomain.License, error) {
	if id == 0 {
		return nil, licensedomain.ErrLicenseNotFound
	}
	if cached, ok := s.resolver.GetLicense(id); ok {
		return &cached, nil
	}

	license, err := s.store.FindByID(ctx, int64(id))
	if err != nil {
		return nil, err
	}
	if license == nil {
		return nil, licensedomain.ErrLicenseNotFound
	}
	s.resolver.SetLicense(*license)
	return license, nil
}

func (s *Service) ListByDataset(ctx context.Context, datasetID snowflake.ID, page pagination.Pagination) (*licensedomain.ListLicensesResponse, error) {
	if datasetID == 0 {
		return nil, licensedomain.ErrInvalidDataset
	}
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return nil, licensedomain.ErrInvalidPageToken
	}

	size := page.Size()
	opts := []repository.QueryOption{
		repository.OrderBy("id asc"),
		repository.Limit(size + 1),
	}
	if cursor != nil {
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, licensedomain.ErrInvalidPageToken
		}
		opts = append(opts, repository.Where("id > ?", afterID))
	}

	rows, err := s.store.Find(ctx, &licensedomain.License{DatasetID: datasetID}, opts...)
	if err != nil {
		return nil, err
	}
	items, pageInfo, err := pagination.BuildCursorPageInfo(rows, size, func(l *licensedomain.License) pagination.Cursor {
		return pagination.Cursor{ID: l.ID.String()}
	})
	if err != nil {
		return nil, err
	}
	return &licensedomain.ListLicensesResponse{Licenses: items, PageInfo: *pageInfo}, nil
}

func (s *Service) UpdatePricing(ctx context.Context, actor string, id snowflake.ID, req licensedomain.UpdatePricingRequest) (*licensedomain.License, error) {
	current, err := s.store.FindByID(ctx, int64(id))
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, licensedomain.ErrLicenseNotFound
	}
	if err := s.authz.Authorize(ctx, actor, authorization.DatasetScope(current.DatasetID), authorization.ObjectLicense, authorization.ActionLicenseUpdatePricing); err != nil {
		return nil, err
	}

	fields := map[string]any{}
	set := func(column string, value *pricing.Amount) bool {
		if value == nil {
			return true
		}
		if *value < 0 {
			return false
		}
		fields[column] = *value
		return true
	}
	if !set("price_per_record", req.PricePerRecord) ||
		!set("price_per_api_call", req.PricePerAPICall) ||
		!set("monthly_price", req.MonthlyPrice) ||
		!set("annual_price", req.AnnualPrice) {
		return nil, licensedomain.ErrInvalidPrice
	}
	if len(fields) == 0 {
		return nil, licensedomain.ErrEmptyUpdate
	}
	fields["updated_at"] = s.clock.Now()

	if _, err := s.store.Update(ctx, int64(id), fields); err != nil {
		return nil, err
	}
	s.resolver.InvalidateLicense(id)

	updated, err := s.store.FindByID(ctx, int64(id))
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, licensedomain.ErrLicenseNotFound
	}

	s.log.Info("license pricing updated",
		zap.String("license_id", id.String()),
		zap.String("actor", actor),
		zap.String("price_per_record", updated.PricePerRecord.String()),
		zap.String("price_per_api_call", updated.PricePerAPICall.String()),
	)
	return updated, nil
}

func anyNegative(amounts ...pricing.Amount) bool {
	for _, a := range amounts {
		if a < 0 {
			return true
		}
	}
	return false
}
