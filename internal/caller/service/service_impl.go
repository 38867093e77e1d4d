package service

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  callerdomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  callerdomain.Repository
}

func NewService(p ServiceParam) callerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("caller.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req callerdomain.CreateCallerRequest) (*callerdomain.Caller, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return nil, callerdomain.ErrInvalidEmail
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, callerdomain.ErrInvalidEmail
	}

	tier := req.Tier
	if tier == "" {
		tier = callerdomain.TierFree
	}
	if !tier.Valid() {
		return nil, callerdomain.ErrInvalidTier
	}

	timezone := strings.TrimSpace(req.Timezone)
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, callerdomain.ErrInvalidTimezone
	}

	limit := req.MonthlySpendLimit
	if limit <= 0 {
		limit = callerdomain.DefaultMonthlySpendLimit
	}

	now := s.clock.Now()
	caller := &callerdomain.Caller{
		ID:                s.genID.Generate(),
		Email:             email,
		Name:              strings.TrimSpace(req.Name),
		Tier:              tier,
		MonthlySpendLimit: limit,
		SpendResetAt:      now,
		Timezone:          timezone,
		Active:            true,
		Metadata:          datatypes.JSONMap(req.Metadata),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.Insert(ctx, s.db, caller); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, callerdomain.ErrEmailTaken
		}
		return nil, err
	}

	s.log.Info("caller created", zap.String("caller_id", caller.ID.String()), zap.String("tier", string(caller.Tier)))
	return caller, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*callerdomain.Caller, error) {
	if id == 0 {
		return nil, callerdomain.ErrInvalidCaller
	}
	caller, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if caller == nil {
		return nil, callerdomain.ErrCallerNotFound
	}
	return caller, nil
}

func (s *Service) ResetMonthlySpend(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	n, err := s.repo.ResetMonthlySpend(ctx, s.db, periodStart, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("monthly spend reset", zap.Int64("callers", n), zap.Time("period_start", periodStart))
	}
	return n, nil
}
