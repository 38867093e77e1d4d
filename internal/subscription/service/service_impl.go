package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/licensegate/internal/audit/domain"
	"github.com/smallbiznis/licensegate/internal/authorization"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	"github.com/smallbiznis/licensegate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultRenewalHorizonDays = 7

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID          *snowflake.Node
	clock          clock.Clock
	renewalHorizon time.Duration
	repo           subscriptiondomain.Repository
	callerRepo     callerdomain.Repository

	authz      authorization.Service
	licenseSvc licensedomain.Service
	datasetSvc datasetdomain.Service
	auditSvc   auditdomain.Service
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Repo       subscriptiondomain.Repository
	CallerRepo callerdomain.Repository

	Authz      authorization.Service
	LicenseSvc licensedomain.Service
	DatasetSvc datasetdomain.Service
	AuditSvc   auditdomain.Service `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	horizonDays := p.Config.Renewal.HorizonDays
	if horizonDays <= 0 {
		horizonDays = defaultRenewalHorizonDays
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:          p.GenID,
		clock:          p.Clock,
		renewalHorizon: time.Duration(horizonDays) * 24 * time.Hour,
		repo:           p.Repo,
		callerRepo:     p.CallerRepo,

		authz:      p.Authz,
		licenseSvc: p.LicenseSvc,
		datasetSvc: p.DatasetSvc,
		auditSvc:   p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, actor string, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	if req.CallerID == 0 {
		return nil, subscriptiondomain.ErrInvalidCaller
	}
	if req.DatasetID == 0 {
		return nil, subscriptiondomain.ErrInvalidDataset
	}
	if req.LicenseID == 0 {
		return nil, subscriptiondomain.ErrInvalidLicense
	}
	subType := subscriptiondomain.SubscriptionType(strings.ToLower(strings.TrimSpace(string(req.SubscriptionType))))
	if subType == "" {
		subType = subscriptiondomain.SubscriptionTypeMonthly
	}
	if !subType.Valid() {
		return nil, subscriptiondomain.ErrInvalidSubscriptionType
	}

	if err := s.authorize(ctx, actor, req.CallerID, req.DatasetID, authorization.ActionSubscriptionCreate); err != nil {
		return nil, err
	}

	dataset, err := s.datasetSvc.GetByID(ctx, req.DatasetID)
	if err != nil {
		return nil, err
	}
	if !dataset.Active {
		return nil, subscriptiondomain.ErrInactiveReference
	}
	license, err := s.licenseSvc.GetByID(ctx, req.LicenseID)
	if err != nil {
		if errors.Is(err, licensedomain.ErrLicenseNotFound) {
			return nil, subscriptiondomain.ErrInvalidLicense
		}
		return nil, err
	}
	if !license.Active || license.DatasetID != req.DatasetID {
		return nil, subscriptiondomain.ErrInvalidLicense
	}

	autoRenew := true
	if req.AutoRenew != nil {
		autoRenew = *req.AutoRenew
	}

	now := s.clock.Now()
	subscription := &subscriptiondomain.Subscription{
		ID:               s.genID.Generate(),
		CallerID:         req.CallerID,
		DatasetID:        req.DatasetID,
		LicenseID:        req.LicenseID,
		Status:           subscriptiondomain.SubscriptionStatusActive,
		SubscriptionType: subType,
		StartDate:        now,
		AutoRenew:        autoRenew,
		LastUsageReset:   now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if period, ok := subType.Period(); ok {
		end := now.Add(period)
		subscription.EndDate = &end
	}
	switch subType {
	case subscriptiondomain.SubscriptionTypeMonthly:
		subscription.MonthlyPrice = license.MonthlyPrice
	case subscriptiondomain.SubscriptionTypeAnnual:
		subscription.AnnualPrice = license.AnnualPrice
	}
	if req.Metadata != nil {
		subscription.Metadata = datatypes.JSONMap(req.Metadata)
	}
	charge := subscriptiondomain.MonthlyEquivalent(subType, subscription.MonthlyPrice, subscription.AnnualPrice)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		caller, err := s.callerRepo.FindByIDForUpdate(ctx, tx, req.CallerID)
		if err != nil {
			return err
		}
		if caller == nil {
			return callerdomain.ErrCallerNotFound
		}
		if !caller.Active {
			return callerdomain.ErrCallerInactive
		}

		existing, err := s.repo.FindActive(ctx, tx, req.CallerID, req.DatasetID)
		if err != nil {
			return err
		}
		if existing != nil {
			return subscriptiondomain.ErrAlreadySubscribed
		}

		if !caller.SpendLimitExempt() && caller.CurrentMonthlySpend+charge > caller.MonthlySpendLimit {
			return subscriptiondomain.ErrSpendLimitExceeded
		}

		if err := s.repo.Insert(ctx, tx, subscription); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrAlreadySubscribed
			}
			return err
		}
		if charge > 0 {
			return s.callerRepo.AddMonthlySpend(ctx, tx, req.CallerID, charge, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("caller_id", subscription.CallerID.String()),
		zap.String("dataset_id", subscription.DatasetID.String()),
		zap.String("license_id", subscription.LicenseID.String()),
		zap.String("subscription_type", string(subType)),
		zap.String("monthly_charge", charge.String()),
	)
	s.audit(ctx, actor, authorization.ActionSubscriptionCreate, subscription, map[string]any{
		"license_id":        subscription.LicenseID.String(),
		"subscription_type": string(subType),
		"monthly_charge":    charge.String(),
	})
	return subscription, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if id == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	subscription, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) GetActive(ctx context.Context, callerID, datasetID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	subscription, err := s.repo.FindActive(ctx, s.db, callerID, datasetID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) ListByCaller(ctx context.Context, callerID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	if callerID == 0 {
		return nil, subscriptiondomain.ErrInvalidCaller
	}
	return s.repo.ListByCaller(ctx, s.db, callerID)
}

func (s *Service) GetStatus(ctx context.Context, callerID, datasetID snowflake.ID) (*subscriptiondomain.StatusView, error) {
	subscription, err := s.repo.FindLatest(ctx, s.db, callerID, datasetID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	license, err := s.licenseSvc.GetByID(ctx, subscription.LicenseID)
	if err != nil {
		return nil, err
	}

	return &subscriptiondomain.StatusView{
		SubscriptionID:   subscription.ID,
		Status:           subscription.Status,
		SubscriptionType: subscription.SubscriptionType,
		StartDate:        subscription.StartDate,
		EndDate:          subscription.EndDate,
		AutoRenew:        subscription.AutoRenew,
		License: subscriptiondomain.LicenseSummary{
			ID:   license.ID,
			Name: license.Name,
			Tier: string(license.Tier),
		},
		CurrentPeriod: subscriptiondomain.PeriodUsage{
			Start:           subscription.LastUsageReset,
			APICalls:        subscription.APICalls,
			RecordsAccessed: subscription.RecordsAccessed,
			Cost:            subscription.UsageCost,
		},
		Limits: subscriptiondomain.Limits{
			RatePerMinute:        license.RateLimitPerMinute,
			RatePerDay:           license.RateLimitPerDay,
			RatePerMonth:         license.RateLimitPerMonth,
			MaxRecordsPerRequest: license.MaxRecordsPerRequest,
		},
	}, nil
}

// Renew extends an auto-renewing subscription by one period and starts a
// fresh usage period. Usage events are untouched.
func (s *Service) Renew(ctx context.Context, actor string, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, actor, id, authorization.ActionSubscriptionRenew, func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
		if sub.Status != subscriptiondomain.SubscriptionStatusActive || !sub.AutoRenew || sub.EndDate == nil {
			return subscriptiondomain.ErrNotRenewable
		}
		if sub.EndDate.After(now.Add(s.renewalHorizon)) {
			return subscriptiondomain.ErrNotRenewable
		}
		period, ok := sub.SubscriptionType.Period()
		if !ok {
			return subscriptiondomain.ErrNotRenewable
		}

		end := sub.EndDate.Add(period)
		if err := s.repo.StartPeriod(ctx, tx, sub.ID, end, now); err != nil {
			return err
		}
		sub.EndDate = &end
		sub.APICalls = 0
		sub.RecordsAccessed = 0
		sub.UsageCost = 0
		sub.LastUsageReset = now
		sub.UpdatedAt = now
		return nil
	})
}

// Cancel stops renewal and ends access from the next request on.
func (s *Service) Cancel(ctx context.Context, actor string, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.moveTo(ctx, actor, id, authorization.ActionSubscriptionCancel, subscriptiondomain.SubscriptionStatusCancelled, func(sub *subscriptiondomain.Subscription, now time.Time) error {
		sub.AutoRenew = false
		sub.CancelledAt = &now
		return nil
	})
}

func (s *Service) Suspend(ctx context.Context, actor string, id snowflake.ID, reason string) (*subscriptiondomain.Subscription, error) {
	return s.moveTo(ctx, actor, id, authorization.ActionSubscriptionSuspend, subscriptiondomain.SubscriptionStatusSuspended, func(sub *subscriptiondomain.Subscription, now time.Time) error {
		sub.SuspendedAt = &now
		if trimmed := strings.TrimSpace(reason); trimmed != "" {
			sub.SuspendReason = &trimmed
		}
		return nil
	})
}

func (s *Service) Reinstate(ctx context.Context, actor string, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, actor, id, authorization.ActionSubscriptionReinstate, func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
		if sub.Status == subscriptiondomain.SubscriptionStatusActive {
			return nil
		}
		if !isTransitionAllowed(sub.Status, subscriptiondomain.SubscriptionStatusActive) {
			return subscriptiondomain.ErrInvalidTransition
		}
		existing, err := s.repo.FindActive(ctx, tx, sub.CallerID, sub.DatasetID)
		if err != nil {
			return err
		}
		if existing != nil {
			return subscriptiondomain.ErrAlreadySubscribed
		}

		sub.Status = subscriptiondomain.SubscriptionStatusActive
		sub.SuspendedAt = nil
		sub.SuspendReason = nil
		sub.UpdatedAt = now
		if err := s.repo.UpdateLifecycle(ctx, tx, sub); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrAlreadySubscribed
			}
			return err
		}
		return nil
	})
}

// Expire ends an active subscription whose end date has passed and which
// does not auto-renew.
func (s *Service) Expire(ctx context.Context, actor string, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, actor, id, authorization.ActionSubscriptionExpire, func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
		if sub.Status == subscriptiondomain.SubscriptionStatusExpired {
			return nil
		}
		if !isTransitionAllowed(sub.Status, subscriptiondomain.SubscriptionStatusExpired) {
			return subscriptiondomain.ErrInvalidTransition
		}
		if !sub.EndedBy(now) || sub.AutoRenew {
			return subscriptiondomain.ErrNotExpirable
		}
		sub.Status = subscriptiondomain.SubscriptionStatusExpired
		sub.UpdatedAt = now
		return s.repo.UpdateLifecycle(ctx, tx, sub)
	})
}

func (s *Service) ListExpiring(ctx context.Context, daysAhead int, limit int) ([]subscriptiondomain.Subscription, error) {
	if daysAhead < 0 {
		return nil, subscriptiondomain.ErrInvalidDaysAhead
	}
	cutoff := s.clock.Now().Add(time.Duration(daysAhead) * 24 * time.Hour)
	return s.repo.ListEndingBefore(ctx, s.db, cutoff, true, limit)
}

func (s *Service) ListLapsed(ctx context.Context, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListEndingBefore(ctx, s.db, s.clock.Now(), false, limit)
}

// moveTo applies a simple status change. Repeating a change already made
// is a no-op.
func (s *Service) moveTo(
	ctx context.Context,
	actor string,
	id snowflake.ID,
	action string,
	target subscriptiondomain.SubscriptionStatus,
	apply func(sub *subscriptiondomain.Subscription, now time.Time) error,
) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, actor, id, action, func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
		if sub.Status == target {
			return nil
		}
		if !isTransitionAllowed(sub.Status, target) {
			return subscriptiondomain.ErrInvalidTransition
		}
		if err := apply(sub, now); err != nil {
			return err
		}
		sub.Status = target
		sub.UpdatedAt = now
		return s.repo.UpdateLifecycle(ctx, tx, sub)
	})
}

// transition authorizes actor, then runs fn against the row locked for update.
func (s *Service) transition(
	ctx context.Context,
	actor string,
	id snowflake.ID,
	action string,
	fn func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error,
) (*subscriptiondomain.Subscription, error) {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, current.CallerID, current.DatasetID, action); err != nil {
		return nil, err
	}

	from := current.Status
	var result *subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if err := fn(tx, subscription, s.clock.Now()); err != nil {
			return err
		}
		result = subscription
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription transitioned",
		zap.String("subscription_id", result.ID.String()),
		zap.String("action", action),
		zap.String("status", string(result.Status)),
		zap.String("actor", actor),
	)
	// Repeated transitions are no-ops and leave no trail.
	if from == result.Status && action != authorization.ActionSubscriptionRenew {
		return result, nil
	}
	meta := map[string]any{"from": string(from), "to": string(result.Status)}
	if result.SuspendReason != nil {
		meta["reason"] = *result.SuspendReason
	}
	if result.EndDate != nil {
		meta["end_date"] = result.EndDate.UTC().Format(time.RFC3339)
	}
	s.audit(ctx, actor, action, result, meta)
	return result, nil
}

func (s *Service) audit(ctx context.Context, actor, action string, sub *subscriptiondomain.Subscription, meta map[string]any) {
	if s.auditSvc == nil {
		return
	}
	meta["dataset_id"] = sub.DatasetID.String()
	meta["subscriber_id"] = sub.CallerID.String()
	_ = s.auditSvc.Record(ctx, auditdomain.Entry{
		Actor:      actor,
		Action:     action,
		TargetType: auditdomain.TargetSubscription,
		TargetID:   sub.ID.String(),
		Metadata:   meta,
	})
}

// authorize checks the action against policy. Callers may only act on their
// own subscriptions.
func (s *Service) authorize(ctx context.Context, actor string, callerID, datasetID snowflake.ID, action string) error {
	if err := s.authz.Authorize(ctx, actor, authorization.DatasetScope(datasetID), authorization.ObjectSubscription, action); err != nil {
		return err
	}
	if actorCallerID, ok := authorization.CallerFromActor(actor); ok && actorCallerID != callerID {
		return authorization.ErrForbidden
	}
	return nil
}

func isTransitionAllowed(current, target subscriptiondomain.SubscriptionStatus) bool {
	switch current {
	case subscriptiondomain.SubscriptionStatusActive:
		return target == subscriptiondomain.SubscriptionStatusSuspended ||
			target == subscriptiondomain.SubscriptionStatusCancelled ||
			target == subscriptiondomain.SubscriptionStatusExpired
	case subscriptiondomain.SubscriptionStatusSuspended:
		return target == subscriptiondomain.SubscriptionStatusActive
	default:
		return false
	}
}
