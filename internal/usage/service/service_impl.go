package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	"github.com/smallbiznis/licensegate/internal/observability/tracing"
	"github.com/smallbiznis/licensegate/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usage/reconcile"
	"github.com/smallbiznis/licensegate/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultRetryMaxAttempts     = 3
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = time.Second
)

// errAlreadyRecorded aborts a replay whose event id is already stored.
var errAlreadyRecorded = errors.New("usage_event_already_recorded")

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	tracer trace.Tracer

	genID *snowflake.Node
	clock clock.Clock
	retry config.UsageConfig

	repo             usagedomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	callerRepo       callerdomain.Repository
	licenseSvc       licensedomain.Service
	datasetSvc       datasetdomain.Service
	queue            reconcile.Queue

	obsMetrics *metrics.Metrics
	ops        *metrics.Ops
}

type ServiceParam struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Config           config.Config
	Repo             usagedomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	CallerRepo       callerdomain.Repository
	LicenseSvc       licensedomain.Service
	DatasetSvc       datasetdomain.Service
	Queue            reconcile.Queue
	Metrics          *metrics.Metrics `optional:"true"`
	Ops              *metrics.Ops     `optional:"true"`
}

func NewService(p ServiceParam) usagedomain.Service {
	retry := p.Config.Usage
	if retry.RetryMaxAttempts == 0 {
		retry.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	if retry.RetryInitialInterval <= 0 {
		retry.RetryInitialInterval = defaultRetryInitialInterval
	}
	if retry.RetryMaxInterval <= 0 {
		retry.RetryMaxInterval = defaultRetryMaxInterval
	}
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("usage.service"),
		tracer: otel.Tracer("licensegate/usage"),

		genID: p.GenID,
		clock: p.Clock,
		retry: retry,

		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
		callerRepo:       p.CallerRepo,
		licenseSvc:       p.LicenseSvc,
		datasetSvc:       p.DatasetSvc,
		queue:            p.Queue,

		obsMetrics: p.Metrics,
		ops:        p.Ops,
	}
}

func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.UsageEvent, error) {
	switch {
	case req.CallerID == 0:
		return nil, usagedomain.ErrInvalidCaller
	case req.DatasetID == 0:
		return nil, usagedomain.ErrInvalidDataset
	case req.SubscriptionID == 0:
		return nil, usagedomain.ErrInvalidSubscription
	case req.LicenseID == 0:
		return nil, usagedomain.ErrInvalidLicense
	case req.RecordsReturned < 0:
		return nil, usagedomain.ErrInvalidRecords
	}

	ctx, span := s.tracer.Start(ctx, "usage.record", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("dataset_id", req.DatasetID.String()),
		attribute.String("endpoint", req.Endpoint),
	)...))
	defer span.End()

	event, err := s.newEvent(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, "pricing failed")
		span.RecordError(tracing.SafeError(err))
		s.ops.IncRecordingFailure(err)
		s.log.Error("usage event lost",
			zap.Any("request", req),
			zap.Error(err),
		)
		return nil, errors.Join(usagedomain.ErrRecordingLost, err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := s.Persist(ctx, event)
		if err == nil || db.IsTransient(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, s.retryOptions("retrying usage event", zap.String("event_id", event.ID.String()))...)
	if err != nil {
		span.SetStatus(codes.Error, "recording failed")
		return event, s.enqueue(ctx, event, err)
	}

	s.obsMetrics.RecordUsage(ctx, string(event.CostBasis), event.CostAmount.Micros())
	return event, nil
}

func (s *Service) Persist(ctx context.Context, event *usagedomain.UsageEvent) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, event); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errAlreadyRecorded
			}
			return err
		}
		if err := s.subscriptionRepo.IncrementUsage(ctx, tx, event.SubscriptionID, event.RecordsReturned, event.CostAmount, event.Timestamp); err != nil {
			return err
		}
		return s.callerRepo.AddMonthlySpend(ctx, tx, event.CallerID, event.CostAmount, event.Timestamp)
	})
	if errors.Is(err, errAlreadyRecorded) {
		return nil
	}
	return err
}

// newEvent prices req with the rates it carries, or with its license looked
// up under the same retry policy as the write.
func (s *Service) newEvent(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.UsageEvent, error) {
	if req.Rates != nil {
		return s.buildEvent(req, *req.Rates), nil
	}
	license, err := backoff.Retry(ctx, func() (*licensedomain.License, error) {
		license, err := s.licenseSvc.GetByID(ctx, req.LicenseID)
		if err == nil || db.IsTransient(err) {
			return license, err
		}
		return nil, backoff.Permanent(err)
	}, s.retryOptions("retrying license lookup", zap.String("license_id", req.LicenseID.String()))...)
	if err != nil {
		return nil, err
	}
	return s.buildEvent(req, license.Rates()), nil
}

func (s *Service) buildEvent(req usagedomain.RecordUsageRequest, rates pricing.Rates) *usagedomain.UsageEvent {
	at := req.Timestamp
	if at.IsZero() {
		at = s.clock.Now()
	}
	cost, basis := pricing.Cost(rates, req.RecordsReturned)

	var params datatypes.JSONMap
	if len(req.QueryParams) > 0 {
		params = datatypes.JSONMap(req.QueryParams)
	}
	return &usagedomain.UsageEvent{
		ID:                s.genID.Generate(),
		CallerID:          req.CallerID,
		DatasetID:         req.DatasetID,
		SubscriptionID:    req.SubscriptionID,
		Endpoint:          strings.TrimSpace(req.Endpoint),
		Method:            strings.ToUpper(strings.TrimSpace(req.Method)),
		RecordsReturned:   req.RecordsReturned,
		ResponseSizeBytes: req.ResponseSizeBytes,
		ResponseTimeMs:    req.ResponseTimeMs,
		StatusCode:        req.StatusCode,
		CostAmount:        cost,
		CostBasis:         basis,
		Timestamp:         at.UTC(),
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		QueryParams:       params,
		CreatedAt:         s.clock.Now(),
	}
}

func (s *Service) retryOptions(msg string, fields ...zap.Field) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.RetryInitialInterval
	b.MaxInterval = s.retry.RetryMaxInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.retry.RetryMaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Debug(msg, append(fields, zap.Duration("backoff", next), zap.Error(err))...)
		}),
	}
}

// enqueue hands an event that exhausted its retries to the reconcile queue.
func (s *Service) enqueue(ctx context.Context, event *usagedomain.UsageEvent, cause error) error {
	s.ops.IncRecordingFailure(cause)
	s.obsMetrics.RecordRecordingFailure(ctx, metrics.ClassifyJobReason(cause))

	// The request context may already be done; the queue write must not be.
	queueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := s.queue.Push(queueCtx, reconcile.NewEntry(*event, cause, s.clock.Now())); err != nil {
		s.log.Error("usage event lost",
			zap.Any("event", event),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return errors.Join(usagedomain.ErrRecordingLost, cause, err)
	}

	s.log.Warn("usage event queued for reconciliation",
		zap.String("event_id", event.ID.String()),
		zap.String("caller_id", event.CallerID.String()),
		zap.String("subscription_id", event.SubscriptionID.String()),
		zap.Error(cause),
	)
	return errors.Join(usagedomain.ErrRecordingFailed, cause)
}

func (s *Service) CountWindows(ctx context.Context, callerID, datasetID snowflake.ID, windows usagedomain.Windows) (usagedomain.WindowCounts, error) {
	return s.repo.CountWindows(ctx, s.db, callerID, datasetID, windows)
}

func (s *Service) OldestSince(ctx context.Context, callerID, datasetID snowflake.ID, since time.Time) (*time.Time, error) {
	return s.repo.OldestSince(ctx, s.db, callerID, datasetID, since)
}
