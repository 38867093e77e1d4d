package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accessdomain "github.com/smallbiznis/licensegate/internal/access/domain"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	"github.com/smallbiznis/licensegate/internal/observability/tracing"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultStoreTimeout = 2 * time.Second

type Service struct {
	log    *zap.Logger
	tracer trace.Tracer
	clock  clock.Clock

	storeTimeout time.Duration

	subscriptionSvc subscriptiondomain.Service
	licenseSvc      licensedomain.Service
	callerSvc       callerdomain.Service
	usage           usagedomain.Store

	obsMetrics *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	Config          config.Config
	SubscriptionSvc subscriptiondomain.Service
	LicenseSvc      licensedomain.Service
	CallerSvc       callerdomain.Service
	Usage           usagedomain.Store
	Metrics         *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) accessdomain.Service {
	timeout := p.Config.Access.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &Service{
		log:    p.Log.Named("access.service"),
		tracer: otel.Tracer("licensegate/access"),
		clock:  p.Clock,

		storeTimeout: timeout,

		subscriptionSvc: p.SubscriptionSvc,
		licenseSvc:      p.LicenseSvc,
		callerSvc:       p.CallerSvc,
		usage:           p.Usage,

		obsMetrics: p.Metrics,
	}
}

func (s *Service) ValidateAccess(ctx context.Context, req accessdomain.AccessRequest) (accessdomain.Decision, error) {
	switch {
	case req.CallerID == 0:
		return accessdomain.Decision{}, accessdomain.ErrInvalidCaller
	case req.DatasetID == 0:
		return accessdomain.Decision{}, accessdomain.ErrInvalidDataset
	case req.RequestedRecords < 0:
		return accessdomain.Decision{}, accessdomain.ErrInvalidRecords
	}

	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "access.validate", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("dataset_id", req.DatasetID.String()),
		attribute.Int64("requested_records", req.RequestedRecords),
	)...))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	ev := &evaluation{req: req, now: s.clock.Now().UTC()}
	decision := s.evaluate(ctx, ev)

	code := ""
	if decision.Denial != nil {
		code = decision.Denial.Code
		span.SetAttributes(attribute.String("denial", code))
	}
	s.obsMetrics.RecordAccessDecision(ctx, code, time.Since(started))
	return decision, nil
}

func (s *Service) evaluate(ctx context.Context, ev *evaluation) accessdomain.Decision {
	for _, c := range s.pipeline() {
		denial, err := c.run(ctx, ev)
		if err != nil {
			s.log.Error("access check failed, denying",
				zap.String("check", c.name),
				zap.String("caller_id", ev.req.CallerID.String()),
				zap.String("dataset_id", ev.req.DatasetID.String()),
				zap.Error(err),
			)
			denial = deny(accessdomain.CodeStoreUnavailable, "Usage store unavailable, try again shortly", nil)
		}
		if denial != nil {
			return accessdomain.Decision{Denial: denial}
		}
	}

	limits := accessdomain.Limits{
		PerMinute: ev.license.RateLimitPerMinute,
		PerDay:    ev.license.RateLimitPerDay,
		PerMonth:  ev.license.RateLimitPerMonth,
	}
	return accessdomain.Decision{Grant: &accessdomain.Grant{
		SubscriptionID: ev.subscription.ID,
		LicenseID:      ev.license.ID,
		Tier:           ev.license.Tier,
		Features:       ev.license.Features(),
		Cost:           ev.cost,
		CostBasis:      ev.basis,
		Rates:          ev.license.Rates(),
		Limits:         limits,
		Remaining: accessdomain.Remaining{
			Daily:   limits.PerDay - ev.counts.Day,
			Monthly: limits.PerMonth - ev.counts.Month,
			Minute:  limits.PerMinute - ev.counts.Minute,
		},
	}}
}

func (s *Service) QuotaStatus(ctx context.Context, callerID, datasetID snowflake.ID) (*accessdomain.QuotaStatus, error) {
	if callerID == 0 {
		return nil, accessdomain.ErrInvalidCaller
	}
	if datasetID == 0 {
		return nil, accessdomain.ErrInvalidDataset
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	sub, err := s.subscriptionSvc.GetActive(ctx, callerID, datasetID)
	if err != nil {
		return nil, err
	}
	license, err := s.licenseSvc.GetByID(ctx, sub.LicenseID)
	if err != nil {
		return nil, err
	}
	loc, err := s.callerLocation(ctx, callerID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	windows := windowsAt(now, loc)
	counts, err := s.usage.CountWindows(ctx, callerID, datasetID, windows)
	if err != nil {
		return nil, err
	}
	minuteReset := now.Add(minuteWindow)
	if oldest, err := s.usage.OldestSince(ctx, callerID, datasetID, windows.MinuteStart); err != nil {
		return nil, err
	} else if oldest != nil {
		minuteReset = oldest.Add(minuteWindow)
	}

	return &accessdomain.QuotaStatus{
		SubscriptionID: sub.ID,
		Minute:         windowStatus(license.RateLimitPerMinute, counts.Minute, minuteReset),
		Daily:          windowStatus(license.RateLimitPerDay, counts.Day, nextDay(windows.DayStart, loc)),
		Monthly:        windowStatus(license.RateLimitPerMonth, counts.Month, nextMonth(windows.MonthStart, loc)),
	}, nil
}

func windowStatus(limit, used int64, reset time.Time) accessdomain.WindowStatus {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return accessdomain.WindowStatus{Limit: limit, Used: used, Remaining: remaining, ResetAt: reset}
}
