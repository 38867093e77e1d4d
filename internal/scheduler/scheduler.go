package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/authorization"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	"github.com/smallbiznis/licensegate/internal/usage/archive"
	"github.com/smallbiznis/licensegate/internal/usage/reconcile"
	"github.com/smallbiznis/licensegate/pkg/kv"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	JobRenewSubscriptions  = "renew_subscriptions"
	JobExpireSubscriptions = "expire_subscriptions"
	JobResetMonthlySpend   = "reset_monthly_spend"
	JobReconcileUsage      = "reconcile_usage"
	JobArchiveUsage        = "archive_usage"

	lockKeyPrefix = "scheduler:lock:"
	// maxRounds bounds how many batches one sweep pass takes.
	maxRounds = 10
)

var (
	ErrInvalidConfig = errors.New("invalid scheduler configuration")
	ErrUnknownJob    = errors.New("unknown scheduler job")
)

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Config          Config `optional:"true"`
	SubscriptionSvc subscriptiondomain.Service
	CallerSvc       callerdomain.Service
	Reconciler      *reconcile.Worker `optional:"true"`
	Archiver        *archive.Archiver `optional:"true"`
	Locker          *kv.Locker        `optional:"true"`
	Ops             *metrics.Ops      `optional:"true"`
}

// Scheduler runs the periodic maintenance jobs: renewals, expiry, spend
// resets, usage reconciliation and archiving. Each job takes a Redis lease
// when one is configured so that a single replica runs it at a time.
type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	callerSvc       callerdomain.Service
	reconciler      *reconcile.Worker
	archiver        *archive.Archiver
	locker          *kv.Locker
	ops             *metrics.Ops

	mu      sync.Mutex
	lastRun map[string]time.Time
}

type job struct {
	name    string
	every   time.Duration
	enabled bool
	run     func(ctx context.Context, run *jobRun) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.CallerSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		callerSvc:       p.CallerSvc,
		reconciler:      p.Reconciler,
		archiver:        p.Archiver,
		locker:          p.Locker,
		ops:             p.Ops,
		lastRun:         map[string]time.Time{},
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobRenewSubscriptions, s.cfg.SweepInterval, s.cfg.RenewalEnabled, s.renewSubscriptions},
		{JobExpireSubscriptions, s.cfg.SweepInterval, true, s.expireSubscriptions},
		{JobResetMonthlySpend, s.cfg.SpendResetInterval, true, s.resetMonthlySpend},
		{JobReconcileUsage, s.cfg.ReconcileInterval, s.reconciler != nil, s.reconcileUsage},
		{JobArchiveUsage, s.cfg.ArchiveInterval, s.archiver.Enabled(), s.archiveUsage},
	}
}

// RunOnce runs every enabled job whose interval has elapsed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	now := s.clock.Now()
	for _, j := range s.jobs() {
		if !j.enabled || !s.isJobEnabled(j.name) || !s.due(j.name, j.every, now) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, j))
	}
	return err
}

// Run runs one job immediately regardless of its interval.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	for _, j := range s.jobs() {
		if j.name != name {
			continue
		}
		if !j.enabled {
			return fmt.Errorf("%s: job is disabled", name)
		}
		return s.runJob(ctx, j)
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) due(name string, every time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastRun[name]; ok && now.Before(last.Add(every)) {
		return false
	}
	s.lastRun[name] = now
	return true
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) runJob(parent context.Context, j job) error {
	started := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	release, acquired, err := s.acquire(ctx, j.name)
	if err != nil {
		s.log.Warn("job lease unavailable, skipping", zap.String("job", j.name), zap.Error(err))
		return nil
	}
	if !acquired {
		s.log.Debug("job lease held elsewhere", zap.String("job", j.name))
		return nil
	}
	defer release()

	ctx, run := s.startJobRun(ctx, j.name)
	s.logJobStart(ctx, run)
	err = j.run(ctx, run)
	s.ops.ObserveJob(j.name, started, err)
	if err != nil {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout: the next pass picks up the remainder.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", j.name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", j.name, err)
}

// acquire takes the job lease. Without a locker every job runs unguarded.
func (s *Scheduler) acquire(ctx context.Context, name string) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	key := lockKeyPrefix + name
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LeaseTTL)
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.log.Warn("job lease release failed", zap.String("job", name), zap.Error(err))
		}
	}, true, nil
}

func (s *Scheduler) renewSubscriptions(ctx context.Context, run *jobRun) error {
	var (
		mu     sync.Mutex
		jobErr error
	)
	for round := 0; round < maxRounds; round++ {
		subs, err := s.subscriptionSvc.ListExpiring(ctx, s.cfg.RenewalHorizonDays, s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			break
		}

		before := run.Count("renewed")
		var g errgroup.Group
		g.SetLimit(s.cfg.RenewalConcurrency)
		for _, sub := range subs {
			g.Go(func() error {
				renewed, err := s.subscriptionSvc.Renew(ctx, authorization.SystemActor, sub.ID)
				if err != nil {
					run.Add("failed", 1)
					s.logJobError(ctx, run, "scheduler.renewal.failed", err,
						zap.String("subscription_id", sub.ID.String()),
					)
					mu.Lock()
					jobErr = errors.Join(jobErr, err)
					mu.Unlock()
					return nil
				}
				run.Add("renewed", 1)
				s.logger(ctx).Info("subscription renewed",
					zap.String("subscription_id", renewed.ID.String()),
					zap.Timep("end_date", renewed.EndDate),
				)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if run.Count("renewed") == before || len(subs) < s.cfg.BatchSize {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) expireSubscriptions(ctx context.Context, run *jobRun) error {
	var jobErr error
	for round := 0; round < maxRounds; round++ {
		subs, err := s.subscriptionSvc.ListLapsed(ctx, s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		expired := 0
		for _, sub := range subs {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			if _, err := s.subscriptionSvc.Expire(ctx, authorization.SystemActor, sub.ID); err != nil {
				run.Add("failed", 1)
				s.logJobError(ctx, run, "scheduler.expiry.failed", err,
					zap.String("subscription_id", sub.ID.String()),
				)
				jobErr = errors.Join(jobErr, err)
				continue
			}
			expired++
		}
		run.Add("expired", expired)
		if expired == 0 || len(subs) < s.cfg.BatchSize {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) resetMonthlySpend(ctx context.Context, run *jobRun) error {
	n, err := s.callerSvc.ResetMonthlySpend(ctx)
	if err != nil {
		return err
	}
	run.Add("reset", int(n))
	return nil
}

func (s *Scheduler) reconcileUsage(ctx context.Context, run *jobRun) error {
	result, err := s.reconciler.RunOnce(ctx)
	run.Add("replayed", result.Replayed)
	run.Add("requeued", result.Requeued)
	run.Add("dead_lettered", result.DeadLettered)
	return err
}

func (s *Scheduler) archiveUsage(ctx context.Context, run *jobRun) error {
	result, err := s.archiver.Run(ctx, authorization.SystemActor)
	run.Add("exported", result.Exported)
	run.Add("deleted", int(result.Deleted))
	return err
}
