package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	"github.com/smallbiznis/licensegate/internal/testkit"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usage/reconcile"
	"github.com/smallbiznis/licensegate/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	env      *testkit.Env
	registry *prometheus.Registry
	ops      *metrics.Ops
}

func setup(t *testing.T) fixture {
	t.Helper()
	registry := prometheus.NewRegistry()
	return fixture{
		env:      testkit.New(t, start),
		registry: registry,
		ops:      metrics.NewOps(registry, metrics.Config{ServiceName: "licensegate", Environment: "test"}),
	}
}

func (f fixture) scheduler(t *testing.T, mutate func(*Params)) *Scheduler {
	t.Helper()
	p := Params{
		Log:   zap.NewNop(),
		GenID: f.env.Node,
		Clock: f.env.Clock,
		Config: Config{
			RenewalEnabled:     true,
			RenewalHorizonDays: 7,
			// sqlite serializes writers; keep renewals sequential in tests.
			RenewalConcurrency: 1,
		},
		SubscriptionSvc: f.env.SubscriptionSvc,
		CallerSvc:       f.env.CallerSvc,
		Ops:             f.ops,
	}
	if mutate != nil {
		mutate(&p)
	}
	s, err := New(p)
	require.NoError(t, err)
	return s
}

func (f fixture) subscription(t *testing.T, name string, autoRenew bool) *subscriptiondomain.Subscription {
	t.Helper()
	caller := f.env.Caller(t, name+"@example.com", callerdomain.TierStarter, "UTC")
	license := f.env.License(t, name)
	return f.env.Subscribe(t, caller, license, subscriptiondomain.SubscriptionTypeMonthly, autoRenew)
}

func TestRunOnceRenewsAndExpires(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	renewing := f.subscription(t, "equities", true)
	lapsing := f.subscription(t, "bonds", false)
	require.NoError(t, f.env.SetEndDate(ctx, renewing.ID, start.Add(48*time.Hour)))
	require.NoError(t, f.env.FastForwardSubscription(ctx, lapsing.ID))

	s := f.scheduler(t, nil)
	require.NoError(t, s.RunOnce(ctx))

	renewed, err := f.env.SubscriptionSvc.GetByID(ctx, renewing.ID)
	require.NoError(t, err)
	require.NotNil(t, renewed.EndDate)
	assert.WithinDuration(t, start.Add(48*time.Hour+30*24*time.Hour), *renewed.EndDate, 0)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, renewed.Status)

	expired, err := f.env.SubscriptionSvc.GetByID(ctx, lapsing.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, expired.Status)

	assert.Equal(t, 1.0, counterValue(t, f.registry, "licensegate_job_items_total", map[string]string{
		"job": JobRenewSubscriptions, "outcome": "renewed",
	}))
	assert.Equal(t, 1.0, counterValue(t, f.registry, "licensegate_job_items_total", map[string]string{
		"job": JobExpireSubscriptions, "outcome": "expired",
	}))
}

func TestRunOnceWaitsForInterval(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	s := f.scheduler(t, nil)

	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))
	runs := map[string]string{"job": JobExpireSubscriptions}
	assert.Equal(t, 1.0, counterValue(t, f.registry, "licensegate_job_runs_total", runs))

	f.env.Clock.Advance(DefaultConfig().SweepInterval)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 2.0, counterValue(t, f.registry, "licensegate_job_runs_total", runs))
	assert.Equal(t, 1.0, counterValue(t, f.registry, "licensegate_job_runs_total", map[string]string{"job": JobResetMonthlySpend}))
}

func TestJobSkippedWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := f.subscription(t, "equities", true)
	end := start.Add(24 * time.Hour)
	require.NoError(t, f.env.SetEndDate(ctx, sub.ID, end))

	mr := miniredis.RunT(t)
	locker := kv.NewLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	_, held, err := locker.TryLock(ctx, lockKeyPrefix+JobRenewSubscriptions, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	s := f.scheduler(t, func(p *Params) { p.Locker = locker })
	require.NoError(t, s.Run(ctx, JobRenewSubscriptions))
	got, err := f.env.SubscriptionSvc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, end, *got.EndDate, 0)

	mr.Del(lockKeyPrefix + JobRenewSubscriptions)
	require.NoError(t, s.Run(ctx, JobRenewSubscriptions))
	got, err = f.env.SubscriptionSvc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, end.Add(30*24*time.Hour), *got.EndDate, 0)
	assert.False(t, mr.Exists(lockKeyPrefix+JobRenewSubscriptions))
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	f := setup(t)
	s := f.scheduler(t, func(p *Params) { p.Config.JobTimeout = 5 * time.Millisecond })

	err := s.runJob(context.Background(), job{
		name: "timeout_job",
		run: func(ctx context.Context, _ *jobRun) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, f.registry, "licensegate_job_errors_total", map[string]string{
		"job": "timeout_job", "reason": metrics.JobReasonDeadlineExceeded,
	}))
}

type recorderStub struct {
	persisted []snowflake.ID
}

func (r *recorderStub) RecordUsage(context.Context, usagedomain.RecordUsageRequest) (*usagedomain.UsageEvent, error) {
	return nil, errors.New("not used")
}

func (r *recorderStub) Persist(_ context.Context, event *usagedomain.UsageEvent) error {
	r.persisted = append(r.persisted, event.ID)
	return nil
}

func TestReconcileJobReplaysQueue(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	queue := reconcile.NewMemoryQueue()
	recorder := &recorderStub{}
	worker := reconcile.NewWorker(reconcile.Params{
		Log:      zap.NewNop(),
		Config:   f.env.Config,
		Queue:    queue,
		Recorder: recorder,
	})
	event := usagedomain.UsageEvent{ID: snowflake.ID(42), Timestamp: start}
	require.NoError(t, queue.Push(ctx, reconcile.NewEntry(event, errors.New("db down"), start)))

	s := f.scheduler(t, func(p *Params) { p.Reconciler = worker })
	require.NoError(t, s.Run(ctx, JobReconcileUsage))

	assert.Equal(t, []snowflake.ID{42}, recorder.persisted)
	depth, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Equal(t, 1.0, counterValue(t, f.registry, "licensegate_job_items_total", map[string]string{
		"job": JobReconcileUsage, "outcome": "replayed",
	}))
}

func TestRunRejectsUnknownAndDisabledJobs(t *testing.T) {
	f := setup(t)
	s := f.scheduler(t, nil)

	assert.ErrorIs(t, s.Run(context.Background(), "rollup"), ErrUnknownJob)
	assert.Error(t, s.Run(context.Background(), JobArchiveUsage))

	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if labelsMatch(metric, labels) {
				require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

// labelsMatch ignores the constant service and env labels.
func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, label := range metric.Label {
		want, ok := labels[label.GetName()]
		if !ok {
			continue
		}
		if want != label.GetValue() {
			return false
		}
		matched++
	}
	return matched == len(labels)
}
