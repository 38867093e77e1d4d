package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/pricing"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func event(id int64) usagedomain.UsageEvent {
	return usagedomain.UsageEvent{
		ID:             snowflake.ID(id),
		CallerID:       snowflake.ID(10),
		DatasetID:      snowflake.ID(20),
		SubscriptionID: snowflake.ID(30),
		CostAmount:     pricing.MustParse("0.06"),
		CostBasis:      pricing.BasisPerRecord,
		Timestamp:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func queues(t *testing.T) map[string]Queue {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Queue{
		"redis":  NewQueue(client),
		"memory": NewQueue(nil),
	}
}

func TestQueueIsFIFO(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := int64(1); i <= 3; i++ {
				require.NoError(t, q.Push(ctx, NewEntry(event(i), errors.New("db down"), time.Now())))
			}
			depth, err := q.Len(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 3, depth)

			first, err := q.Pop(ctx, 2)
			require.NoError(t, err)
			require.Len(t, first, 2)
			assert.Equal(t, snowflake.ID(1), first[0].Event.ID)
			assert.Equal(t, snowflake.ID(2), first[1].Event.ID)
			assert.Equal(t, "db down", first[0].LastError)
			assert.Equal(t, pricing.MustParse("0.06"), first[0].Event.CostAmount)
			assert.NotEmpty(t, first[0].ID)

			rest, err := q.Pop(ctx, 10)
			require.NoError(t, err)
			require.Len(t, rest, 1)
			assert.Equal(t, snowflake.ID(3), rest[0].Event.ID)

			empty, err := q.Pop(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

type recorderStub struct {
	err       error
	persisted []snowflake.ID
}

func (r *recorderStub) RecordUsage(context.Context, usagedomain.RecordUsageRequest) (*usagedomain.UsageEvent, error) {
	return nil, errors.New("not used")
}

func (r *recorderStub) Persist(_ context.Context, event *usagedomain.UsageEvent) error {
	if r.err != nil {
		return r.err
	}
	r.persisted = append(r.persisted, event.ID)
	return nil
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	recorder := &recorderStub{err: errors.New("still down")}
	worker := NewWorker(Params{
		Log:      zap.NewNop(),
		Config:   config.Config{Usage: config.UsageConfig{ReconcileMaxAttempts: 2}},
		Queue:    q,
		Recorder: recorder,
	})
	require.NoError(t, q.Push(ctx, NewEntry(event(1), nil, time.Now())))

	result, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Requeued: 1}, result)

	result, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{DeadLettered: 1}, result)

	depth, _ := q.Len(ctx)
	dead, _ := q.DeadLetterLen(ctx)
	assert.Zero(t, depth)
	assert.EqualValues(t, 1, dead)

	recorder.err = nil
	result, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
	assert.Empty(t, recorder.persisted)
}

type cancellingRecorder struct {
	cancel context.CancelFunc
	calls  int
}

func (r *cancellingRecorder) RecordUsage(context.Context, usagedomain.RecordUsageRequest) (*usagedomain.UsageEvent, error) {
	return nil, errors.New("not used")
}

func (r *cancellingRecorder) Persist(ctx context.Context, _ *usagedomain.UsageEvent) error {
	r.calls++
	r.cancel()
	return ctx.Err()
}

func TestWorkerReleasesBatchWhenDeadlinePasses(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			for i := int64(1); i <= 3; i++ {
				require.NoError(t, q.Push(context.Background(), NewEntry(event(i), errors.New("db down"), time.Now())))
			}

			ctx, cancel := context.WithCancel(context.Background())
			recorder := &cancellingRecorder{cancel: cancel}
			worker := NewWorker(Params{Log: zap.NewNop(), Queue: q, Recorder: recorder})

			result, err := worker.RunOnce(ctx)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, Result{}, result)
			assert.Equal(t, 1, recorder.calls)

			bg := context.Background()
			depth, err := q.Len(bg)
			require.NoError(t, err)
			assert.EqualValues(t, 3, depth)
			dead, err := q.DeadLetterLen(bg)
			require.NoError(t, err)
			assert.Zero(t, dead)

			entries, err := q.Pop(bg, 10)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			for i, entry := range entries {
				assert.Equal(t, snowflake.ID(i+1), entry.Event.ID)
				assert.Zero(t, entry.Attempts)
			}
		})
	}
}

func TestRedisQueueRestoresUnsettledClaims(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewQueue(client)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Push(ctx, NewEntry(event(i), nil, time.Now())))
	}
	claimed, err := q.Pop(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, q.Ack(ctx, claimed[0]))

	// The worker died before settling the second entry.
	again, err := q.Pop(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, snowflake.ID(2), again[0].Event.ID)
	assert.Equal(t, snowflake.ID(3), again[1].Event.ID)
}
