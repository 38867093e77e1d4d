package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 10
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	Queue    Queue
	Recorder usagedomain.Recorder
	Ops      *metrics.Ops `optional:"true"`
}

// Worker replays queued usage events. Entries that keep failing move to
// the dead-letter list after MaxAttempts replays.
type Worker struct {
	log         *zap.Logger
	queue       Queue
	recorder    usagedomain.Recorder
	ops         *metrics.Ops
	batchSize   int
	maxAttempts int
}

type Result struct {
	Replayed     int
	Requeued     int
	DeadLettered int
}

func NewWorker(p Params) *Worker {
	batchSize := p.Config.Usage.ReconcileBatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxAttempts := p.Config.Usage.ReconcileMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Worker{
		log:         p.Log.Named("usage.reconcile"),
		queue:       p.Queue,
		recorder:    p.Recorder,
		ops:         p.Ops,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
	}
}

// RunOnce drains at most one batch. When ctx ends mid-batch the entries not
// yet replayed are released back to the queue without counting an attempt.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var result Result

	entries, err := w.queue.Pop(ctx, w.batchSize)
	if err != nil && len(entries) == 0 {
		return result, err
	}

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for i, entry := range entries {
		if ctx.Err() != nil {
			errs = append(errs, w.release(ctx, entries[i:]), ctx.Err())
			break
		}

		event := entry.Event
		replayErr := w.recorder.Persist(ctx, &event)
		if replayErr == nil {
			result.Replayed++
			w.ack(ctx, entry)
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, w.release(ctx, entries[i:]), ctx.Err())
			break
		}

		entry.Attempts++
		entry.LastError = replayErr.Error()
		if entry.Attempts >= w.maxAttempts {
			if err := w.settle(ctx, entry, w.queue.DeadLetter); err != nil {
				errs = append(errs, err)
				continue
			}
			result.DeadLettered++
			w.ops.IncDeadLetter()
			w.log.Error("usage event dead-lettered",
				zap.String("entry_id", entry.ID),
				zap.String("event_id", entry.Event.ID.String()),
				zap.Int("attempts", entry.Attempts),
				zap.Error(replayErr),
			)
			continue
		}

		if err := w.settle(ctx, entry, w.queue.Push); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Requeued++
	}

	if depth, err := w.queue.Len(ctx); err == nil {
		w.ops.SetReconcileDepth(depth)
	}
	if result.Replayed > 0 || result.DeadLettered > 0 {
		w.log.Info("usage reconcile batch",
			zap.Int("replayed", result.Replayed),
			zap.Int("requeued", result.Requeued),
			zap.Int("dead_lettered", result.DeadLettered),
		)
	}
	return result, errors.Join(errs...)
}

// storeCtx outlives the job deadline so a claimed entry is never dropped
// half way.
func storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
}

// settle writes the updated entry with write, then acknowledges its claim.
// If the write fails the claim stays and the next Pop restores it.
func (w *Worker) settle(ctx context.Context, entry Entry, write func(context.Context, Entry) error) error {
	sctx, cancel := storeCtx(ctx)
	defer cancel()
	if err := write(sctx, entry); err != nil {
		w.log.Error("usage event left claimed",
			zap.String("entry_id", entry.ID),
			zap.String("event_id", entry.Event.ID.String()),
			zap.Error(err),
		)
		return err
	}
	w.ack(sctx, entry)
	return nil
}

// ack failures leave the entry claimed; replay is idempotent on the event id.
func (w *Worker) ack(ctx context.Context, entry Entry) {
	sctx, cancel := storeCtx(ctx)
	defer cancel()
	if err := w.queue.Ack(sctx, entry); err != nil {
		w.log.Warn("usage reconcile ack failed", zap.String("entry_id", entry.ID), zap.Error(err))
	}
}

func (w *Worker) release(ctx context.Context, entries []Entry) error {
	sctx, cancel := storeCtx(ctx)
	defer cancel()
	if err := w.queue.Release(sctx, entries); err != nil {
		w.log.Error("usage reconcile release failed", zap.Int("entries", len(entries)), zap.Error(err))
		return err
	}
	w.log.Info("usage reconcile interrupted", zap.Int("released", len(entries)))
	return nil
}
