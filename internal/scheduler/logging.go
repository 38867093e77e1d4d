package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	obslogger "github.com/smallbiznis/licensegate/internal/observability/logger"
	"go.uber.org/zap"
)

type jobRun struct {
	job       string
	runID     string
	startedAt time.Time

	mu         sync.Mutex
	items      map[string]int
	errorCount int
}

type jobRunKey struct{}

// Add counts n items handled with the given outcome. Safe for concurrent use.
func (r *jobRun) Add(outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[outcome] += n
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCount++
}

func (r *jobRun) Count(outcome string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[outcome]
}

func (s *Scheduler) startJobRun(ctx context.Context, job string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: time.Now(),
		items:     map[string]int{},
	}
	return context.WithValue(ctx, jobRunKey{}, run), run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	run.mu.Lock()
	outcomes := make([]string, 0, len(run.items))
	for outcome := range run.items {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("error_count", run.errorCount),
	}
	for _, outcome := range outcomes {
		fields = append(fields, zap.Int(outcome+"_count", run.items[outcome]))
		s.ops.AddJobItems(run.job, outcome, run.items[outcome])
	}
	failed := run.errorCount > 0
	run.mu.Unlock()

	log := s.logger(ctx)
	if failed {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logJobError(ctx context.Context, run *jobRun, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	base := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Error(err),
	}
	s.logger(ctx).Error(msg, append(base, fields...)...)
}
