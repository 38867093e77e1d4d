package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ComponentRateLimiter   = "rate_limiter"
	ComponentResponseCache = "response_cache"
	ComponentReconcile     = "reconcile_queue"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonDB                   = "db"
	JobReasonUnknown              = "unknown"
)

// Ops holds the operational Prometheus series scraped from /metrics: degraded
// components, background job health and the reconciliation backlog.
type Ops struct {
	degraded            *prometheus.GaugeVec
	jobRuns             *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	jobErrors           *prometheus.CounterVec
	jobItems            *prometheus.CounterVec
	recordingFailures   *prometheus.CounterVec
	reconcileDepth      prometheus.Gauge
	reconcileDeadLetter prometheus.Counter
}

func NewOps(registerer prometheus.Registerer, cfg Config) *Ops {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "licensegate"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	ops := &Ops{
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "licensegate_component_degraded",
			Help:        "1 while a shared-store backed component runs in fail-open mode.",
			ConstLabels: constLabels,
		}, []string{"component"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "licensegate_job_runs_total",
			Help:        "Background job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "licensegate_job_duration_seconds",
			Help:        "Background job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "licensegate_job_errors_total",
			Help:        "Background job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		jobItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "licensegate_job_items_total",
			Help:        "Items processed by background jobs.",
			ConstLabels: constLabels,
		}, []string{"job", "outcome"}),
		recordingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "licensegate_usage_recording_failures_total",
			Help:        "Usage events that could not be persisted after retries.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		reconcileDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "licensegate_reconcile_queue_depth",
			Help:        "Usage events waiting for reconciliation.",
			ConstLabels: constLabels,
		}),
		reconcileDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "licensegate_reconcile_dead_letter_total",
			Help:        "Usage events moved to the dead-letter list for manual reconciliation.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		ops.degraded,
		ops.jobRuns,
		ops.jobDuration,
		ops.jobErrors,
		ops.jobItems,
		ops.recordingFailures,
		ops.reconcileDepth,
		ops.reconcileDeadLetter,
	)
	return ops
}

func (o *Ops) SetDegraded(component string, degraded bool) {
	if o == nil {
		return
	}
	value := 0.0
	if degraded {
		value = 1
	}
	o.degraded.WithLabelValues(component).Set(value)
}

// ObserveJob records one job run. err may be nil.
func (o *Ops) ObserveJob(job string, started time.Time, err error) {
	if o == nil {
		return
	}
	o.jobRuns.WithLabelValues(job).Inc()
	o.jobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
	if err != nil {
		o.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
	}
}

func (o *Ops) AddJobItems(job, outcome string, n int) {
	if o == nil || n <= 0 {
		return
	}
	o.jobItems.WithLabelValues(job, outcome).Add(float64(n))
}

func (o *Ops) IncRecordingFailure(err error) {
	if o == nil {
		return
	}
	o.recordingFailures.WithLabelValues(ClassifyJobReason(err)).Inc()
}

func (o *Ops) SetReconcileDepth(n int64) {
	if o == nil {
		return
	}
	o.reconcileDepth.Set(float64(n))
}

func (o *Ops) IncDeadLetter() {
	if o == nil {
		return
	}
	o.reconcileDeadLetter.Inc()
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return JobReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return JobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return JobReasonUniqueViolation
	case isDBError(err):
		return JobReasonDB
	default:
		return JobReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) || errors.Is(err, gorm.ErrInvalidTransaction) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
