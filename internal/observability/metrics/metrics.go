package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the access and metering instruments.
type Metrics struct {
	accessDecisions   metric.Int64Counter
	accessLatency     metric.Float64Histogram
	usageRecorded     metric.Int64Counter
	usageCost         metric.Int64Counter
	recordingFailures metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
	cacheLookups      metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "licensegate"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	var err error
	if m.accessDecisions, err = meter.Int64Counter("licensegate_access_decisions_total"); err != nil {
		return nil, err
	}
	if m.accessLatency, err = meter.Float64Histogram("licensegate_access_validation_ms", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.usageRecorded, err = meter.Int64Counter("licensegate_usage_recorded_total"); err != nil {
		return nil, err
	}
	if m.usageCost, err = meter.Int64Counter("licensegate_usage_cost_micros_total"); err != nil {
		return nil, err
	}
	if m.recordingFailures, err = meter.Int64Counter("licensegate_usage_recording_failures_total"); err != nil {
		return nil, err
	}
	if m.rateLimitAllowed, err = meter.Int64Counter("licensegate_rate_limit_allowed_total"); err != nil {
		return nil, err
	}
	if m.rateLimitDenied, err = meter.Int64Counter("licensegate_rate_limit_denied_total"); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = meter.Int64Counter("licensegate_cache_lookups_total"); err != nil {
		return nil, err
	}
	return m, nil
}

// NewNop returns instruments backed by the noop provider.
func NewNop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordAccessDecision counts a validation outcome. An empty code means allowed.
func (m *Metrics) RecordAccessDecision(ctx context.Context, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	decision := "allowed"
	if code != "" {
		decision = "denied"
	}
	attrs := FilterAttributes(
		attribute.String("decision", decision),
		attribute.String("reason", strings.TrimSpace(code)),
	)
	m.accessDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.accessLatency.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
}

// RecordUsage counts a persisted usage event and its cost in micro-units.
func (m *Metrics) RecordUsage(ctx context.Context, costBasis string, costMicros int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("cost_basis", strings.TrimSpace(costBasis)))
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
	if costMicros > 0 {
		m.usageCost.Add(ctx, costMicros, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) RecordRecordingFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.recordingFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, tier, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, tier, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheLookup counts a response cache lookup by result: hit, miss or error.
func (m *Metrics) RecordCacheLookup(ctx context.Context, dataType, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("data_type", strings.TrimSpace(dataType)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Caller and dataset ids are deliberately absent: they are unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"decision":   {},
	"reason":     {},
	"tier":       {},
	"endpoint":   {},
	"cost_basis": {},
	"data_type":  {},
	"result":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
