package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("reason", "DAILY_LIMIT_EXCEEDED"),
		attribute.String("caller_id", "456"),
		attribute.String("data_type", "market_data"),
	)

	keys := make([]attribute.Key, 0, len(attrs))
	for _, attr := range attrs {
		keys = append(keys, attr.Key)
	}
	assert.ElementsMatch(t, []attribute.Key{"reason", "data_type"}, keys)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordAccessDecision(ctx, "", time.Millisecond)
		m.RecordUsage(ctx, "per_record", 10)
		m.RecordCacheLookup(ctx, "news", "hit")
		m.RecordRateLimitDenied(ctx, "anonymous", "/v1/x", "window_exhausted")
	})
}

func TestNopMetrics(t *testing.T) {
	m := NewNop()
	assert.NotNil(t, m)
	assert.NotPanics(t, func() {
		m.RecordAccessDecision(context.Background(), "NO_SUBSCRIPTION", 2*time.Millisecond)
	})
}
