package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "123"),
		attribute.String("sale_id", "456"),
		attribute.String("failure_kind", "tamper"),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("org_id"), attrs[0].Key)
	assert.Equal(t, attribute.Key("failure_kind"), attrs[1].Key)
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	m.RecordLedgerEntry(context.Background(), "1", "cash")
	m.RecordVerification(context.Background(), "1", "api", false, "tamper")
	m.RecordReportGenerated(context.Background(), "1", "scheduler")
	m.RecordRateLimitDenied(context.Background(), "1", "ledger.verify", "in_flight")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "caisse"}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordVerification(context.Background(), "1", "api", true, "")
}

func TestRecordVerificationCountsFailures(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(Config{ServiceName: "caisse"}, provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordVerification(ctx, "42", "api", true, "")
	m.RecordVerification(ctx, "42", "scheduler", false, "tamper")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
				if metric.Name == "caisse_ledger_verification_failures_total" {
					kind, _ := dp.Attributes.Value("failure_kind")
					assert.Equal(t, "tamper", kind.AsString())
				}
			}
		}
	}
	assert.Equal(t, int64(2), totals["caisse_ledger_verifications_total"])
	assert.Equal(t, int64(1), totals["caisse_ledger_verification_failures_total"])
}
