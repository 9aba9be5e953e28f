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
	"go.opentelemetry.io/otel/sdk/resource"
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

// Metrics holds the fiscal counters exported over OTLP.
type Metrics struct {
	ledgerEntries     metric.Int64Counter
	verificationRuns  metric.Int64Counter
	verificationFails metric.Int64Counter
	reportsGenerated  metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
}

const exportInterval = 10 * time.Second

// NewProvider registers the global meter provider. With export disabled the
// counters still exist but record into a noop provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Enabled {
		otel.SetMeterProvider(noop.NewMeterProvider())
		return otel.GetMeterProvider(), nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, fmt.Errorf("metrics exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)
	if lc != nil {
		lc.Append(fx.StopHook(provider.Shutdown))
	}

	log.Info("otlp metrics export enabled",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
		zap.Duration("interval", exportInterval),
	)
	return provider, nil
}

// New creates the fiscal counters on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "caisse"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.ledgerEntries, "caisse_ledger_entries_total", "Entries appended to tenant chains."},
		{&m.verificationRuns, "caisse_ledger_verifications_total", "Chain verifications run."},
		{&m.verificationFails, "caisse_ledger_verification_failures_total", "Chain verifications that found a break."},
		{&m.reportsGenerated, "caisse_daily_reports_generated_total", "Daily closing reports generated."},
		{&m.rateLimitAllowed, "caisse_rate_limit_allowed_total", "Rate limited requests let through."},
		{&m.rateLimitDenied, "caisse_rate_limit_denied_total", "Rate limited requests turned away."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
		*c.target = counter
	}
	return m, nil
}

// tenantAttrs builds the label set of a per-tenant counter from key/value
// pairs, dropping anything outside allowedLabelKeys.
func tenantAttrs(orgID string, pairs ...string) metric.AddOption {
	attrs := make([]attribute.KeyValue, 0, 1+len(pairs)/2)
	attrs = append(attrs, attribute.String("org_id", strings.TrimSpace(orgID)))
	for i := 0; i+1 < len(pairs); i += 2 {
		attrs = append(attrs, attribute.String(pairs[i], strings.TrimSpace(pairs[i+1])))
	}
	return metric.WithAttributes(FilterAttributes(attrs...)...)
}

func (m *Metrics) RecordLedgerEntry(ctx context.Context, orgID, paymentMethod string) {
	if m == nil {
		return
	}
	m.ledgerEntries.Add(ctx, 1, tenantAttrs(orgID, "payment_method", paymentMethod))
}

// RecordVerification counts a verification run and, when the chain is
// broken, the failure kind.
func (m *Metrics) RecordVerification(ctx context.Context, orgID, source string, valid bool, failureKind string) {
	if m == nil {
		return
	}
	m.verificationRuns.Add(ctx, 1, tenantAttrs(orgID, "source", source))
	if !valid {
		m.verificationFails.Add(ctx, 1, tenantAttrs(orgID, "source", source, "failure_kind", failureKind))
	}
}

func (m *Metrics) RecordReportGenerated(ctx context.Context, orgID, source string) {
	if m == nil {
		return
	}
	m.reportsGenerated.Add(ctx, 1, tenantAttrs(orgID, "source", source))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, orgID, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitAllowed.Add(ctx, 1, tenantAttrs(orgID, "endpoint", endpoint))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, orgID, endpoint, reason string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, tenantAttrs(orgID, "endpoint", endpoint, "reason", reason))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch p := strings.ToLower(strings.TrimSpace(protocol)); p {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "", "grpc", "grpc/protobuf":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", p)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"org_id":         {},
	"endpoint":       {},
	"status_code":    {},
	"payment_method": {},
	"failure_kind":   {},
	"source":         {},
	"reason":         {},
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
