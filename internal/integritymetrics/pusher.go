package integritymetrics

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/caisse/internal/config"
	"go.uber.org/zap"
)

const (
	exporterPrometheusRemoteWrite = "prometheus_remote_write"
	exporterPrometheusPushgateway = "prometheus_pushgateway"

	defaultPushTimeout = 5 * time.Second
)

// Pusher ships a snapshot of the integrity registry to a remote Prometheus
// endpoint after each verification sweep.
type Pusher interface {
	Push(ctx context.Context, registry *prometheus.Registry) error
}

// NewPusher builds the configured exporter. Integrity gauges are an
// operational aid, never a precondition for verifying chains, so a bad
// configuration is logged and yields a nil Pusher.
func NewPusher(cfg config.Config, log *zap.Logger) Pusher {
	if !cfg.Integrity.Enabled {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	exporter := strings.ToLower(strings.TrimSpace(cfg.Integrity.Exporter))
	endpoint := strings.TrimSpace(cfg.Integrity.Endpoint)
	disabled := func(reason string, fields ...zap.Field) Pusher {
		log.Warn("integrity metrics push disabled",
			append([]zap.Field{zap.String("reason", reason), zap.String("exporter", exporter)}, fields...)...)
		return nil
	}

	if endpoint == "" {
		return disabled("endpoint missing")
	}
	switch exporter {
	case exporterPrometheusRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return disabled("endpoint is not a URL", zap.Error(err))
		}
		return NewRemoteWritePusher(endpoint, cfg.Integrity.AuthToken)
	case exporterPrometheusPushgateway:
		return NewPushgatewayPusher(endpoint, cfg.AppName, map[string]string{
			"environment": cfg.Environment,
		})
	case "":
		return disabled("exporter missing")
	default:
		return disabled("unknown exporter")
	}
}
