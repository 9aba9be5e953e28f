package integritymetrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	obstracing "github.com/smallbiznis/caisse/internal/observability/tracing"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

// RemoteWritePusher posts snappy-compressed prompb.WriteRequest payloads.
type RemoteWritePusher struct {
	endpoint  string
	authToken string
	client    *http.Client
	now       func() time.Time
}

func NewRemoteWritePusher(endpoint, authToken string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		client:    obstracing.WrapHTTPClient(&http.Client{Timeout: defaultPushTimeout}),
		now:       time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, registry *prometheus.Registry) error {
	if p == nil || registry == nil {
		return nil
	}
	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("gather integrity metrics: %w", err)
	}
	series := toTimeSeries(families, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	raw, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return fmt.Errorf("encode remote write: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, raw)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote write: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("remote write rejected with %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return nil
}

// toTimeSeries flattens counters and gauges into one sample each, stamped
// at ts. Labels are sorted by name as remote write requires.
func toTimeSeries(families []*dto.MetricFamily, ts int64) []prompb.TimeSeries {
	var out []prompb.TimeSeries
	for _, family := range families {
		for _, m := range family.GetMetric() {
			var value float64
			switch {
			case family.GetType() == dto.MetricType_COUNTER && m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case family.GetType() == dto.MetricType_GAUGE && m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			default:
				continue
			}

			labels := []prompb.Label{{Name: "__name__", Value: family.GetName()}}
			for _, pair := range m.GetLabel() {
				labels = append(labels, prompb.Label{Name: pair.GetName(), Value: pair.GetValue()})
			}
			sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

			out = append(out, prompb.TimeSeries{
				Labels:  labels,
				Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
			})
		}
	}
	return out
}
