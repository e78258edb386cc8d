package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
)

const metricPrefix = "power_monitor"

type PrometheusConfig struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Prometheus pushes records to a remote_write endpoint.
type Prometheus struct {
	cfg    PrometheusConfig
	client *http.Client
}

func NewPrometheus(cfg PrometheusConfig) *Prometheus {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Prometheus{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// TimeSeries converts records to one series per numeric field, named
// power_monitor_<measurement>_<field> and labelled with the record tags.
func TimeSeries(records []aggregate.Record) []prompb.TimeSeries {
	var out []prompb.TimeSeries
	for _, r := range records {
		fields := make([]string, 0, len(r.Fields))
		for f := range r.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		tagKeys := make([]string, 0, len(r.Tags))
		for k := range r.Tags {
			tagKeys = append(tagKeys, k)
		}
		sort.Strings(tagKeys)

		for _, f := range fields {
			labels := []prompb.Label{{Name: "__name__", Value: metricName(r.Measurement, f)}}
			for _, k := range tagKeys {
				if r.Tags[k] == "" {
					continue
				}
				labels = append(labels, prompb.Label{Name: k, Value: r.Tags[k]})
			}
			out = append(out, prompb.TimeSeries{
				Labels:  labels,
				Samples: []prompb.Sample{{Value: r.Fields[f], Timestamp: r.Time.UnixMilli()}},
			})
		}
	}
	return out
}

func metricName(measurement, field string) string {
	return strings.Join([]string{metricPrefix, measurement, field}, "_")
}

func (p *Prometheus) Write(ctx context.Context, records []aggregate.Record) error {
	data, err := proto.Marshal(&prompb.WriteRequest{Timeseries: TimeSeries(records)})
	if err != nil {
		return fmt.Errorf("marshal write request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(snappy.Encode(nil, data)))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.cfg.Username != "" && p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (p *Prometheus) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
