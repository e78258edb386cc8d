package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func sampleRecords() []aggregate.Record {
	return []aggregate.Record{
		{
			Measurement: aggregate.MeasurementCT,
			Tags:        map[string]string{"ct": "1", "name": "kitchen"},
			Fields:      map[string]float64{"power": 120.5, "current": 1.1, "pf": 0.97},
			Time:        t0,
		},
		{
			Measurement: aggregate.MeasurementVoltage,
			Fields:      map[string]float64{"voltage": 121.2},
			Time:        t0,
		},
	}
}

func TestTimeSeries(t *testing.T) {
	ts := TimeSeries(sampleRecords())
	require.Len(t, ts, 4)

	// Fields are emitted in name order.
	assert.Equal(t, "power_monitor_raw_cts_current", ts[0].Labels[0].Value)
	assert.Equal(t, []prompb.Label{
		{Name: "__name__", Value: "power_monitor_raw_cts_pf"},
		{Name: "ct", Value: "1"},
		{Name: "name", Value: "kitchen"},
	}, ts[1].Labels)
	assert.Equal(t, []prompb.Sample{{Value: 121.2, Timestamp: t0.UnixMilli()}}, ts[3].Samples)
}

func TestPrometheusWrite(t *testing.T) {
	var got prompb.WriteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "pi", user)
		assert.Equal(t, "secret", pass)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, proto.Unmarshal(raw, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewPrometheus(PrometheusConfig{URL: srv.URL, Username: "pi", Password: "secret"})
	require.NoError(t, p.Write(context.Background(), sampleRecords()))
	assert.Len(t, got.Timeseries, 4)
}

func TestPrometheusWriteNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of order sample", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewPrometheus(PrometheusConfig{URL: srv.URL}).Write(context.Background(), sampleRecords())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaWrite(t *testing.T) {
	fw := &fakeWriter{}
	k := &Kafka{w: fw}
	require.NoError(t, k.Write(context.Background(), sampleRecords()))
	require.Len(t, fw.msgs, 2)
	assert.Equal(t, []byte(aggregate.MeasurementCT), fw.msgs[0].Key)

	var rec aggregate.Record
	require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &rec))
	assert.Equal(t, "kitchen", rec.Tags["name"])
	assert.Equal(t, 120.5, rec.Fields["power"])

	require.NoError(t, k.Close())
	assert.True(t, fw.closed)
}

// recordingSink fails the first `fail` writes.
type recordingSink struct {
	mu      sync.Mutex
	fail    int
	calls   int
	written [][]aggregate.Record
}

func (r *recordingSink) Write(_ context.Context, recs []aggregate.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fail {
		return errors.New("connection refused")
	}
	r.written = append(r.written, append([]aggregate.Record(nil), recs...))
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) snapshot() (int, [][]aggregate.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.written
}

func TestRetryingSink(t *testing.T) {
	rs := &recordingSink{fail: 2}
	r := NewRetrying("test", rs, RetryConfig{MaxRetries: 3, Interval: time.Millisecond}, zap.NewNop())
	require.NoError(t, r.Write(context.Background(), sampleRecords()))
	calls, written := rs.snapshot()
	assert.Equal(t, 3, calls)
	assert.Len(t, written, 1)
}

func TestRetryingSinkSurfacesErrSink(t *testing.T) {
	rs := &recordingSink{fail: 100}
	r := NewRetrying("test", rs, RetryConfig{MaxRetries: 1, Interval: time.Millisecond}, zap.NewNop())
	err := r.Write(context.Background(), sampleRecords())
	assert.ErrorIs(t, err, ErrSink)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2, se.Records)
	assert.Equal(t, "test", se.Sink)
}

func TestDispatcherKeepsFailedRecordsInOrder(t *testing.T) {
	rs := &recordingSink{fail: 1}
	d := NewDispatcher(rs, DispatcherConfig{RetryInterval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	first := sampleRecords()[:1]
	second := sampleRecords()[1:]
	d.Enqueue(first)
	require.Eventually(t, func() bool {
		calls, _ := rs.snapshot()
		return calls == 1
	}, time.Second, time.Millisecond)

	d.Enqueue(second)
	require.Eventually(t, func() bool {
		_, written := rs.snapshot()
		return len(written) == 1
	}, time.Second, time.Millisecond)

	_, written := rs.snapshot()
	require.Len(t, written[0], 2)
	assert.Equal(t, aggregate.MeasurementCT, written[0][0].Measurement)
	assert.Equal(t, aggregate.MeasurementVoltage, written[0][1].Measurement)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherStopsAfterMaxFailures(t *testing.T) {
	rs := &recordingSink{fail: 100}
	s := NewRetrying("test", rs, RetryConfig{MaxRetries: 0, Interval: time.Millisecond}, zap.NewNop())
	d := NewDispatcher(s, DispatcherConfig{MaxFailures: 2, RetryInterval: 5 * time.Millisecond}, zap.NewNop())

	d.Enqueue(sampleRecords())
	err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrSink)
	assert.Equal(t, 2, d.Pending())
}

func TestDispatcherFlushesOnShutdown(t *testing.T) {
	rs := &recordingSink{}
	d := NewDispatcher(rs, DispatcherConfig{}, zap.NewNop())
	d.queue.Add(sampleRecords()...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	_, written := rs.snapshot()
	require.Len(t, written, 1)
	assert.Len(t, written[0], 2)
}
