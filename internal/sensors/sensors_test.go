package sensors

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/power"
)

// fakeADC returns channel*100 + call count, so pairing is visible.
type fakeADC struct {
	calls []int
	fail  error
}

func (f *fakeADC) Read(channel int) (int, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	f.calls = append(f.calls, channel)
	return channel*100 + len(f.calls), nil
}

func TestADCSourcePairsCurrentAndVoltage(t *testing.T) {
	adc := &fakeADC{}
	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	src := NewADCSource(adc, ADCSourceConfig{VoltageChannel: 5, BoardVoltageChannel: 4, Clock: func() time.Time { return ts }}, zap.NewNop())

	chs := []power.ChannelConfig{{ID: 1, ADCChannel: 0}, {ID: 5, ADCChannel: 6}}
	b, err := src.Collect(context.Background(), 3, chs)
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	assert.Equal(t, []int{0, 5, 6, 5, 0, 5, 6, 5, 0, 5, 6, 5}, adc.calls)
	assert.Equal(t, []int{1, 5, 9}, b.Channels[1].Current)
	assert.Equal(t, []int{502, 506, 510}, b.Channels[1].Voltage)
	assert.Equal(t, []int{603, 607, 611}, b.Channels[5].Current)
	assert.Equal(t, ts, b.Timestamp)
}

func TestADCSourceBoardVoltage(t *testing.T) {
	src := NewADCSource(constADC(512), ADCSourceConfig{BoardVoltageChannel: 4}, zap.NewNop())
	v, err := src.BoardVoltage(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.31, v, 1e-9)
}

type constADC int

func (c constADC) Read(int) (int, error) { return int(c), nil }

func TestADCSourceDiscardsPartialBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := NewADCSource(constADC(1), ADCSourceConfig{}, zap.NewNop())
	b, err := src.Collect(ctx, 500, []power.ChannelConfig{{ID: 1}})
	assert.Nil(t, b)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestADCSourceReadError(t *testing.T) {
	boom := errors.New("spi gone")
	src := NewADCSource(&fakeADC{fail: boom}, ADCSourceConfig{}, zap.NewNop())
	_, err := src.Collect(context.Background(), 10, []power.ChannelConfig{{ID: 1}})
	assert.ErrorIs(t, err, boom)

	_, err = src.Collect(context.Background(), 1, []power.ChannelConfig{{ID: 1}})
	assert.ErrorIs(t, err, power.ErrInvalidBatch)
}

func TestDecode(t *testing.T) {
	assert.Equal(t, 1023, decode([3]byte{0xff, 0xff, 0xff}))
	assert.Equal(t, 0x2a5, decode([3]byte{0, 0xfe, 0xa5}))
	assert.Equal(t, 0, decode([3]byte{}))
}

type flakySource struct {
	failures int
	calls    int
	err      error
}

func (f *flakySource) Collect(ctx context.Context, n int, chs []power.ChannelConfig) (*power.SampleBatch, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return NewSynthetic(nil).Collect(ctx, n, chs)
}

func (f *flakySource) BoardVoltage(context.Context) (float64, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, f.err
	}
	return 3.3, nil
}

func TestRetryingRecovers(t *testing.T) {
	src := &flakySource{failures: 2, err: errors.New("timeout")}
	r := NewRetrying(src, RetryConfig{MaxRetries: 3, Interval: time.Millisecond}, zap.NewNop())

	b, err := r.Collect(context.Background(), 10, []power.ChannelConfig{{ID: 1}})
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Equal(t, 3, src.calls)
}

func TestRetryingSurfacesAcquisitionError(t *testing.T) {
	cause := errors.New("timeout")
	src := &flakySource{failures: 100, err: cause}
	r := NewRetrying(src, RetryConfig{MaxRetries: 2, Interval: time.Millisecond}, zap.NewNop())

	_, err := r.BoardVoltage(context.Background())
	assert.ErrorIs(t, err, ErrAcquisition)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, src.calls)
}

func TestRetryingDoesNotRetryInvalidBatch(t *testing.T) {
	src := &flakySource{failures: 100, err: power.ErrInvalidBatch}
	r := NewRetrying(src, RetryConfig{MaxRetries: 5, Interval: time.Millisecond}, zap.NewNop())

	_, err := r.Collect(context.Background(), 10, nil)
	assert.ErrorIs(t, err, power.ErrInvalidBatch)
	assert.NotErrorIs(t, err, ErrAcquisition)
	assert.Equal(t, 1, src.calls)
}

func TestSyntheticPowerFactor(t *testing.T) {
	s := NewSynthetic(map[int]Load{1: {Amplitude: 200}, 2: {Amplitude: 200, Shift: math.Pi / 3}})
	chs := []power.ChannelConfig{{ID: 1}, {ID: 2}, {ID: 3}}
	b, err := s.Collect(context.Background(), 2000, chs)
	require.NoError(t, err)
	require.NoError(t, b.Validate())
	assert.InDelta(t, 6000, b.SampleRate(), 1)

	pf := func(id int) float64 {
		cs := b.Channels[id]
		m, err := power.Accumulate(cs.Current, power.Reconstruct(cs.Voltage, 1))
		require.NoError(t, err)
		return m.PowerFactor()
	}
	assert.InDelta(t, 1.0, pf(1), 0.001)
	assert.InDelta(t, 0.5, pf(2), 0.01)
	assert.Equal(t, 0.0, pf(3))
}

func TestDumpRoundTrip(t *testing.T) {
	s := NewSynthetic(map[int]Load{1: {Amplitude: 200}, 4: {Amplitude: 100, Shift: 0.2}})
	s.Clock = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC) }
	orig, err := s.Collect(context.Background(), 50, []power.ChannelConfig{{ID: 4}, {ID: 1}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteDump(&buf, orig))
	assert.True(t, strings.HasPrefix(buf.String(), "# duration_ns="))
	assert.Contains(t, buf.String(), "sample,ct1,v1,ct4,v4\n")

	got, err := ReadDump(&buf)
	require.NoError(t, err)
	assert.Equal(t, orig.Channels, got.Channels)
	assert.Equal(t, orig.Duration, got.Duration)
	assert.True(t, orig.Timestamp.Equal(got.Timestamp))
}

func TestReadDumpRejectsBadInput(t *testing.T) {
	_, err := ReadDump(strings.NewReader("sample,ct1,v1\n0,1,2\n"))
	assert.Error(t, err)

	_, err = ReadDump(strings.NewReader("# duration_ns=10\nsample,ct1,x1\n0,1,2\n"))
	assert.Error(t, err)

	_, err = ReadDump(strings.NewReader("# duration_ns=10\nsample,ct1,v1\n0,1,2\n"))
	assert.ErrorIs(t, err, power.ErrInvalidBatch)
}

func TestGuard(t *testing.T) {
	g := NewGuard()
	require.NoError(t, g.Acquire(context.Background()))
	assert.False(t, g.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, g.Acquire(ctx))

	g.Release()
	assert.True(t, g.TryAcquire())
	g.Release()
}
