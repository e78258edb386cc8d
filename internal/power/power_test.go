package power

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, period int, amp, offset, phaseRad float64) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = int(math.Round(offset + amp*math.Sin(2*math.Pi*float64(i)/float64(period)+phaseRad)))
	}
	return out
}

func floats(v []int) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

var testGrid = Grid{Voltage: 120, TransformerOutputVoltage: 10, VoltageCalibration: 1, Frequency: 60}

func testChannel() ChannelConfig {
	return ChannelConfig{ID: 1, Type: Consumption, Rating: 100, Calibration: 1, Phasecal: 1}
}

func TestReconstructIdentity(t *testing.T) {
	v := sine(500, 100, 300, 512, 0.3)
	assert.Equal(t, floats(v), Reconstruct(v, 1.0))
	assert.Equal(t, []float64{42}, Reconstruct([]int{42}, 1.7))
	assert.Empty(t, Reconstruct(nil, 1.2))
}

func TestReconstructMonotonicBias(t *testing.T) {
	v := make([]int, 200)
	for i := range v {
		v[i] = i * 3
	}

	advanced := Reconstruct(v, 1.4)
	retarded := Reconstruct(v, 0.7)
	assert.Equal(t, float64(v[0]), advanced[0])
	assert.Equal(t, float64(v[0]), retarded[0])
	for i := 1; i < len(v); i++ {
		assert.GreaterOrEqual(t, advanced[i], float64(v[i]), "index %d", i)
		assert.LessOrEqual(t, retarded[i], float64(v[i]), "index %d", i)
	}
}

func TestReconstructUsesRawPrevious(t *testing.T) {
	got := Reconstruct([]int{0, 10, 20}, 2)
	assert.Equal(t, []float64{0, 20, 30}, got)
}

func TestMeasureInPhase(t *testing.T) {
	c := sine(2000, 100, 300, 512, 0)
	v := sine(2000, 100, 300, 512, 0)

	m, err := Measure(c, floats(v), 3.3, testGrid, testChannel())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.PF, 0.001)
	assert.Greater(t, m.Power, 0.0)
	assert.Greater(t, m.Current, 0.0)
	assert.Greater(t, m.Voltage, 0.0)
}

func TestMeasureQuadrature(t *testing.T) {
	c := sine(2000, 100, 300, 512, 0)
	v := sine(2000, 100, 300, 512, math.Pi/2)

	m, err := Measure(c, floats(v), 3.3, testGrid, testChannel())
	require.NoError(t, err)
	assert.InDelta(t, 0.0, m.PF, 0.01)
}

func TestMeasureScaling(t *testing.T) {
	c := sine(2000, 100, 200, 512, 0)
	v := sine(2000, 100, 250, 512, 0.2)
	cfg := testChannel()
	cfg.Calibration = 1.02

	mom, err := Accumulate(c, floats(v))
	require.NoError(t, err)

	vref := 3.3 / 1024
	ctScale := vref * 1.02 * 100 * DefCal
	vScale := vref * (120.0 / 10 * 11) * 1

	m, err := Measure(c, floats(v), 3.3, testGrid, cfg)
	require.NoError(t, err)
	assert.InDelta(t, mom.Covariance()*ctScale*vScale, m.Power, 1e-9)
	assert.InDelta(t, mom.CurrentDeviation()*ctScale, m.Current, 1e-9)
	assert.InDelta(t, mom.VoltageDeviation()*vScale, m.Voltage, 1e-9)
	assert.InDelta(t, math.Abs(mom.PowerFactor()), m.PF, 1e-9)
}

func TestMeasureZeroCurrent(t *testing.T) {
	c := make([]int, 1000)
	v := sine(1000, 100, 300, 512, 0)

	m, err := Measure(c, floats(v), 3.3, testGrid, testChannel())
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.PF)
	assert.Equal(t, 0.0, m.Current)
	assert.False(t, math.IsNaN(m.Power))
	assert.False(t, math.IsNaN(m.Voltage))
}

func TestMeasureTwoPoleAndReversed(t *testing.T) {
	c := sine(2000, 100, 300, 512, 0)
	v := floats(sine(2000, 100, 300, 512, 0))

	base, err := Measure(c, v, 3.3, testGrid, testChannel())
	require.NoError(t, err)

	cfg := testChannel()
	cfg.TwoPole = true
	doubled, err := Measure(c, v, 3.3, testGrid, cfg)
	require.NoError(t, err)
	assert.InDelta(t, 2*base.Power, doubled.Power, 1e-9)
	assert.InDelta(t, base.Current, doubled.Current, 1e-9)

	cfg = testChannel()
	cfg.Reversed = true
	rev, err := Measure(c, v, 3.3, testGrid, cfg)
	require.NoError(t, err)
	assert.InDelta(t, -base.Power, rev.Power, 1e-9)
	assert.InDelta(t, -base.Current, rev.Current, 1e-9)
	assert.InDelta(t, base.PF, rev.PF, 1e-9)
}

func TestMeasureFlatCurrentGate(t *testing.T) {
	c := sine(2000, 100, 5, 512, 0)
	v := floats(sine(2000, 100, 300, 512, 0))

	m, err := Measure(c, v, 3.3, testGrid, testChannel())
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.PF)
	assert.NotEqual(t, 0.0, m.Power)
}

func TestMeasureCutoff(t *testing.T) {
	c := sine(2000, 100, 40, 512, 0)
	v := floats(sine(2000, 100, 300, 512, 0))

	open, err := Measure(c, v, 3.3, testGrid, testChannel())
	require.NoError(t, err)
	require.NotEqual(t, 0.0, open.Power)

	cfg := testChannel()
	cfg.Cutoff = math.Abs(open.Power) * 5 / 3
	gated, err := Measure(c, v, 3.3, testGrid, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0.0, gated.Power)
	assert.Equal(t, 0.0, gated.Current)
	assert.Equal(t, 0.0, gated.PF)
	assert.Greater(t, gated.Voltage, 0.0)
}

func TestMeasureInvalidInput(t *testing.T) {
	_, err := Measure(nil, nil, 3.3, testGrid, testChannel())
	assert.True(t, errors.Is(err, ErrInvalidBatch))

	_, err = Measure([]int{1, 2, 3}, []float64{1, 2}, 3.3, testGrid, testChannel())
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestSampleBatchValidate(t *testing.T) {
	ok := &SampleBatch{Channels: map[int]ChannelSamples{
		1: {Current: []int{1, 2}, Voltage: []int{3, 4}},
	}}
	assert.NoError(t, ok.Validate())

	mismatch := &SampleBatch{Channels: map[int]ChannelSamples{
		1: {Current: []int{1, 2, 3}, Voltage: []int{3, 4}},
	}}
	assert.ErrorIs(t, mismatch.Validate(), ErrInvalidBatch)

	short := &SampleBatch{Channels: map[int]ChannelSamples{
		1: {Current: []int{1}, Voltage: []int{3}},
	}}
	assert.ErrorIs(t, short.Validate(), ErrInvalidBatch)

	var empty *SampleBatch
	assert.ErrorIs(t, empty.Validate(), ErrInvalidBatch)
}

func TestSampleRate(t *testing.T) {
	b := &SampleBatch{
		Channels: map[int]ChannelSamples{
			1: {Current: make([]int, 1000), Voltage: make([]int, 1000)},
			2: {Current: make([]int, 1000), Voltage: make([]int, 1000)},
		},
		Duration: 200 * time.Millisecond,
	}
	assert.InDelta(t, 5000.0, b.SampleRate(), 1e-9)
}

func TestMeasureBatch(t *testing.T) {
	c := sine(2000, 100, 300, 512, 0)
	v := sine(2000, 100, 300, 512, 0)
	b := &SampleBatch{Channels: map[int]ChannelSamples{
		1: {Current: c, Voltage: v},
	}}
	other := testChannel()
	other.ID = 3

	res, err := MeasureBatch(b, 3.3, testGrid, []ChannelConfig{testChannel(), other})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.InDelta(t, 1.0, res[1].PF, 0.001)
}
