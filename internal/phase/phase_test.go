package phase

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/power_monitor/internal/power"
)

func parabola(n, peak, k int) []int {
	out := make([]int, n)
	for i := range out {
		d := i - peak
		out[i] = 500 - k*d*d
	}
	return out
}

func TestFindCenterNoiseless(t *testing.T) {
	w := parabola(100, 50, 4)
	for idx := 42; idx <= 58; idx++ {
		assert.Equal(t, 50, FindCenter(w, idx), "coarse index %d", idx)
	}
	assert.Equal(t, 50, FindCenter(parabola(100, 50, 1), 50))
}

func TestFindCenterQuantizationNoise(t *testing.T) {
	noise := []int{0, 1, -1, 1, 0, -1, -1, 0, 1, 1, -1, 0}
	w := parabola(100, 50, 4)
	for i := range w {
		w[i] += noise[i%len(noise)]
	}
	for idx := 42; idx <= 58; idx++ {
		got := FindCenter(w, idx)
		assert.InDelta(t, 50, got, 1, "coarse index %d", idx)
	}
}

func TestFindCenterClampedWindow(t *testing.T) {
	assert.Equal(t, 3, FindCenter(parabola(30, 3, 4), 3))
}

func TestFindCenterFallback(t *testing.T) {
	flat := make([]int, 50)
	for i := range flat {
		flat[i] = 7
	}
	assert.Equal(t, 20, FindCenter(flat, 20))
	assert.Equal(t, -1, FindCenter(flat, -1))
	assert.Equal(t, 0, FindCenter([]int{5}, 0))
}

// arc is a periodic train of parabolic peaks at off, off+period, ...
func arc(n, off, period int) []int {
	out := make([]int, n)
	for i := range out {
		d := ((i-off)%period + period) % period
		if d >= period/2 {
			d -= period
		}
		out[i] = 2600 - d*d
	}
	return out
}

func shiftedBatch(shift int) *power.SampleBatch {
	const n = 1000
	return &power.SampleBatch{
		Channels: map[int]power.ChannelSamples{
			1: {Current: arc(n, 40, 100), Voltage: arc(n, 40+shift, 100)},
			2: {Current: arc(n, 40, 100), Voltage: arc(n, 40, 100)},
		},
		Duration: time.Second / 6,
	}
}

func TestMeasurePhaseShift(t *testing.T) {
	cases := []struct {
		shift int
		deg   float64
	}{
		{0, 0},
		{5, 18.0},
		{-3, -10.8},
		{12, 43.2},
	}
	for _, tc := range cases {
		res, err := Measure(shiftedBatch(tc.shift), []int{1, 2}, 60)
		require.NoError(t, err)
		assert.InDelta(t, tc.deg, res[1].Deg, 1e-9, "shift %d", tc.shift)
		assert.InDelta(t, tc.deg*math.Pi/180, res[1].Rad, 1e-9)
		assert.InDelta(t, 0, res[2].Deg, 1e-9)
	}
}

func TestMeasurePeaks(t *testing.T) {
	res, err := Measure(shiftedBatch(5), []int{1}, 60)
	require.NoError(t, err)

	r := res[1]
	assert.Equal(t, []int{40, 140, 240, 340, 340, 440, 540, 640, 740, 840, 940}, r.CurrentPeaks)
	require.Len(t, r.VoltagePeaks, len(r.CurrentPeaks))
	for i := range r.VoltagePeaks {
		assert.Equal(t, r.CurrentPeaks[i]+5, r.VoltagePeaks[i])
	}
}

func TestMeasureErrors(t *testing.T) {
	b := shiftedBatch(0)

	_, err := Measure(b, []int{3}, 60)
	assert.ErrorIs(t, err, power.ErrInvalidBatch)

	_, err = Measure(b, []int{1}, 0)
	assert.Error(t, err)

	b.Duration = 0
	_, err = Measure(b, []int{1}, 60)
	assert.ErrorIs(t, err, power.ErrInvalidBatch)

	slow := shiftedBatch(0)
	slow.Duration = 100 * time.Second
	_, err = Measure(slow, []int{1}, 60)
	assert.ErrorIs(t, err, ErrNoWindows)
}
