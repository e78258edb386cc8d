// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package phase

import (
	"errors"
	"fmt"
	"math"

	"github.com/relabs-tech/power_monitor/internal/power"
)

// VoltagePadding is how many samples before the refined current peak the
// voltage search starts, so in-phase and leading waves are still found.
const VoltagePadding = 5

// WindowFraction undersizes each search window relative to one grid cycle
// so consecutive windows each hold a single current peak.
const WindowFraction = 0.85

var ErrNoWindows = errors.New("batch too short for one grid cycle")

// Result is the measured phase shift of one channel.
type Result struct {
	Deg          float64 `json:"deg"`
	Rad          float64 `json:"rad"`
	CurrentPeaks []int   `json:"current_peaks"`
	VoltagePeaks []int   `json:"voltage_peaks"`
}

// Measure finds the natural phase shift between current and voltage for each
// channel in channels. A positive angle means voltage peaks after current.
func Measure(batch *power.SampleBatch, channels []int, frequency float64) (map[int]Result, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if frequency <= 0 {
		return nil, fmt.Errorf("grid frequency must be positive, got %v", frequency)
	}

	rate := math.Round(batch.SampleRate()*1000) / 1000
	if rate <= 0 {
		return nil, fmt.Errorf("%w: capture duration missing", power.ErrInvalidBatch)
	}
	step := int(rate / frequency * WindowFraction)
	if step < 1 {
		return nil, fmt.Errorf("%w: sample rate %.1f too low for %.1f Hz", ErrNoWindows, rate, frequency)
	}

	results := make(map[int]Result, len(channels))
	for _, id := range channels {
		s, ok := batch.Channels[id]
		if !ok {
			return nil, fmt.Errorf("%w: ct%d not in batch", power.ErrInvalidBatch, id)
		}
		res, err := measureChannel(s, step, rate, frequency)
		if err != nil {
			return nil, fmt.Errorf("ct%d: %w", id, err)
		}
		results[id] = res
	}
	return results, nil
}

func measureChannel(s power.ChannelSamples, step int, rate, frequency float64) (Result, error) {
	n := s.Len()
	windows := n / step
	if windows == 0 {
		return Result{}, fmt.Errorf("%w: %d samples, window %d", ErrNoWindows, n, step)
	}

	res := Result{
		CurrentPeaks: make([]int, 0, windows),
		VoltagePeaks: make([]int, 0, windows),
	}
	var sum float64
	for w := 0; w < windows; w++ {
		lo := w * step
		coarse := lo + argmax(s.Current[lo:lo+step])
		cc := FindCenter(s.Current, coarse)

		vlo := cc - min(VoltagePadding, cc)
		vhi := min(vlo+step, n)
		vc := FindCenter(s.Voltage, vlo+argmax(s.Voltage[vlo:vhi]))

		res.CurrentPeaks = append(res.CurrentPeaks, cc)
		res.VoltagePeaks = append(res.VoltagePeaks, vc)
		sum += float64(vc-cc) * (1 / rate) * 360 * frequency
	}

	res.Deg = math.Round(sum/float64(windows)*100) / 100
	res.Rad = res.Deg * math.Pi / 180
	return res, nil
}
