// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/power_monitor/internal/power"
)

// Load describes the simulated waveform of one CT.
type Load struct {
	Amplitude float64 // raw ADC units around the mid-rail offset
	Shift     float64 // current lag behind voltage in radians
}

// Synthetic generates sine waves around the 10-bit mid rail. It stands in for
// the ADC when no hardware is attached.
type Synthetic struct {
	Loads            map[int]Load // keyed by channel id; missing channels read flat
	VoltageAmplitude float64
	SamplesPerCycle  float64
	SampleRate       float64 // pairs per second, sets the batch duration
	Board            float64
	Clock            func() time.Time
	Realtime         bool // Collect takes as long as the capture it simulates

	mu    sync.Mutex
	phase float64
}

func NewSynthetic(loads map[int]Load) *Synthetic {
	return &Synthetic{
		Loads:            loads,
		VoltageAmplitude: 300,
		SamplesPerCycle:  100,
		SampleRate:       6000,
		Board:            3.3,
		Clock:            time.Now,
	}
}

func (s *Synthetic) Collect(ctx context.Context, samples int, channels []power.ChannelConfig) (*power.SampleBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if samples < 2 || len(channels) == 0 {
		return nil, fmt.Errorf("%w: %d samples for %d channels", power.ErrInvalidBatch, samples, len(channels))
	}

	// Successive batches start at a different point of the wave.
	s.mu.Lock()
	start := s.phase
	s.phase = math.Mod(s.phase+0.7, 2*math.Pi)
	s.mu.Unlock()

	step := 2 * math.Pi / s.SamplesPerCycle
	batch := &power.SampleBatch{
		Channels:  make(map[int]power.ChannelSamples, len(channels)),
		Duration:  time.Duration(float64(samples) / s.SampleRate * float64(time.Second)),
		Timestamp: s.Clock().UTC(),
	}
	for _, ch := range channels {
		load := s.Loads[ch.ID]
		cs := power.ChannelSamples{Current: make([]int, samples), Voltage: make([]int, samples)}
		for i := 0; i < samples; i++ {
			x := start + float64(i)*step
			cs.Voltage[i] = adcClamp(512 + s.VoltageAmplitude*math.Sin(x))
			cs.Current[i] = adcClamp(512 + load.Amplitude*math.Sin(x-load.Shift))
		}
		batch.Channels[ch.ID] = cs
	}

	if s.Realtime {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(batch.Duration):
		}
	}
	return batch, nil
}

func (s *Synthetic) BoardVoltage(ctx context.Context) (float64, error) {
	return s.Board, ctx.Err()
}

func adcClamp(v float64) int {
	return int(math.Max(0, math.Min(1023, math.Round(v))))
}
