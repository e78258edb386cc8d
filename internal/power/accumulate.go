// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package power

import (
	"fmt"
	"math"
)

// Moments are the single-pass sums of one current/voltage pair.
type Moments struct {
	N     int
	SumI  float64
	SumV  float64
	SumIV float64
	SumI2 float64
	SumV2 float64
	MinI  int
	MaxI  int
}

// Accumulate walks a current series and its reconstructed voltage once.
func Accumulate(current []int, voltage []float64) (Moments, error) {
	if len(current) == 0 {
		return Moments{}, fmt.Errorf("%w: empty series", ErrInvalidBatch)
	}
	if len(current) != len(voltage) {
		return Moments{}, fmt.Errorf("%w: current/voltage length mismatch (%d != %d)",
			ErrInvalidBatch, len(current), len(voltage))
	}

	m := Moments{N: len(current), MinI: current[0], MaxI: current[0]}
	for k, c := range current {
		i := float64(c)
		v := voltage[k]
		m.SumI += i
		m.SumV += v
		m.SumIV += i * v
		m.SumI2 += i * i
		m.SumV2 += v * v
		if c < m.MinI {
			m.MinI = c
		}
		if c > m.MaxI {
			m.MaxI = c
		}
	}
	return m, nil
}

// Covariance is the mean of products minus the product of means, in raw units.
func (m Moments) Covariance() float64 {
	n := float64(m.N)
	return m.SumIV/n - (m.SumI/n)*(m.SumV/n)
}

// CurrentDeviation is the raw RMS of the current series with its offset removed.
func (m Moments) CurrentDeviation() float64 {
	n := float64(m.N)
	mean := m.SumI / n
	return sqrtClamped(m.SumI2/n - mean*mean)
}

// VoltageDeviation is the raw RMS of the voltage series with its offset removed.
func (m Moments) VoltageDeviation() float64 {
	n := float64(m.N)
	mean := m.SumV / n
	return sqrtClamped(m.SumV2/n - mean*mean)
}

// PowerFactor is the signed ratio of real to apparent power. Scaling factors
// cancel, so it is computed on raw units. Returns 0 when either waveform is flat.
func (m Moments) PowerFactor() float64 {
	return safeDiv(m.Covariance(), m.CurrentDeviation()*m.VoltageDeviation())
}

// Swing is the peak-to-peak range of the raw current series.
func (m Moments) Swing() int { return m.MaxI - m.MinI }

// Measure computes power, RMS current, RMS voltage and power factor for one
// channel from its raw current series and reconstructed voltage series.
func Measure(current []int, voltage []float64, boardVoltage float64, grid Grid, cfg ChannelConfig) (Measurement, error) {
	m, err := Accumulate(current, voltage)
	if err != nil {
		return Measurement{}, fmt.Errorf("ct%d: %w", cfg.ID, err)
	}

	vref := boardVoltage / 1024
	ctScale := vref * cfg.Calibration * cfg.Rating * DefCal
	vScale := vref * grid.ACVoltageRatio() * grid.VoltageCalibration

	realPower := m.Covariance() * ctScale * vScale
	rmsCurrent := m.CurrentDeviation() * ctScale
	rmsVoltage := m.VoltageDeviation() * vScale

	pf := math.Abs(safeDiv(realPower, rmsVoltage*rmsCurrent))

	if cfg.TwoPole {
		realPower *= 2
	}
	if cfg.Reversed {
		realPower = -realPower
	}
	if realPower < 0 {
		rmsCurrent = -rmsCurrent
	}
	if m.Swing() < PFDelta {
		pf = 0
	}
	if math.Abs(realPower) < cfg.Cutoff {
		realPower, rmsCurrent, pf = 0, 0, 0
	}

	return Measurement{
		Power:   realPower,
		Current: rmsCurrent,
		Voltage: rmsVoltage,
		PF:      pf,
	}, nil
}

// MeasureBatch reconstructs and measures every configured channel present in
// the batch. Channels missing from the batch are skipped.
func MeasureBatch(batch *SampleBatch, boardVoltage float64, grid Grid, channels []ChannelConfig) (map[int]Measurement, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	out := make(map[int]Measurement, len(channels))
	for _, cfg := range channels {
		s, ok := batch.Channels[cfg.ID]
		if !ok {
			continue
		}
		res, err := Measure(s.Current, Reconstruct(s.Voltage, cfg.Phasecal), boardVoltage, grid, cfg)
		if err != nil {
			return nil, err
		}
		out[cfg.ID] = res
	}
	return out, nil
}

func sqrtClamped(x float64) float64 {
	if x <= 0 || math.IsNaN(x) {
		return 0
	}
	return math.Sqrt(x)
}

func safeDiv(a, b float64) float64 {
	if b == 0 || math.IsNaN(b) || math.IsInf(b, 0) {
		return 0
	}
	r := a / b
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}
