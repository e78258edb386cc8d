// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package power

import (
	"errors"
	"fmt"
	"time"
)

// Empirical constants measured on the stock acquisition board. They are
// specific to that hardware and are not re-derived here.
const (
	// DefCal is a fixed amplitude correction applied to every CT channel.
	DefCal = 0.88
	// PFDelta is the minimum raw ADC swing a current waveform needs before
	// its power factor is considered meaningful.
	PFDelta = 20
)

// ErrInvalidBatch marks input that violates the sample batch contract.
var ErrInvalidBatch = errors.New("invalid sample batch")

// ChannelType classifies what a CT is measuring.
type ChannelType string

const (
	Consumption ChannelType = "consumption"
	Production  ChannelType = "production"
	Mains       ChannelType = "mains"
)

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	switch t {
	case Consumption, Production, Mains:
		return true
	}
	return false
}

// ChannelConfig is the immutable per-run configuration of one CT input.
type ChannelConfig struct {
	ID          int         `json:"id"`
	Name        string      `json:"name"`
	Type        ChannelType `json:"type"`
	Rating      float64     `json:"rating"`      // CT full-scale amps
	Calibration float64     `json:"calibration"` // amplitude correction
	Phasecal    float64     `json:"phasecal"`
	TwoPole     bool        `json:"two_pole"`
	Reversed    bool        `json:"reversed"`
	Cutoff      float64     `json:"cutoff"`
	ADCChannel  int         `json:"adc_channel"`
}

// Grid holds the global voltage scaling inputs.
type Grid struct {
	Voltage                  float64 `json:"grid_voltage"`
	TransformerOutputVoltage float64 `json:"ac_transformer_output_voltage"`
	VoltageCalibration       float64 `json:"voltage_calibration"`
	Frequency                float64 `json:"frequency"`
}

// ACVoltageRatio is the step-down ratio of the AC transformer combined with
// the board's 11:1 voltage divider.
func (g Grid) ACVoltageRatio() float64 {
	if g.TransformerOutputVoltage == 0 {
		return 0
	}
	return g.Voltage / g.TransformerOutputVoltage * 11
}

// ChannelSamples is the paired raw current and voltage series of one channel.
type ChannelSamples struct {
	Current []int `json:"current"`
	Voltage []int `json:"voltage"`
}

// Len returns the number of sample pairs.
func (s ChannelSamples) Len() int { return len(s.Current) }

// SampleBatch is one acquisition cycle for every enabled channel.
type SampleBatch struct {
	Channels  map[int]ChannelSamples
	Duration  time.Duration
	Timestamp time.Time
}

// Validate checks that every channel has matching series of at least two samples.
func (b *SampleBatch) Validate() error {
	if b == nil || len(b.Channels) == 0 {
		return fmt.Errorf("%w: no channels", ErrInvalidBatch)
	}
	for id, s := range b.Channels {
		if len(s.Current) != len(s.Voltage) {
			return fmt.Errorf("%w: ct%d current/voltage length mismatch (%d != %d)",
				ErrInvalidBatch, id, len(s.Current), len(s.Voltage))
		}
		if len(s.Current) < 2 {
			return fmt.Errorf("%w: ct%d has %d samples", ErrInvalidBatch, id, len(s.Current))
		}
	}
	return nil
}

// SampleRate returns the per-channel sample pair rate in samples per second,
// or 0 when the batch carries no duration.
func (b *SampleBatch) SampleRate() float64 {
	if b.Duration <= 0 || len(b.Channels) == 0 {
		return 0
	}
	total := 0
	for _, s := range b.Channels {
		total += 2 * s.Len()
	}
	return float64(total) / b.Duration.Seconds() / float64(2*len(b.Channels))
}

// Measurement is the result of one channel for one sampling cycle.
type Measurement struct {
	Power   float64 `json:"power"`
	Current float64 `json:"current"`
	Voltage float64 `json:"voltage"`
	PF      float64 `json:"pf"`
}
