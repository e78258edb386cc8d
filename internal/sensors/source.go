// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/power"
)

// ErrAcquisition marks an acquisition failure that persisted after retries.
var ErrAcquisition = errors.New("acquisition failed")

// ctxCheckEvery is how many sample rows are read between context checks.
const ctxCheckEvery = 100

// Source supplies sample batches and the board reference voltage.
// A batch either holds exactly the requested number of samples per series
// or is not returned at all.
type Source interface {
	Collect(ctx context.Context, samples int, channels []power.ChannelConfig) (*power.SampleBatch, error)
	BoardVoltage(ctx context.Context) (float64, error)
}

// ADC reads one raw conversion from an analog input.
type ADC interface {
	Read(channel int) (int, error)
}

type ADCSourceConfig struct {
	VoltageChannel      int
	BoardVoltageChannel int
	BoardReference      float64 // volts on the reference rail divider, 3.31 on the stock board
	BoardSamples        int     // readings averaged for the board voltage, default 10
	Clock               func() time.Time
}

// ADCSource builds sample batches from an ADC. Each channel's current
// reading is immediately followed by a voltage reading so the two series
// stay paired in time.
type ADCSource struct {
	adc    ADC
	cfg    ADCSourceConfig
	logger *zap.Logger
}

func NewADCSource(adc ADC, cfg ADCSourceConfig, logger *zap.Logger) *ADCSource {
	if cfg.BoardReference == 0 {
		cfg.BoardReference = 3.31
	}
	if cfg.BoardSamples <= 0 {
		cfg.BoardSamples = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &ADCSource{adc: adc, cfg: cfg, logger: logger}
}

func (s *ADCSource) Collect(ctx context.Context, samples int, channels []power.ChannelConfig) (*power.SampleBatch, error) {
	if samples < 2 {
		return nil, fmt.Errorf("%w: %d samples requested", power.ErrInvalidBatch, samples)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels requested", power.ErrInvalidBatch)
	}

	series := make([]power.ChannelSamples, len(channels))
	for k := range series {
		series[k] = power.ChannelSamples{
			Current: make([]int, samples),
			Voltage: make([]int, samples),
		}
	}

	ts := s.cfg.Clock().UTC()
	start := time.Now()
	for i := 0; i < samples; i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for k, ch := range channels {
			c, err := s.adc.Read(ch.ADCChannel)
			if err != nil {
				return nil, fmt.Errorf("ct%d adc channel %d: %w", ch.ID, ch.ADCChannel, err)
			}
			v, err := s.adc.Read(s.cfg.VoltageChannel)
			if err != nil {
				return nil, fmt.Errorf("voltage adc channel %d: %w", s.cfg.VoltageChannel, err)
			}
			series[k].Current[i] = c
			series[k].Voltage[i] = v
		}
	}

	batch := &power.SampleBatch{
		Channels:  make(map[int]power.ChannelSamples, len(channels)),
		Duration:  time.Since(start),
		Timestamp: ts,
	}
	for k, ch := range channels {
		batch.Channels[ch.ID] = series[k]
	}
	return batch, nil
}

// BoardVoltage averages several reads of the reference channel. The rail is
// measured through a 2:1 divider.
func (s *ADCSource) BoardVoltage(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var sum int
	for i := 0; i < s.cfg.BoardSamples; i++ {
		v, err := s.adc.Read(s.cfg.BoardVoltageChannel)
		if err != nil {
			return 0, fmt.Errorf("board voltage adc channel %d: %w", s.cfg.BoardVoltageChannel, err)
		}
		sum += v
	}
	avg := float64(sum) / float64(s.cfg.BoardSamples)
	return avg / 1024 * s.cfg.BoardReference * 2, nil
}
