// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/power"
	"github.com/relabs-tech/power_monitor/internal/sensors"
)

// CollectBatch takes one batch while holding the guard.
func CollectBatch(ctx context.Context, src sensors.Source, guard *sensors.Guard, channels []power.ChannelConfig, samples int) (*power.SampleBatch, error) {
	if err := guard.Acquire(ctx); err != nil {
		return nil, err
	}
	defer guard.Release()
	return src.Collect(ctx, samples, channels)
}

// KiloSamplesPerSecond counts every ADC reading in the batch, current and
// voltage alike.
func KiloSamplesPerSecond(batch *power.SampleBatch) float64 {
	if batch.Duration <= 0 {
		return 0
	}
	total := 0
	for _, s := range batch.Channels {
		total += len(s.Current) + len(s.Voltage)
	}
	return math.Round(float64(total)/batch.Duration.Seconds()/10) / 100
}

// RunDump collects one batch and writes it as CSV to w.
func RunDump(ctx context.Context, src sensors.Source, channels []power.ChannelConfig, samples int, w io.Writer, logger *zap.Logger) error {
	batch, err := CollectBatch(ctx, src, sensors.NewGuard(), channels, samples)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	logger.Info("finished collecting samples",
		zap.Int("samples", samples),
		zap.Int("channels", len(batch.Channels)),
		zap.Duration("duration", batch.Duration),
		zap.Float64("ksps", KiloSamplesPerSecond(batch)),
	)
	return sensors.WriteDump(w, batch)
}

// LoadDump reads a batch written by RunDump.
func LoadDump(path string) (*power.SampleBatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	batch, err := sensors.ReadDump(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return batch, nil
}
