// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/calibration"
	"github.com/relabs-tech/power_monitor/internal/power"
	"github.com/relabs-tech/power_monitor/internal/sensors"
)

// CalibrationResult is written to disk after a phasecal search.
type CalibrationResult struct {
	ID         string               `json:"id"`
	Channel    int                  `json:"channel"`
	Name       string               `json:"name"`
	Timestamp  time.Time            `json:"timestamp"`
	Previous   float64              `json:"previous_phasecal"`
	Phasecal   float64              `json:"phasecal"`
	Trials     []calibration.Result `json:"trials"`
	VerifiedPF float64              `json:"verified_pf"`
}

// Orientation measures the channel's power factor at its configured
// phasecal and reports calibration.ErrReversedCT when it is negative.
func Orientation(ctx context.Context, src sensors.Source, ch power.ChannelConfig, samples int) (float64, error) {
	probe := &calibration.LiveProbe{Source: src, Channel: ch, Samples: samples}
	return calibration.CheckOrientation(ctx, probe, ch.Phasecal)
}

// Calibrate runs the phasecal search for one channel starting from its
// configured phasecal, then verifies the recommendation on a fresh batch.
// The caller must hold the acquisition guard.
func Calibrate(ctx context.Context, src sensors.Source, ch power.ChannelConfig, samples int, observer func(calibration.Iteration), logger *zap.Logger) (CalibrationResult, error) {
	probe := &calibration.LiveProbe{Source: src, Channel: ch, Samples: samples}
	searcher := calibration.NewSearcher(probe, calibration.Options{
		Start:    ch.Phasecal,
		Observer: observer,
	}, logger)

	outcome, err := searcher.Search(ctx)
	if err != nil {
		return CalibrationResult{}, fmt.Errorf("ct%d: %w", ch.ID, err)
	}

	verified, err := probe.PowerFactor(ctx, outcome.Phasecal)
	if err != nil {
		return CalibrationResult{}, fmt.Errorf("ct%d verification: %w", ch.ID, err)
	}
	logger.Info("phasecal recommended",
		zap.Int("ct", ch.ID),
		zap.Float64("previous", ch.Phasecal),
		zap.Float64("phasecal", outcome.Phasecal),
		zap.Float64("verified_pf", verified),
	)

	return CalibrationResult{
		ID:         uuid.NewString(),
		Channel:    ch.ID,
		Name:       ch.Name,
		Timestamp:  time.Now().UTC(),
		Previous:   ch.Phasecal,
		Phasecal:   outcome.Phasecal,
		Trials:     outcome.Trials,
		VerifiedPF: verified,
	}, nil
}

// SaveResult writes res as dir/ct<N>_<timestamp>_phasecal.json.
func SaveResult(dir string, res CalibrationResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create calibration directory: %w", err)
	}
	name := fmt.Sprintf("ct%d_%s_phasecal.json", res.Channel, res.Timestamp.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal calibration result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write calibration file: %w", err)
	}
	return path, nil
}
