// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/app"
	"github.com/relabs-tech/power_monitor/internal/config"
	"github.com/relabs-tech/power_monitor/internal/power"
	"github.com/relabs-tech/power_monitor/internal/sensors"
)

type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	var configPath string
	e := &env{}

	root := &cobra.Command{
		Use:           "power_monitor",
		Short:         "Raspberry Pi CT power monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			e.cfg, e.logger = cfg, logger
			cfg.Print(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = e.logger.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Sample continuously and feed the sink and plugins",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.RunMonitor(cmd.Context(), e.cfg, e.logger, app.RunOptions{})
			},
		},
		&cobra.Command{
			Use:   "terminal",
			Short: "Like run, and print every write cycle as a table",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.RunMonitor(cmd.Context(), e.cfg, e.logger, app.RunOptions{Terminal: cmd.OutOrStdout()})
			},
		},
		dumpCmd(e),
		phaseAngleCmd(e),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if e.logger != nil {
			e.logger.Error("power monitor failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		stop()
		os.Exit(1)
	}
}

func dumpCmd(e *env) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Collect one batch and write the raw samples as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, closeSource, err := app.OpenSource(e.cfg, nil, e.logger)
			if err != nil {
				return err
			}
			defer closeSource()

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := app.RunDump(cmd.Context(), src, e.cfg.Channels(), e.cfg.Acquisition.Samples, w, e.logger); err != nil {
				return err
			}
			if out != "" {
				e.logger.Info("dump written", zap.String("path", out))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func phaseAngleCmd(e *env) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "phase-angle",
		Short: "Measure the current-voltage phase angle of every channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				batch *power.SampleBatch
				err   error
			)
			if from != "" {
				batch, err = app.LoadDump(from)
			} else {
				batch, err = collectLive(cmd.Context(), e)
			}
			if err != nil {
				return err
			}
			e.logger.Info("samples ready",
				zap.Int("channels", len(batch.Channels)),
				zap.Float64("ksps", app.KiloSamplesPerSecond(batch)),
			)

			angles, err := app.PhaseAngles(batch, e.cfg.Channels(), e.cfg.Grid().Frequency)
			if err != nil {
				return err
			}
			return app.WritePhaseAngles(cmd.OutOrStdout(), angles)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "read samples from a dump file instead of the ADC")
	return cmd
}

func collectLive(ctx context.Context, e *env) (*power.SampleBatch, error) {
	src, closeSource, err := app.OpenSource(e.cfg, nil, e.logger)
	if err != nil {
		return nil, err
	}
	defer closeSource()
	return app.CollectBatch(ctx, src, sensors.NewGuard(), e.cfg.Channels(), e.cfg.Acquisition.Samples)
}
