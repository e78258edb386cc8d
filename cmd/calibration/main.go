// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// ./cmd/calibration/main.go
//
// Guided phasecal calibration for one current transformer.
//
// The CT must be clamped around a purely resistive load (a kettle, a space
// heater, an incandescent bulb) that is switched on. With such a load the
// true power factor is 1.0, so any deviation is phase error between the CT
// and the AC voltage transformer. The search adjusts phasecal until the
// measured power factor rounds to 1.0.
//
// Output:
//
//	Writes calibration/ct<N>_<timestamp>_phasecal.json next to the config file.
//
// Run:
//
//	go run ./cmd/calibration --config config.toml --channel 1
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/app"
	"github.com/relabs-tech/power_monitor/internal/calibration"
	"github.com/relabs-tech/power_monitor/internal/config"
	"github.com/relabs-tech/power_monitor/internal/power"
)

type opts struct {
	configPath string
	channel    int
	yes        bool
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:           "calibration",
		Short:         "Guided phasecal calibration for one CT",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}
	root.Flags().StringVarP(&o.configPath, "config", "c", "config.toml", "path to the TOML configuration file")
	root.Flags().IntVar(&o.channel, "channel", 0, "CT number to calibrate (prompted when 0)")
	root.Flags().BoolVarP(&o.yes, "yes", "y", false, "skip the resistive load confirmation")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fatal(err)
	}
}

func run(ctx context.Context, o opts) error {
	in := bufio.NewReader(os.Stdin)

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	fmt.Println("=== Guided Phase Calibration ===")
	fmt.Println("This workflow measures one CT against a resistive load and recommends a phasecal value.")
	fmt.Println()

	ch, err := pickChannel(in, cfg.Channels(), o.channel)
	if err != nil {
		return err
	}
	fmt.Printf("\nSelected: ct%d (%s), current phasecal %.6f\n\n", ch.ID, ch.Name, ch.Phasecal)

	if !o.yes {
		fmt.Printf("IMPORTANT: make sure ct%d is installed over a purely resistive load\n", ch.ID)
		fmt.Println("and that the load is turned on before continuing.")
		if !confirm(in, "Continue? [y/n]: ") {
			fmt.Println("\nCalibration aborted.")
			return nil
		}
	}

	src, closeSource, err := app.OpenSource(cfg, nil, logger.Named("calibration"))
	if err != nil {
		return err
	}
	defer closeSource()
	samples := cfg.Acquisition.Samples

	// Step 1: orientation
	fmt.Println("\nStep 1/3 — Checking CT orientation")
	pf, err := app.Orientation(ctx, src, ch, samples)
	if errors.Is(err, calibration.ErrReversedCT) {
		fmt.Printf("The power factor is negative (%.4f). The CT is installed backwards.\n", pf)
		waitEnter(in, "Reverse the CT on the cable, then press ENTER to check again...")
		pf, err = app.Orientation(ctx, src, ch, samples)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Initial power factor: %.4f\n", pf)

	// Step 2: search
	fmt.Println("\nStep 2/3 — Searching for the phasecal that brings PF to 1.0")
	res, err := app.Calibrate(ctx, src, ch, samples, func(it calibration.Iteration) {
		fmt.Printf("  trial %d  step %2d  phasecal=%.6f  pf=%.6f  best=%.6f\n",
			it.Trial, it.Step+1, it.Phasecal, it.PF, it.BestPF)
	}, logger.Named("search"))
	if err != nil {
		return err
	}

	fmt.Println()
	for i, t := range res.Trials {
		state := "converged"
		if !t.Converged {
			state = "iteration limit"
		}
		fmt.Printf("Trial %d: phasecal=%.6f pf=%.6f after %d iterations (%s)\n", i+1, t.Phasecal, t.PF, t.Iterations, state)
	}

	// Step 3: verification
	fmt.Println("\nStep 3/3 — Verification")
	fmt.Printf("Power factor at the recommended phasecal: %.4f\n", res.VerifiedPF)

	path, err := app.SaveResult(filepath.Join(filepath.Dir(o.configPath), "calibration"), res)
	if err != nil {
		return err
	}
	fmt.Printf("\nWrote: %s\n", path)
	fmt.Printf("\nSet phasecal = %.6f under [current_transformers.channel_%d] in %s\n", res.Phasecal, ch.ID, o.configPath)
	logger.Info("calibration complete", zap.Int("ct", ch.ID), zap.String("id", res.ID))
	return nil
}

func pickChannel(in *bufio.Reader, channels []power.ChannelConfig, want int) (power.ChannelConfig, error) {
	byID := make(map[int]power.ChannelConfig, len(channels))
	ids := make([]string, 0, len(channels))
	for _, c := range channels {
		byID[c.ID] = c
		ids = append(ids, strconv.Itoa(c.ID))
	}

	if want != 0 {
		c, ok := byID[want]
		if !ok {
			return power.ChannelConfig{}, fmt.Errorf("ct%d is not enabled in the configuration", want)
		}
		return c, nil
	}

	for {
		fmt.Printf("Which CT are you calibrating? [%s]: ", strings.Join(ids, ", "))
		line, err := in.ReadString('\n')
		if err != nil {
			return power.ChannelConfig{}, fmt.Errorf("read selection: %w", err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			fmt.Println("Please enter a number.")
			continue
		}
		if c, ok := byID[n]; ok {
			return c, nil
		}
		fmt.Printf("ct%d is not enabled. Choose one of: %s\n", n, strings.Join(ids, ", "))
	}
}

// ---------- Console helpers ----------

func confirm(in *bufio.Reader, prompt string) bool {
	fmt.Print(prompt)
	line, _ := in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func waitEnter(in *bufio.Reader, prompt string) {
	fmt.Print(prompt)
	_, _ = in.ReadString('\n')
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	os.Exit(1)
}
