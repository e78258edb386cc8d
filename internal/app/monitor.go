// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
	"github.com/relabs-tech/power_monitor/internal/backup"
	"github.com/relabs-tech/power_monitor/internal/config"
	"github.com/relabs-tech/power_monitor/internal/gps"
	"github.com/relabs-tech/power_monitor/internal/monitor"
	"github.com/relabs-tech/power_monitor/internal/plugin"
	"github.com/relabs-tech/power_monitor/internal/sensors"
	"github.com/relabs-tech/power_monitor/internal/sink"
)

type RunOptions struct {
	Terminal io.Writer // non-nil prints a table after every write cycle
}

// RunMonitor runs sampling, the sink dispatcher, plugins, the HTTP API, the
// GPS clock and config backups until ctx is done or one of them fails.
func RunMonitor(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts RunOptions) error {
	g, ctx := errgroup.WithContext(ctx)
	channels := cfg.Channels()

	var (
		clock    func() time.Time
		gpsClock *gps.Clock
	)
	if cfg.GPS.Enabled {
		gpsClock = gps.NewClock(logger.Named("gps"))
		clock = gpsClock.Now
	}

	src, closeSource, err := OpenSource(cfg, clock, logger)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer closeSource()

	out, err := BuildSink(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer out.Close()
	dispatcher := sink.NewDispatcher(out, sink.DispatcherConfig{
		BufferSize:  cfg.Database.BufferSize,
		MaxFailures: cfg.Database.MaxFailures,
	}, logger.Named("dispatcher"))

	plugins, live := BuildPlugins(cfg.Plugins, logger)
	host := plugin.NewHost(logger.Named("plugins"), plugins...)

	var engineOpts []monitor.Option
	if opts.Terminal != nil {
		engineOpts = append(engineOpts, monitor.WithOnFlush(func(s aggregate.Snapshot) {
			if err := WriteTable(opts.Terminal, s); err != nil {
				logger.Warn("terminal output", zap.Error(err))
			}
		}))
	}

	guard := sensors.NewGuard()
	engine, err := monitor.New(src, guard, dispatcher, host, monitor.Config{
		Samples:      cfg.Acquisition.Samples,
		Grid:         cfg.Grid(),
		Channels:     channels,
		Aggregation:  cfg.AggregateConfig(),
		PauseOnError: cfg.Acquisition.PauseOnError,
	}, logger.Named("monitor"), engineOpts...)
	if err != nil {
		return err
	}

	var sched *backup.Scheduler
	if cfg.Backups.Enabled && cfg.Path() != "" {
		sched, err = backup.NewScheduler(backup.Config{
			Source:   cfg.Path(),
			Folder:   cfg.Backups.Folder,
			Schedule: cfg.Backups.Schedule,
			Keep:     cfg.Backups.BackupCount,
		}, logger.Named("backup"))
		if err != nil {
			return err
		}
	}

	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	if host.Len() > 0 {
		g.Go(func() error { return host.Run(ctx) })
	}

	if cfg.Web.Enabled {
		calib := NewCalibrationHandler(src, guard, channels, cfg.Acquisition.Samples,
			calibrationDir(cfg), logger.Named("calibration"))
		api := &API{
			Snapshots:   engine,
			Channels:    channels,
			Grid:        cfg.Grid(),
			Samples:     cfg.Acquisition.Samples,
			Source:      src,
			Guard:       guard,
			Calibration: calib,
			Logger:      logger.Named("web"),
		}
		if live != nil {
			api.Live = live
		}
		g.Go(func() error { return Serve(ctx, cfg.Web.Listen, NewRouter(api), logger.Named("web")) })
	}

	if sched != nil {
		g.Go(func() error { return sched.Run(ctx) })
	}
	if gpsClock != nil {
		g.Go(func() error {
			err := gpsClock.Run(ctx, gps.SerialConfig{Port: cfg.GPS.SerialPort, BaudRate: cfg.GPS.BaudRate})
			if err != nil {
				logger.Error("gps clock stopped, using system time", zap.Error(err))
			}
			return nil
		})
	}

	logger.Info("power monitor running",
		zap.Int("channels", len(channels)),
		zap.Int("plugins", host.Len()),
		zap.String("sink", cfg.Database.Sink),
	)
	return g.Wait()
}

// calibrationDir keeps calibration results next to the config file.
func calibrationDir(cfg *config.Config) string {
	if cfg.Path() == "" {
		return "calibration"
	}
	return filepath.Join(filepath.Dir(cfg.Path()), "calibration")
}
