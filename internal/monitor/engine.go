// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
	"github.com/relabs-tech/power_monitor/internal/power"
	"github.com/relabs-tech/power_monitor/internal/sensors"
)

// RecordQueue receives the records of every write cycle. It must not block.
type RecordQueue interface {
	Enqueue(records []aggregate.Record)
}

// Publisher receives the snapshot of every write cycle. It must not block.
type Publisher interface {
	Publish(s aggregate.Snapshot)
}

type Config struct {
	Samples      int // sample pairs per channel per cycle
	Grid         power.Grid
	Channels     []power.ChannelConfig
	Aggregation  aggregate.Config
	PauseOnError time.Duration
}

// Stats counts what the sampling loop has done since it started.
type Stats struct {
	Cycles   uint64 `json:"cycles"`
	Flushes  uint64 `json:"flushes"`
	Skipped  uint64 `json:"skipped"`
	Failures uint64 `json:"failures"`
}

// Engine is the single sampling goroutine: acquire a batch, measure every
// channel, smooth, and hand the result to the sink queue and the plugins.
type Engine struct {
	cfg     Config
	source  sensors.Source
	guard   *sensors.Guard
	agg     *aggregate.Aggregator
	queue   RecordQueue
	plugins Publisher
	onFlush func(aggregate.Snapshot)
	logger  *zap.Logger

	latest   atomic.Pointer[aggregate.Snapshot]
	cycles   atomic.Uint64
	flushes  atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64
}

type Option func(*Engine)

// WithOnFlush registers a callback run on the sampling goroutine after each
// write cycle.
func WithOnFlush(fn func(aggregate.Snapshot)) Option {
	return func(e *Engine) { e.onFlush = fn }
}

func New(src sensors.Source, guard *sensors.Guard, queue RecordQueue, plugins Publisher, cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg.Samples < 2 {
		return nil, fmt.Errorf("samples per cycle must be at least 2, got %d", cfg.Samples)
	}
	if cfg.PauseOnError <= 0 {
		cfg.PauseOnError = 5 * time.Second
	}
	agg, err := aggregate.New(cfg.Channels, cfg.Aggregation)
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}
	if guard == nil {
		guard = sensors.NewGuard()
	}
	e := &Engine{
		cfg:     cfg,
		source:  src,
		guard:   guard,
		agg:     agg,
		queue:   queue,
		plugins: plugins,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Latest returns the most recent snapshot, or nil before the first write
// cycle. Safe for concurrent use.
func (e *Engine) Latest() *aggregate.Snapshot { return e.latest.Load() }

func (e *Engine) Stats() Stats {
	return Stats{
		Cycles:   e.cycles.Load(),
		Flushes:  e.flushes.Load(),
		Skipped:  e.skipped.Load(),
		Failures: e.failures.Load(),
	}
}

// Run samples until ctx is done. Invalid batches skip the cycle and
// acquisition failures pause the loop; neither ends it.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sampling started",
		zap.Int("channels", len(e.cfg.Channels)),
		zap.Int("samples", e.cfg.Samples),
		zap.Int("write_threshold", e.cfg.Aggregation.WriteThreshold),
	)
	defer e.logger.Info("sampling stopped", zap.Uint64("cycles", e.cycles.Load()))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := e.cycle(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, power.ErrInvalidBatch):
			e.skipped.Add(1)
			e.logger.Warn("skipping cycle", zap.Error(err))
		default:
			e.failures.Add(1)
			e.logger.Error("acquisition failed, pausing",
				zap.Error(err),
				zap.Duration("pause", e.cfg.PauseOnError),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.cfg.PauseOnError):
			}
		}
	}
}

func (e *Engine) cycle(ctx context.Context) error {
	readings, ts, err := e.measure(ctx)
	if err != nil {
		return err
	}
	e.cycles.Add(1)

	flush, ok := e.agg.Add(ts, readings)
	if !ok {
		return nil
	}
	e.flushes.Add(1)
	snap := flush.Snapshot
	e.latest.Store(&snap)

	e.logger.Debug("write cycle",
		zap.Uint64("cycle", snap.Cycle),
		zap.Float64("home", snap.Summaries[aggregate.HomeConsumption].Power),
		zap.Float64("net", snap.Summaries[aggregate.Net].Power),
		zap.Float64("voltage", snap.Voltage),
	)

	if e.queue != nil {
		e.queue.Enqueue(flush.Records)
	}
	if e.plugins != nil {
		e.plugins.Publish(snap)
	}
	if e.onFlush != nil {
		e.onFlush(snap)
	}
	return nil
}

// measure holds the guard only while the ADC is in use.
func (e *Engine) measure(ctx context.Context) (map[int]power.Measurement, time.Time, error) {
	if err := e.guard.Acquire(ctx); err != nil {
		return nil, time.Time{}, err
	}
	defer e.guard.Release()

	board, err := e.source.BoardVoltage(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	batch, err := e.source.Collect(ctx, e.cfg.Samples, e.cfg.Channels)
	if err != nil {
		return nil, time.Time{}, err
	}
	readings, err := power.MeasureBatch(batch, board, e.cfg.Grid, e.cfg.Channels)
	if err != nil {
		return nil, time.Time{}, err
	}
	return readings, batch.Timestamp, nil
}
