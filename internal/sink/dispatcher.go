// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sink

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
	"github.com/relabs-tech/power_monitor/internal/buffer"
)

type DispatcherConfig struct {
	BufferSize    int           // records held while the sink is unavailable
	MaxFailures   int           // consecutive failed writes before Run returns, 0 means never
	FlushTimeout  time.Duration // final write on shutdown
	RetryInterval time.Duration // retry of held records when no new flush arrives
}

// Dispatcher moves records from the sampling loop to the sink on its own
// goroutine, so a slow or failing sink never stalls sampling. Records that
// fail to write are kept, in order, and sent with the next batch.
type Dispatcher struct {
	sink    Sink
	cfg     DispatcherConfig
	queue   *buffer.Ring[aggregate.Record]
	notify  chan struct{}
	pending []aggregate.Record
	logger  *zap.Logger
}

func NewDispatcher(s Sink, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	return &Dispatcher{
		sink:   s,
		cfg:    cfg,
		queue:  buffer.New[aggregate.Record](cfg.BufferSize, logger.Named("queue")),
		notify: make(chan struct{}, 1),
		logger: logger,
	}
}

// Enqueue hands records to the dispatcher without blocking.
func (d *Dispatcher) Enqueue(records []aggregate.Record) {
	if len(records) == 0 {
		return
	}
	d.queue.Add(records...)
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run writes queued records until ctx is done. It returns an error wrapping
// ErrSink once MaxFailures consecutive writes have failed.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("sink dispatcher started",
		zap.Int("buffer_size", d.cfg.BufferSize),
		zap.Int("max_failures", d.cfg.MaxFailures),
	)
	defer func() {
		if err := d.sink.Close(); err != nil {
			d.logger.Warn("closing sink", zap.Error(err))
		}
	}()

	retry := time.NewTicker(d.cfg.RetryInterval)
	defer retry.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			d.drainOnShutdown()
			return nil
		case <-d.notify:
		case <-retry.C:
			if len(d.pending) == 0 {
				continue
			}
		}

		err := d.writePending(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			d.drainOnShutdown()
			return nil
		}

		failures++
		d.logger.Error("sink write failed, keeping records for the next attempt",
			zap.Int("held_records", len(d.pending)),
			zap.Int("consecutive_failures", failures),
			zap.Error(err),
		)
		if d.cfg.MaxFailures > 0 && failures >= d.cfg.MaxFailures {
			return err
		}
	}
}

// Pending is the number of records not yet accepted by the sink.
func (d *Dispatcher) Pending() int {
	return len(d.pending) + d.queue.Len()
}

func (d *Dispatcher) writePending(ctx context.Context) error {
	d.pending = append(d.pending, d.queue.Drain()...)
	if over := len(d.pending) - d.cfg.BufferSize; over > 0 {
		d.logger.Warn("dropping oldest held records", zap.Int("dropped", over))
		d.pending = d.pending[over:]
	}
	if len(d.pending) == 0 {
		return nil
	}
	if err := d.sink.Write(ctx, d.pending); err != nil {
		return err
	}
	d.pending = nil
	return nil
}

func (d *Dispatcher) drainOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.FlushTimeout)
	defer cancel()
	if err := d.writePending(ctx); err != nil {
		d.logger.Warn("final sink write failed, records lost",
			zap.Int("records", len(d.pending)),
			zap.Error(err),
		)
		return
	}
	d.logger.Info("sink dispatcher stopped")
}
