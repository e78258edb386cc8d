// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package plugin

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
)

// Plugin consumes snapshots published by the monitor.
//
// Start runs until ctx is done or the snapshot channel is closed. Stop
// releases whatever Start acquired and is called once Start has returned.
type Plugin interface {
	Name() string
	Start(ctx context.Context, snapshots <-chan aggregate.Snapshot) error
	Stop() error
}

// Host fans snapshots out to plugins. Each plugin has a one-slot channel
// that always holds the newest snapshot, so a slow plugin skips snapshots
// instead of delaying the sampler.
type Host struct {
	plugins     []Plugin
	chans       []chan aggregate.Snapshot
	stopTimeout time.Duration
	logger      *zap.Logger
}

func NewHost(logger *zap.Logger, plugins ...Plugin) *Host {
	h := &Host{
		plugins:     plugins,
		chans:       make([]chan aggregate.Snapshot, len(plugins)),
		stopTimeout: 30 * time.Second,
		logger:      logger,
	}
	for i := range h.chans {
		h.chans[i] = make(chan aggregate.Snapshot, 1)
	}
	return h
}

// Len is the number of registered plugins.
func (h *Host) Len() int { return len(h.plugins) }

// Publish never blocks. Only the sampling goroutine calls it.
func (h *Host) Publish(s aggregate.Snapshot) {
	for _, ch := range h.chans {
		select {
		case ch <- s:
			continue
		default:
		}
		// Replace the stale snapshot the plugin has not read yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Run starts every plugin and waits for them after ctx is done, giving up
// after the stop timeout. A failing plugin is logged and does not stop the
// others or the monitor.
func (h *Host) Run(ctx context.Context) error {
	var g errgroup.Group
	for i, p := range h.plugins {
		ch := h.chans[i]
		log := h.logger.With(zap.String("plugin", p.Name()))
		g.Go(func() error {
			log.Info("plugin starting")
			if err := p.Start(ctx, ch); err != nil && ctx.Err() == nil {
				log.Error("plugin exited", zap.Error(err))
			}
			if err := p.Stop(); err != nil {
				log.Warn("plugin stop", zap.Error(err))
			}
			log.Info("plugin stopped")
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	select {
	case <-done:
	case <-time.After(h.stopTimeout):
		h.logger.Warn("plugins did not stop in time", zap.Duration("timeout", h.stopTimeout))
	}
	return nil
}
