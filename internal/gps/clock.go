// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"
)

type SerialConfig struct {
	Port     string
	BaudRate uint
}

// Clock keeps the offset between the system clock and GPS time. Until the
// first valid fix it reports plain system time.
type Clock struct {
	mu      sync.RWMutex
	offset  time.Duration
	synced  bool
	lastFix time.Time
	system  func() time.Time
	logger  *zap.Logger
}

func NewClock(logger *zap.Logger) *Clock {
	return &Clock{system: time.Now, logger: logger}
}

// Now returns system time corrected by the last GPS offset.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.system().Add(c.offset).UTC()
}

func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

func (c *Clock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// Observe feeds one NMEA line to the clock. Lines other than valid RMC
// fixes are ignored.
func (c *Clock) Observe(line string) bool {
	fix, err := ParseRMC(line)
	if err != nil {
		return false
	}
	offset := fix.Time.Sub(c.system())

	c.mu.Lock()
	first := !c.synced
	c.offset, c.synced, c.lastFix = offset, true, fix.Time
	c.mu.Unlock()

	if first {
		c.logger.Info("gps clock synced",
			zap.Time("gps_time", fix.Time),
			zap.Duration("offset", offset),
		)
	}
	return true
}

// Follow reads NMEA lines from r until ctx is done or r fails.
func (c *Clock) Follow(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		c.Observe(scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("gps read: %w", err)
	}
	return nil
}

// Run opens the serial port and follows it. Closing the port on
// cancellation unblocks the pending read.
func (c *Clock) Run(ctx context.Context, cfg SerialConfig) error {
	if cfg.Port == "" {
		return errors.New("gps serial port not configured")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	port, err := serial.Open(serial.OpenOptions{
		PortName:        cfg.Port,
		BaudRate:        cfg.BaudRate,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return fmt.Errorf("open gps port %s: %w", cfg.Port, err)
	}
	c.logger.Info("gps serial port opened", zap.String("port", cfg.Port), zap.Uint("baud", cfg.BaudRate))

	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer func() {
		if stop() {
			port.Close()
		}
	}()
	return c.Follow(ctx, port)
}
