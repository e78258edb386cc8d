// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
)

// ErrSink marks a sink failure that persisted after retries.
var ErrSink = errors.New("sink write failed")

// Sink stores batches of aggregated records.
type Sink interface {
	Write(ctx context.Context, records []aggregate.Record) error
	Close() error
}

// Error describes a failed sink operation. It matches ErrSink with errors.Is.
type Error struct {
	Sink    string
	Records int
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s sink: writing %d records: %v", e.Sink, e.Records, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrSink }

// Nop discards every record.
type Nop struct{}

func (Nop) Write(context.Context, []aggregate.Record) error { return nil }
func (Nop) Close() error { return nil }
