package sink

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
)

type RetryConfig struct {
	Timeout    time.Duration // per attempt
	MaxRetries uint64
	Interval   time.Duration
}

// Retrying wraps a sink with per-attempt timeouts and exponential backoff.
type Retrying struct {
	name   string
	next   Sink
	cfg    RetryConfig
	logger *zap.Logger
}

func NewRetrying(name string, next Sink, cfg RetryConfig, logger *zap.Logger) *Retrying {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Retrying{name: name, next: next, cfg: cfg, logger: logger}
}

func (r *Retrying) Write(ctx context.Context, records []aggregate.Record) error {
	if len(records) == 0 {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.Interval
	bo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		err := r.next.Write(actx, records)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, r.cfg.MaxRetries), ctx), func(err error, wait time.Duration) {
		r.logger.Warn("sink write failed, will retry",
			zap.String("sink", r.name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return &Error{Sink: r.name, Records: len(records), Err: err}
	}

	r.logger.Debug("records written",
		zap.String("sink", r.name),
		zap.Int("records", len(records)),
		zap.Int("attempt", attempt),
	)
	return nil
}

func (r *Retrying) Close() error { return r.next.Close() }
