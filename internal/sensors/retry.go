package sensors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/power"
)

type RetryConfig struct {
	Timeout    time.Duration // per attempt
	MaxRetries uint64
	Interval   time.Duration // first backoff interval
}

// Retrying bounds every acquisition call by a timeout and retries failures
// with exponential backoff. Errors that survive every retry wrap
// ErrAcquisition.
type Retrying struct {
	src    Source
	cfg    RetryConfig
	logger *zap.Logger
}

func NewRetrying(src Source, cfg RetryConfig, logger *zap.Logger) *Retrying {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Retrying{src: src, cfg: cfg, logger: logger}
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.Interval
	bo.MaxInterval = 10 * r.cfg.Interval
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, r.cfg.MaxRetries), ctx)
}

func (r *Retrying) notify(op string) backoff.Notify {
	return func(err error, wait time.Duration) {
		r.logger.Warn("acquisition attempt failed, retrying",
			zap.String("op", op),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
}

func (r *Retrying) Collect(ctx context.Context, samples int, channels []power.ChannelConfig) (*power.SampleBatch, error) {
	batch, err := backoff.RetryNotifyWithData(func() (*power.SampleBatch, error) {
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		b, err := r.src.Collect(actx, samples, channels)
		return b, r.classify(ctx, err)
	}, r.policy(ctx), r.notify("collect"))
	return batch, r.wrap(ctx, "collect", err)
}

func (r *Retrying) BoardVoltage(ctx context.Context) (float64, error) {
	v, err := backoff.RetryNotifyWithData(func() (float64, error) {
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		v, err := r.src.BoardVoltage(actx)
		return v, r.classify(ctx, err)
	}, r.policy(ctx), r.notify("board_voltage"))
	return v, r.wrap(ctx, "board voltage", err)
}

// classify stops retrying on caller cancellation and contract violations.
func (r *Retrying) classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return backoff.Permanent(parent.Err())
	}
	if errors.Is(err, power.ErrInvalidBatch) {
		return backoff.Permanent(err)
	}
	return err
}

func (r *Retrying) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, power.ErrInvalidBatch) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrAcquisition, op, err)
}
