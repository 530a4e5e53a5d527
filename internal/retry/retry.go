// Package retry runs idempotent storage operations with exponential
// backoff. Only errors matching domain.ErrStorage are retried.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/platform/logging"
	"github.com/forge-labs/forge-go/internal/platform/metrics"
)

type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

// Disabled runs the operation exactly once.
func Disabled() Policy { return Policy{MaxAttempts: 1} }

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry max_attempts must be at least 1")
	}
	if p.MaxAttempts > 1 && p.InitialInterval <= 0 {
		return errors.New("retry initial_interval must be positive")
	}
	if p.MaxInterval > 0 && p.MaxInterval < p.InitialInterval {
		return errors.New("retry max_interval must not be below initial_interval")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return errors.New("retry multiplier must be at least 1")
	}
	return nil
}

// Retrier is safe for concurrent use.
type Retrier struct {
	policy  Policy
	metrics *metrics.Collector
	logger  *slog.Logger
}

func New(policy Policy, collector *metrics.Collector, logger *slog.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{policy: policy, metrics: collector, logger: logging.OrDiscard(logger)}
}

// Do runs fn until it succeeds, returns a non-storage error, the attempt
// budget is spent, or ctx ends.
func Do[T any](ctx context.Context, r *Retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	if r == nil || r.policy.MaxAttempts <= 1 {
		return fn(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	if r.policy.Multiplier > 0 {
		b.Multiplier = r.policy.Multiplier
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, domain.ErrStorage) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.StorageRetry(op)
		r.logger.Warn("retrying storage operation", "op", op, "attempt", attempt, "wait", wait, "error", err)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, r *Retrier, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
