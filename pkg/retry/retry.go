// Package retry runs an operation again with exponential backoff until it
// succeeds, fails permanently or the context ends.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy controls how often and how long to retry.
type Policy struct {
	// Attempts beyond the first one. Zero runs the operation exactly once.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Factor         float64
	// Jitter randomizes each wait by up to half an interval.
	Jitter bool
}

// DefaultPolicy is used for RPC and webhook retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Factor:         2.0,
		Jitter:         true,
	}
}

// Retryable decides whether err is worth another attempt.
type Retryable func(error) bool

// Always treats every error as retryable.
func Always(error) bool { return true }

// Notify is called before each retry with the 1-based retry number.
type Notify func(retry int, err error, wait time.Duration)

func (p Policy) normalized() Policy {
	if p.Factor <= 0 {
		p.Factor = 2.0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 || p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff * 16
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// backOff builds the schedule for one Do call. The retry count is the only
// limit; elapsed time is bounded by ctx.
func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	exp.Multiplier = p.Factor
	exp.MaxElapsedTime = 0
	exp.RandomizationFactor = 0
	if p.Jitter {
		exp.RandomizationFactor = 0.5
	}
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxRetries)), ctx)
}

// Do calls fn until it succeeds or the policy gives up and returns the last result.
func Do[T any](ctx context.Context, p Policy, retryable Retryable, notify Notify, fn func() (T, error)) (T, error) {
	p = p.normalized()
	if retryable == nil {
		retryable = Always
	}

	retries := 0
	result, err := backoff.RetryNotifyWithData(func() (T, error) {
		result, err := fn()
		if err != nil && !retryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		retries++
		if notify != nil {
			notify(retries, err, wait)
		}
	})
	if err == nil {
		return result, nil
	}

	var zero T
	switch {
	case ctx.Err() != nil:
		return zero, fmt.Errorf("retry aborted: %w", err)
	case retryable(err) && retries == p.MaxRetries && p.MaxRetries > 0:
		return zero, fmt.Errorf("giving up after %d retries: %w", p.MaxRetries, err)
	default:
		return zero, err
	}
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, p Policy, retryable Retryable, notify Notify, fn func() error) error {
	_, err := Do(ctx, p, retryable, notify, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
