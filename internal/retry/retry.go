// Package retry provides a bounded, fixed-delay retry policy for fallible
// leaf operations (vendor calls, status checks). It is built on
// cenkalti/backoff and logs one line per attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// ErrInvalidPolicy is returned by New when the policy cannot be honoured.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy runs an operation up to MaxAttempts times, waiting Delay between
// attempts. Construct it with New; the zero value is not usable.
type Policy struct {
	maxAttempts int
	delay       time.Duration
}

// New validates and returns a Policy. It fails immediately rather than on
// first use when maxAttempts < 1 or delay <= 0.
func New(maxAttempts int, delay time.Duration) (Policy, error) {
	if maxAttempts < 1 {
		return Policy{}, fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidPolicy, maxAttempts)
	}
	if delay <= 0 {
		return Policy{}, fmt.Errorf("%w: delay must be > 0, got %s", ErrInvalidPolicy, delay)
	}
	return Policy{maxAttempts: maxAttempts, delay: delay}, nil
}

// MustNew is New for static configuration; it panics on an invalid policy.
func MustNew(maxAttempts int, delay time.Duration) Policy {
	p, err := New(maxAttempts, delay)
	if err != nil {
		panic(err)
	}
	return p
}

// MaxAttempts returns the configured attempt budget.
func (p Policy) MaxAttempts() int { return p.maxAttempts }

// Delay returns the wait between attempts.
func (p Policy) Delay() time.Duration { return p.delay }

// Permanent marks err as non-retryable; Do returns it (unwrapped) at once.
func Permanent(err error) error { return backoff.Permanent(err) }

// Do invokes op until it succeeds, returns a Permanent error, the context is
// done, or the attempt budget is spent. On exhaustion the last error from op
// is returned unchanged so callers can match it with errors.Is.
func Do[T any](ctx context.Context, p Policy, name string, op func(context.Context) (T, error)) (T, error) {
	if p.maxAttempts < 1 {
		var zero T
		return zero, fmt.Errorf("%w: policy not initialized", ErrInvalidPolicy)
	}

	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		log.Info().Int("attempt", attempt).Int("max_attempts", p.maxAttempts).Str("op", name).Msg("running")
		return op(ctx)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.delay), uint64(p.maxAttempts-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Str("op", name).Dur("retry_in", next).Msg("attempt failed, retrying")
	}

	res, err := backoff.RetryNotifyWithData(wrapped, b, notify)
	if err != nil {
		log.Error().Err(err).Int("attempts", attempt).Str("op", name).Msg("operation failed")
	}
	return res, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, name string, op func(context.Context) error) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
