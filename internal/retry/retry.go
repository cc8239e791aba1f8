// Package retry wraps transient operations in an exponential backoff
// policy. Only retryable failures (network errors, HTTP 429 and 5xx, plus
// an explicit code allow-list) are retried; everything else terminates the
// attempt immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mexc-sniper-bot/internal/errs"
)

// Policy describes the backoff behaviour.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// RandomizationFactor of 0.5 yields the +/-50% jitter the exchange
	// client runs with.
	RandomizationFactor float64
	// RetryableCodes extends the default classification.
	RetryableCodes []string
}

// DefaultPolicy returns the exchange client policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          3,
		InitialInterval:     time.Second,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		RandomizationFactor: 0.5,
	}
}

func (p Policy) retryable(err error) bool {
	if errs.Retryable(err) {
		return true
	}
	code := errs.CodeOf(err)
	for _, allowed := range p.RetryableCodes {
		if code == allowed {
			return true
		}
	}
	return false
}

// Do runs op under the policy until it succeeds, exhausts its retries, the
// context is cancelled, or a non-retryable error occurs.
func Do(ctx context.Context, p Policy, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxInterval
	bo.RandomizationFactor = p.RandomizationFactor
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not wall time

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(p.MaxRetries)), ctx)
	return backoff.Retry(wrapped, policy)
}
