package retry

import (
	"context"
	"testing"
	"time"

	"mexc-sniper-bot/internal/errs"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries:          3,
		InitialInterval:     time.Millisecond,
		Multiplier:          2,
		MaxInterval:         5 * time.Millisecond,
		RandomizationFactor: 0,
	}
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func() error {
		calls++
		if calls < 3 {
			return errs.ExchangeAPI(errs.CodeAPIError, "service unavailable", 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func() error {
		calls++
		return errs.ExchangeAPI(errs.CodeAPIError, "too many requests", 429)
	})
	if err == nil {
		t.Fatal("Do() = nil, want error after retries exhausted")
	}
	// Initial attempt plus three retries.
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestNonRetryableErrorTerminatesImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func() error {
		calls++
		return errs.Trading(errs.CodeOrderValidation, "quantity below minQty")
	})
	if !errs.IsCode(err, errs.CodeOrderValidation) {
		t.Fatalf("Do() = %v, want validation error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries on validation errors)", calls)
	}
}

func TestBreakerOpenIsNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func() error {
		calls++
		return errs.New(errs.KindExchangeAPI, errs.CodeBreakerOpen, "open")
	})
	if !errs.IsCode(err, errs.CodeBreakerOpen) {
		t.Fatalf("Do() = %v, want breaker-open error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestAllowListedCodeIsRetried(t *testing.T) {
	p := fastPolicy()
	p.RetryableCodes = []string{"FLAKY_UPSTREAM"}
	calls := 0
	err := Do(context.Background(), p, func() error {
		calls++
		if calls < 2 {
			return errs.Trading("FLAKY_UPSTREAM", "transient business hiccup")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastPolicy(), func() error {
		return errs.ExchangeAPI(errs.CodeAPIError, "boom", 500)
	})
	if err == nil {
		t.Fatal("Do() = nil, want error for cancelled context")
	}
}
