// Package circuit implements a rolling-window circuit breaker placed in
// front of each exchange endpoint group. When the error ratio inside the
// window crosses the threshold the breaker opens and calls fail fast
// without touching the wire; after the reset timeout a single half-open
// probe decides whether to close again.
package circuit

import (
	"sync"
	"time"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/errs"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// GaugeValue maps a state to its metric value.
func (s BreakerState) GaugeValue() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config holds circuit breaker tuning.
type Config struct {
	Window           time.Duration // rolling window length
	Buckets          int           // number of buckets in the window
	ErrorThreshold   float64       // error ratio that opens the breaker
	MinRequests      int           // calls required in window before the ratio applies
	ResetTimeout     time.Duration // open -> half-open delay
	CallTimeout      time.Duration // per-call deadline enforced by the caller
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Window:         60 * time.Second,
		Buckets:        10,
		ErrorThreshold: 0.5,
		MinRequests:    3,
		ResetTimeout:   30 * time.Second,
		CallTimeout:    3 * time.Second,
	}
}

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// Breaker is a circuit breaker for one logical endpoint group.
type Breaker struct {
	mu      sync.Mutex
	group   string
	cfg     Config
	clk     clock.Clock
	state   BreakerState
	buckets []bucket
	openedAt time.Time
	probing  bool

	onStateChange func(group string, from, to BreakerState)
}

// New creates a breaker for the named endpoint group.
func New(group string, cfg Config, clk clock.Clock) *Breaker {
	if cfg.Buckets <= 0 {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{
		group:   group,
		cfg:     cfg,
		clk:     clk,
		state:   StateClosed,
		buckets: make([]bucket, 0, cfg.Buckets),
	}
}

// OnStateChange registers a callback fired on every transition. The
// callback runs outside the breaker lock.
func (b *Breaker) OnStateChange(fn func(group string, from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Group returns the endpoint group name.
func (b *Breaker) Group() string { return b.group }

// Allow reports whether a call may proceed. In the open state it returns a
// CIRCUIT_BREAKER_OPEN error; in half-open exactly one probe is admitted.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		if b.clk.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			b.probing = true
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
		return errs.New(errs.KindExchangeAPI, errs.CodeBreakerOpen,
			"circuit breaker open for group "+b.group)
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return errs.New(errs.KindExchangeAPI, errs.CodeBreakerOpen,
				"circuit breaker half-open, probe in flight for group "+b.group)
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	default:
		b.mu.Unlock()
		return nil
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probing = false
		b.buckets = b.buckets[:0]
		b.transition(StateClosed)
		b.mu.Unlock()
		return
	}
	b.currentBucket().successes++
	b.mu.Unlock()
}

// RecordFailure records a failed call and opens the breaker when the
// error ratio in the rolling window crosses the threshold. A failed
// half-open probe re-opens for the full reset timeout.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probing = false
		b.openedAt = b.clk.Now()
		b.transition(StateOpen)
		b.mu.Unlock()
		return
	}

	b.currentBucket().failures++

	total, failures := b.windowCounts()
	if b.state == StateClosed && total >= b.cfg.MinRequests &&
		float64(failures)/float64(total) >= b.cfg.ErrorThreshold {
		b.openedAt = b.clk.Now()
		b.transition(StateOpen)
	}
	b.mu.Unlock()
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of window counters for status reporting.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	total, failures := b.windowCounts()
	return map[string]interface{}{
		"group":    b.group,
		"state":    string(b.state),
		"requests": total,
		"failures": failures,
	}
}

// transition must be called with the lock held; the callback is deferred
// past the unlock by running it in a goroutine.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		go b.onStateChange(b.group, from, to)
	}
}

// currentBucket returns the bucket for the current time slice, rotating
// out buckets that have left the window. Caller holds the lock.
func (b *Breaker) currentBucket() *bucket {
	now := b.clk.Now()
	bucketLen := b.cfg.Window / time.Duration(b.cfg.Buckets)
	start := now.Truncate(bucketLen)

	// Drop buckets outside the window.
	cutoff := now.Add(-b.cfg.Window)
	kept := b.buckets[:0]
	for i := range b.buckets {
		if b.buckets[i].start.After(cutoff) {
			kept = append(kept, b.buckets[i])
		}
	}
	b.buckets = kept

	if n := len(b.buckets); n > 0 && b.buckets[n-1].start.Equal(start) {
		return &b.buckets[n-1]
	}
	b.buckets = append(b.buckets, bucket{start: start})
	return &b.buckets[len(b.buckets)-1]
}

func (b *Breaker) windowCounts() (total, failures int) {
	cutoff := b.clk.Now().Add(-b.cfg.Window)
	for i := range b.buckets {
		if !b.buckets[i].start.After(cutoff) {
			continue
		}
		total += b.buckets[i].successes + b.buckets[i].failures
		failures += b.buckets[i].failures
	}
	return total, failures
}
