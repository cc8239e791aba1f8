package mexc

import (
	"context"
	"sync"
	"time"

	"mexc-sniper-bot/internal/errs"
)

// RateLimiterConfig tunes the client-side token bucket.
type RateLimiterConfig struct {
	Reservoir      int           // bucket capacity
	RefillInterval time.Duration // interval at which the bucket refills in full
	MinSpacing     time.Duration // minimum gap between dispatches
	MaxConcurrent  int           // in-flight request cap
	MaxQueue       int           // waiting jobs before rejection
}

// DefaultRateLimiterConfig returns the production tuning.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Reservoir:      20,
		RefillInterval: time.Second,
		MinSpacing:     50 * time.Millisecond,
		MaxConcurrent:  10,
		MaxQueue:       100,
	}
}

type waiter struct {
	ready     chan struct{}
	granted   bool
	cancelled bool
}

// RateLimiter is a token-bucket limiter with FIFO queueing, minimum
// dispatch spacing and an in-flight concurrency cap. One instance fronts
// all exchange requests in the process.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	lastDispatch time.Time
	inFlight     int
	queue        []*waiter

	notify chan struct{}
	stop   chan struct{}
	once   sync.Once

	onQueueDepth func(depth int)
}

// NewRateLimiter creates and starts a limiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Reservoir <= 0 {
		cfg = DefaultRateLimiterConfig()
	}
	rl := &RateLimiter{
		cfg:        cfg,
		tokens:     float64(cfg.Reservoir),
		lastRefill: time.Now(),
		notify:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	go rl.dispatch()
	return rl
}

// OnQueueDepth registers a gauge callback invoked whenever the queue
// length changes.
func (rl *RateLimiter) OnQueueDepth(fn func(depth int)) {
	rl.mu.Lock()
	rl.onQueueDepth = fn
	rl.mu.Unlock()
}

// Acquire blocks until a dispatch slot is granted, the queue overflows or
// ctx expires. Callers must pair a successful Acquire with Release.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	rl.mu.Lock()
	if len(rl.queue) >= rl.cfg.MaxQueue {
		rl.mu.Unlock()
		return errs.ExchangeAPI(errs.CodeRateLimit, "rate limiter queue full", 429)
	}
	w := &waiter{ready: make(chan struct{})}
	rl.queue = append(rl.queue, w)
	rl.reportDepth()
	rl.mu.Unlock()
	rl.poke()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		rl.abandon(w)
		return ctx.Err()
	case <-rl.stop:
		rl.abandon(w)
		return errs.ExchangeAPI(errs.CodeRateLimit, "rate limiter stopped", 429)
	}
}

// abandon retracts a waiter whose caller stopped waiting. The grant decision
// is serialized by the mutex: a waiter the dispatcher already granted gives
// its in-flight slot straight back, otherwise it is marked for the queue
// sweep. Without the granted check, a cancellation racing the grant would
// leak the slot and shrink the concurrency cap for good.
func (rl *RateLimiter) abandon(w *waiter) {
	rl.mu.Lock()
	if w.granted {
		if rl.inFlight > 0 {
			rl.inFlight--
		}
	} else {
		w.cancelled = true
	}
	rl.mu.Unlock()
	rl.poke()
}

// Release returns an in-flight slot.
func (rl *RateLimiter) Release() {
	rl.mu.Lock()
	if rl.inFlight > 0 {
		rl.inFlight--
	}
	rl.mu.Unlock()
	rl.poke()
}

// QueueDepth returns the number of waiting jobs.
func (rl *RateLimiter) QueueDepth() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.queue)
}

// Stop shuts the dispatcher down and releases all waiters with an error.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) poke() {
	select {
	case rl.notify <- struct{}{}:
	default:
	}
}

// dispatch serves the queue strictly in FIFO order.
func (rl *RateLimiter) dispatch() {
	for {
		rl.mu.Lock()
		rl.dropCancelledHead()
		if len(rl.queue) == 0 {
			rl.mu.Unlock()
			select {
			case <-rl.notify:
				continue
			case <-rl.stop:
				return
			}
		}

		rl.refill()
		wait := rl.nextDispatchDelay()
		if wait == 0 {
			head := rl.queue[0]
			rl.queue = rl.queue[1:]
			head.granted = true
			rl.tokens--
			rl.inFlight++
			rl.lastDispatch = time.Now()
			rl.reportDepth()
			rl.mu.Unlock()
			close(head.ready)
			continue
		}
		rl.mu.Unlock()

		if wait < 0 {
			// Blocked on concurrency; wake on Release.
			select {
			case <-rl.notify:
			case <-rl.stop:
				return
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-rl.notify:
			timer.Stop()
		case <-rl.stop:
			timer.Stop()
			return
		}
	}
}

// nextDispatchDelay reports how long until the head job may run: 0 when it
// can run now, -1 when blocked on the concurrency cap, otherwise the
// duration until tokens or spacing allow it. Caller holds the lock.
func (rl *RateLimiter) nextDispatchDelay() time.Duration {
	if rl.inFlight >= rl.cfg.MaxConcurrent {
		return -1
	}
	now := time.Now()
	var wait time.Duration
	if rl.tokens < 1 {
		wait = rl.lastRefill.Add(rl.cfg.RefillInterval).Sub(now)
	}
	if spacing := rl.lastDispatch.Add(rl.cfg.MinSpacing).Sub(now); spacing > wait {
		wait = spacing
	}
	if wait <= 0 {
		return 0
	}
	return wait
}

// refill tops the bucket back up to the reservoir once per interval.
// Caller holds the lock.
func (rl *RateLimiter) refill() {
	now := time.Now()
	if now.Sub(rl.lastRefill) >= rl.cfg.RefillInterval {
		rl.tokens = float64(rl.cfg.Reservoir)
		rl.lastRefill = now
	}
}

func (rl *RateLimiter) dropCancelledHead() {
	for len(rl.queue) > 0 && rl.queue[0].cancelled {
		rl.queue = rl.queue[1:]
		rl.reportDepth()
	}
}

func (rl *RateLimiter) reportDepth() {
	if rl.onQueueDepth != nil {
		rl.onQueueDepth(len(rl.queue))
	}
}
