package detector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/database"
	"mexc-sniper-bot/internal/events"
	"mexc-sniper-bot/internal/metrics"
)

// Deduper is the short-window dedup backend (Redis). A true return means
// this (symbol, source) pair is new inside the window.
type Deduper interface {
	MarkSignalSeen(ctx context.Context, symbol, source string) bool
}

// Store persists signals and listing events and answers the durable
// suppression check.
type Store interface {
	InsertListingEvent(ctx context.Context, e *database.ListingEvent) error
	ListingSeenRecently(ctx context.Context, symbol string) (bool, error)
	InsertSignal(ctx context.Context, id, symbol, source, confidence string, price float64, detectedAt, deadline time.Time) error
}

// Handler receives every accepted signal, typically the trade executor.
type Handler func(ctx context.Context, sig Signal)

// Orchestrator drives the scanners on a fixed cadence and funnels their
// output through merge, dedup and persistence before dispatch.
type Orchestrator struct {
	scanners []Scanner
	dedup    Deduper
	store    Store
	bus      *events.Bus
	handler  Handler
	clk      clock.Clock
	logger   zerolog.Logger
	metrics  *metrics.Collector
	interval time.Duration

	inCycle atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
}

// NewOrchestrator wires the detection pipeline.
func NewOrchestrator(scanners []Scanner, dedup Deduper, store Store, bus *events.Bus, handler Handler,
	interval time.Duration, clk clock.Clock, mc *metrics.Collector, logger zerolog.Logger) *Orchestrator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Orchestrator{
		scanners: scanners,
		dedup:    dedup,
		store:    store,
		bus:      bus,
		handler:  handler,
		clk:      clk,
		logger:   logger,
		metrics:  mc,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop. Repeated starts are no-ops.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.RunCycle(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for the in-flight cycle.
func (o *Orchestrator) Stop() {
	if !o.started.Load() {
		return
	}
	select {
	case <-o.stop:
	default:
		close(o.stop)
	}
	<-o.done
}

// RunCycle executes one detection pass. A cycle that is still running when
// the next tick fires makes the new tick a no-op rather than overlapping.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	if !o.inCycle.CompareAndSwap(false, true) {
		o.logger.Debug().Msg("detection cycle still running, skipping tick")
		return
	}
	defer o.inCycle.Store(false)
	defer o.observeCycle(o.clk.Now())

	raw := o.scanAll(ctx)
	if len(raw) == 0 {
		return
	}
	for _, sig := range o.merge(raw) {
		o.accept(ctx, sig)
	}
}

// scanAll runs every scanner concurrently and collects their output.
func (o *Orchestrator) scanAll(ctx context.Context) []Signal {
	var (
		mu  sync.Mutex
		out []Signal
		wg  sync.WaitGroup
	)
	for _, sc := range o.scanners {
		wg.Add(1)
		go func(sc Scanner) {
			defer wg.Done()
			sigs := sc.Scan(ctx)
			if len(sigs) == 0 {
				return
			}
			mu.Lock()
			out = append(out, sigs...)
			mu.Unlock()
		}(sc)
	}
	wg.Wait()
	return out
}

// merge collapses same-symbol sightings from one cycle, keeping the most
// authoritative source.
func (o *Orchestrator) merge(raw []Signal) []Signal {
	best := make(map[string]Signal, len(raw))
	order := make([]string, 0, len(raw))
	for _, sig := range raw {
		prev, seen := best[sig.Symbol]
		if !seen {
			best[sig.Symbol] = sig
			order = append(order, sig.Symbol)
			continue
		}
		if authority[sig.Source] > authority[prev.Source] {
			// Keep market data from the losing sighting when the winner
			// has none.
			if sig.Price == 0 {
				sig.Price = prev.Price
			}
			if sig.Volume == 0 {
				sig.Volume = prev.Volume
			}
			best[sig.Symbol] = sig
		}
	}
	out := make([]Signal, 0, len(best))
	for _, sym := range order {
		out = append(out, best[sym])
	}
	return out
}

// accept runs a merged signal through dedup and persistence, then
// dispatches it. Dedup backends failing means the signal goes through.
func (o *Orchestrator) accept(ctx context.Context, sig Signal) {
	if o.dedup != nil && !o.dedup.MarkSignalSeen(ctx, sig.Symbol, string(sig.Source)) {
		o.count(sig.Source, "duplicate")
		return
	}
	if o.store != nil {
		seen, err := o.store.ListingSeenRecently(ctx, sig.Symbol)
		if err != nil {
			o.logger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("durable dedup check failed, failing open")
		} else if seen {
			o.count(sig.Source, "duplicate")
			return
		}

		if err := o.store.InsertSignal(ctx, sig.ID, sig.Symbol, string(sig.Source), string(sig.Confidence),
			sig.Price, sig.DetectedAt, sig.FreshnessDeadline); err != nil {
			o.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("signal persistence failed")
		}
		ev := database.NewListingEvent(sig.Symbol, sig.VcoinID, sig.ProjectName,
			string(sig.Source), string(sig.Confidence), sig.Price, sig.DetectedAt, sig.FirstOpenTime)
		if err := o.store.InsertListingEvent(ctx, &ev); err != nil {
			o.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("listing event persistence failed")
		}
	}

	o.count(sig.Source, "accepted")
	o.logger.Info().
		Str("symbol", sig.Symbol).
		Str("source", string(sig.Source)).
		Str("confidence", string(sig.Confidence)).
		Msg("new listing detected")

	if o.bus != nil {
		payload := &events.ListingDetected{
			ID:         sig.ID,
			Symbol:     sig.Symbol,
			Price:      sig.Price,
			DetectedAt: sig.DetectedAt,
			Metadata:   events.ListingMetadata{DetectionMethod: string(sig.Source)},
		}
		if sig.Volume != 0 {
			v := sig.Volume
			payload.Metadata.Volume = &v
		}
		if sig.Change24h != 0 {
			c := sig.Change24h
			payload.Metadata.Change24h = &c
		}
		o.bus.Publish(events.New(events.EventListingDetected, sig.DetectedAt, payload))
	}
	if o.handler != nil {
		o.handler(ctx, sig)
	}
}

// observeCycle flags cycles that ran past 80% of the tick interval. An
// overrun means the next tick will likely be skipped by the overlap guard.
func (o *Orchestrator) observeCycle(start time.Time) {
	elapsed := o.clk.Since(start)
	budget := o.interval * 4 / 5
	if elapsed <= budget {
		return
	}
	if o.metrics != nil {
		o.metrics.CycleOverruns.Inc()
	}
	o.logger.Warn().
		Dur("elapsed", elapsed).
		Dur("budget", budget).
		Msg("detection cycle ran past its time budget")
}

func (o *Orchestrator) count(source Source, outcome string) {
	if o.metrics != nil {
		o.metrics.SignalsTotal.WithLabelValues(string(source), outcome).Inc()
	}
}
