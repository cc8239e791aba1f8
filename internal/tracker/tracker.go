// Package tracker maintains the in-memory book of open positions, keyed by
// symbol, with mark-to-market and high-water-mark maintenance.
package tracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/errs"
	"mexc-sniper-bot/internal/metrics"
)

// Position is one open holding. HighWaterMark only ratchets upward and
// feeds the trailing-stop rule.
type Position struct {
	Symbol               string    `json:"symbol"`
	Quantity             float64   `json:"quantity"`
	EntryPrice           float64   `json:"entry_price"`
	EntryTime            time.Time `json:"entry_time"`
	BuyOrderID           int64     `json:"buy_order_id"`
	TradeAttemptID       string    `json:"trade_attempt_id"`
	CurrentPrice         float64   `json:"current_price"`
	PriceUpdatedAt       time.Time `json:"price_updated_at"`
	UnrealizedPnL        float64   `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64   `json:"unrealized_pnl_percent"`
	HighWaterMark        float64   `json:"high_water_mark"`
}

// Tracker is the concurrent position book.
type Tracker struct {
	clk     clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector

	mu        sync.RWMutex
	positions map[string]*Position
}

// New creates an empty tracker.
func New(clk clock.Clock, mc *metrics.Collector, logger zerolog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{
		clk:       clk,
		logger:    logger,
		metrics:   mc,
		positions: make(map[string]*Position),
	}
}

// Open records a filled buy. Opening a symbol that is already held is a
// DUPLICATE_ATTEMPT error; the pipeline holds at most one position per
// symbol.
func (t *Tracker) Open(symbol string, qty, entryPrice float64, buyOrderID int64, attemptID string) (*Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.positions[symbol]; exists {
		return nil, errs.Trading(errs.CodeDuplicateAttempt, "position already open for "+symbol)
	}
	now := t.clk.Now()
	p := &Position{
		Symbol:         symbol,
		Quantity:       qty,
		EntryPrice:     entryPrice,
		EntryTime:      now,
		BuyOrderID:     buyOrderID,
		TradeAttemptID: attemptID,
		CurrentPrice:   entryPrice,
		PriceUpdatedAt: now,
		HighWaterMark:  entryPrice,
	}
	t.positions[symbol] = p
	t.gauge()
	t.logger.Info().Str("symbol", symbol).Float64("qty", qty).Float64("entry", entryPrice).Msg("position opened")
	return snapshot(p), nil
}

// Restore re-inserts a position rebuilt from persisted buys, preserving
// the original entry time.
func (t *Tracker) Restore(symbol string, qty, entryPrice float64, entryTime time.Time, attemptID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[symbol] = &Position{
		Symbol:         symbol,
		Quantity:       qty,
		EntryPrice:     entryPrice,
		EntryTime:      entryTime,
		TradeAttemptID: attemptID,
		CurrentPrice:   entryPrice,
		PriceUpdatedAt: t.clk.Now(),
		HighWaterMark:  entryPrice,
	}
	t.gauge()
}

// Reduce shrinks a position after a partial sell, removing it entirely when
// the sold quantity covers the holding. It returns the closed flag.
func (t *Tracker) Reduce(symbol string, qty float64) (closed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return false, errs.Trading(errs.CodeNoPosition, "no open position for "+symbol)
	}
	const dust = 1e-9
	if qty >= p.Quantity-dust {
		delete(t.positions, symbol)
		t.gauge()
		t.logger.Info().Str("symbol", symbol).Msg("position closed")
		return true, nil
	}
	p.Quantity -= qty
	t.logger.Info().Str("symbol", symbol).Float64("remaining", p.Quantity).Msg("position reduced")
	return false, nil
}

// Get returns a copy of the position for symbol.
func (t *Tracker) Get(symbol string) (*Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	if !ok {
		return nil, false
	}
	return snapshot(p), true
}

// List returns copies of all open positions.
func (t *Tracker) List() []*Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, snapshot(p))
	}
	return out
}

// Count reports the number of open positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// MarkToMarket applies a fresh price: PnL recomputes and the high-water
// mark ratchets. Unknown symbols are ignored.
func (t *Tracker) MarkToMarket(symbol string, price float64) (*Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return nil, false
	}
	p.CurrentPrice = price
	p.PriceUpdatedAt = t.clk.Now()
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
	if p.EntryPrice > 0 {
		p.UnrealizedPnLPercent = (price - p.EntryPrice) / p.EntryPrice * 100
	}
	if price > p.HighWaterMark {
		p.HighWaterMark = price
	}
	return snapshot(p), true
}

// TotalValue sums quantity times current price across the book.
func (t *Tracker) TotalValue() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, p := range t.positions {
		total += p.Quantity * p.CurrentPrice
	}
	return total
}

func (t *Tracker) gauge() {
	if t.metrics != nil {
		t.metrics.OpenPositions.Set(float64(len(t.positions)))
	}
}

func snapshot(p *Position) *Position {
	cp := *p
	return &cp
}
