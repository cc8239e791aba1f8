// Package rules caches per-symbol exchange trading filters and validates
// orders against them before they reach the wire.
package rules

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/errs"
	"mexc-sniper-bot/internal/metrics"
	"mexc-sniper-bot/internal/mexc"
)

// SymbolRules holds the trading constraints for one symbol.
type SymbolRules struct {
	Symbol      string  `json:"symbol"`
	Status      string  `json:"status"`
	BaseAsset   string  `json:"base_asset"`
	QuoteAsset  string  `json:"quote_asset"`
	MinQty      float64 `json:"min_qty"`
	MaxQty      float64 `json:"max_qty"`
	StepSize    float64 `json:"step_size"`
	MinNotional float64 `json:"min_notional"`
	TickSize    float64 `json:"tick_size"`
}

// ExchangeInfoSource is the slice of the exchange client the cache needs.
type ExchangeInfoSource interface {
	GetExchangeInfo(ctx context.Context) (*mexc.ExchangeInfo, error)
}

// Cache is a TTL-bounded snapshot of symbol rules. Refresh swaps the whole
// map so readers never observe a torn update.
type Cache struct {
	source  ExchangeInfoSource
	ttl     time.Duration
	clk     clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector

	mu         sync.RWMutex
	rules      map[string]SymbolRules
	lastUpdate time.Time
}

// NewCache creates a rules cache with the given TTL (default 3600s).
func NewCache(source ExchangeInfoSource, ttl time.Duration, clk clock.Clock, mc *metrics.Collector, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{
		source:  source,
		ttl:     ttl,
		clk:     clk,
		logger:  logger,
		metrics: mc,
		rules:   make(map[string]SymbolRules),
	}
}

// LoadRules refreshes the map when the TTL has elapsed or the map is
// empty. Concurrent callers during a refresh see the previous snapshot.
func (c *Cache) LoadRules(ctx context.Context) error {
	c.mu.RLock()
	fresh := len(c.rules) > 0 && c.clk.Since(c.lastUpdate) <= c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	return c.Refresh(ctx)
}

// Refresh unconditionally reloads the rules from the exchange.
func (c *Cache) Refresh(ctx context.Context) error {
	info, err := c.source.GetExchangeInfo(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]SymbolRules, len(info.Symbols))
	for _, s := range info.Symbols {
		next[s.Symbol] = parseSymbol(s)
	}

	c.mu.Lock()
	c.rules = next
	c.lastUpdate = c.clk.Now()
	c.mu.Unlock()

	c.logger.Info().Int("symbols", len(next)).Msg("exchange rules refreshed")
	return nil
}

func parseSymbol(s mexc.SymbolInfo) SymbolRules {
	r := SymbolRules{
		Symbol:     s.Symbol,
		Status:     s.Status,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			r.MinQty = f.MinQty
			r.MaxQty = f.MaxQty
			r.StepSize = f.StepSize
		case "MIN_NOTIONAL":
			r.MinNotional = f.MinNotional
		case "PRICE_FILTER":
			r.TickSize = f.TickSize
		}
	}
	return r
}

// GetRules returns the rules for a symbol. The second return is false when
// the symbol is unknown.
func (c *Cache) GetRules(symbol string) (SymbolRules, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[symbol]
	if c.metrics != nil {
		if ok {
			c.metrics.CacheOps.WithLabelValues("hit").Inc()
		} else {
			c.metrics.CacheOps.WithLabelValues("miss").Inc()
		}
	}
	return r, ok
}

// AdjustQuantity rounds qty down to the nearest legal step multiple.
// Unknown symbols or a zero step leave the quantity unchanged.
func (c *Cache) AdjustQuantity(symbol string, qty float64) float64 {
	r, ok := c.GetRules(symbol)
	if !ok || r.StepSize <= 0 {
		return qty
	}
	return roundDown(qty, r.StepSize)
}

// AdjustPrice rounds price down to the nearest legal tick multiple.
func (c *Cache) AdjustPrice(symbol string, price float64) float64 {
	r, ok := c.GetRules(symbol)
	if !ok || r.TickSize <= 0 {
		return price
	}
	return roundDown(price, r.TickSize)
}

// roundDown snaps v down to a multiple of step, tolerating float noise so
// an already-legal value stays put.
func roundDown(v, step float64) float64 {
	steps := math.Floor(v/step + 1e-9)
	// Quantize through the step's decimal exponent to avoid artifacts
	// like 0.30000000000000004.
	result := steps * step
	return math.Round(result/step) * step
}

// LastUpdate reports when the snapshot was last refreshed.
func (c *Cache) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// ErrRulesUnavailable is returned by validation when a symbol has no
// cached rules; validation fails closed.
var ErrRulesUnavailable = errs.Trading(errs.CodeOrderValidation, "no trading rules available for symbol")
