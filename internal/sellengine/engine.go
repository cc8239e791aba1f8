// Package sellengine watches open positions and fires exit orders when a
// position trips one of the configured sell rules.
package sellengine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/cache"
	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/database"
	"mexc-sniper-bot/internal/mexc"
	"mexc-sniper-bot/internal/tracker"
)

// Evaluation cadence and the price age beyond which a position is skipped
// until a fresh quote arrives.
const (
	tickInterval  = time.Second
	priceStaleAge = 5 * time.Second
)

// Seller executes the exit order, normally the trade executor.
type Seller interface {
	ExecuteSellTrade(ctx context.Context, symbol string, qty float64, reason string) (*database.TradeAttempt, error)
}

// PriceSource refreshes quotes for held symbols.
type PriceSource interface {
	GetTickerPrice(ctx context.Context, symbol string) (*mexc.TickerPrice, error)
}

// ConfigSource loads the active profile whose thresholds drive the rules.
type ConfigSource interface {
	GetActiveConfiguration(ctx context.Context, userID string) (*database.TradingConfiguration, error)
}

// Engine is the sell-rule monitor.
type Engine struct {
	userID  string
	seller  Seller
	prices  PriceSource
	cache   *cache.Service
	configs ConfigSource
	book    *tracker.Tracker
	clk     clock.Clock
	logger  zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New wires the engine.
func New(userID string, seller Seller, prices PriceSource, pc *cache.Service, configs ConfigSource,
	book *tracker.Tracker, clk clock.Clock, logger zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		userID:   userID,
		seller:   seller,
		prices:   prices,
		cache:    pc,
		configs:  configs,
		book:     book,
		clk:      clk,
		logger:   logger,
		inFlight: make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go func() {
			defer close(e.done)
			ticker := time.NewTicker(tickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-e.stop:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					e.RunOnce(ctx)
				}
			}
		}()
	})
}

// Stop halts the loop and waits for the current pass.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
	}
}

// RunOnce evaluates every open position against the active profile.
func (e *Engine) RunOnce(ctx context.Context) {
	positions := e.book.List()
	if len(positions) == 0 {
		return
	}
	cfg, err := e.configs.GetActiveConfiguration(ctx, e.userID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("sell monitor has no active configuration")
		return
	}

	now := e.clk.Now()
	for _, pos := range positions {
		pos := e.refreshPrice(ctx, pos)
		if pos == nil {
			continue
		}
		if now.Sub(pos.PriceUpdatedAt) > priceStaleAge {
			// A decision on a stale quote can fire the wrong rule; wait
			// for the next refresh instead.
			e.logger.Debug().Str("symbol", pos.Symbol).Msg("price stale, skipping evaluation")
			continue
		}
		reason, hit := Evaluate(cfg, pos, now)
		if !hit {
			continue
		}
		e.fire(ctx, pos.Symbol, reason)
	}
}

// refreshPrice pulls a quote from the price cache or the exchange and
// marks the position to market. Returns nil when the position vanished.
func (e *Engine) refreshPrice(ctx context.Context, pos *tracker.Position) *tracker.Position {
	var price float64
	if e.cache != nil {
		if p, ok := e.cache.GetPrice(ctx, pos.Symbol); ok {
			price = p
		}
	}
	if price == 0 {
		ticker, err := e.prices.GetTickerPrice(ctx, pos.Symbol)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("price refresh failed")
			return pos
		}
		price = ticker.Price
		if e.cache != nil {
			e.cache.SetPrice(ctx, pos.Symbol, price)
		}
	}
	updated, ok := e.book.MarkToMarket(pos.Symbol, price)
	if !ok {
		return nil
	}
	return updated
}

// fire runs the sell once per symbol at a time; a position whose exit is
// already in flight is left alone until the attempt settles.
func (e *Engine) fire(ctx context.Context, symbol, reason string) {
	e.mu.Lock()
	if e.inFlight[symbol] {
		e.mu.Unlock()
		return
	}
	e.inFlight[symbol] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, symbol)
		e.mu.Unlock()
	}()

	e.logger.Info().Str("symbol", symbol).Str("reason", reason).Msg("sell rule triggered")
	if _, err := e.seller.ExecuteSellTrade(ctx, symbol, 0, reason); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Str("reason", reason).Msg("exit order failed")
	}
}

// Evaluate checks the rules in fixed priority order; the first match wins.
// A single-rule strategy enables only its own rule, COMBINED enables all.
func Evaluate(cfg *database.TradingConfiguration, pos *tracker.Position, now time.Time) (string, bool) {
	enabled := func(rule string) bool {
		return cfg.SellStrategy == rule || cfg.SellStrategy == database.StrategyCombined
	}

	if enabled(database.StrategyStopLoss) && cfg.StopLossBps > 0 {
		floor := pos.EntryPrice * (1 - cfg.StopLossBps/10000)
		if pos.CurrentPrice <= floor {
			return database.StrategyStopLoss, true
		}
	}
	if enabled(database.StrategyTrailingStop) && cfg.TrailingStopBps > 0 {
		if pos.HighWaterMark > pos.EntryPrice {
			trail := pos.HighWaterMark * (1 - cfg.TrailingStopBps/10000)
			if pos.CurrentPrice <= trail {
				return database.StrategyTrailingStop, true
			}
		}
	}
	if enabled(database.StrategyProfitTarget) && cfg.ProfitTargetBps > 0 {
		target := pos.EntryPrice * (1 + cfg.ProfitTargetBps/10000)
		if pos.CurrentPrice >= target {
			return database.StrategyProfitTarget, true
		}
	}
	if enabled(database.StrategyTimeBased) && cfg.TimeBasedExitMinutes > 0 {
		if now.Sub(pos.EntryTime) >= time.Duration(cfg.TimeBasedExitMinutes)*time.Minute {
			return database.StrategyTimeBased, true
		}
	}
	return "", false
}
