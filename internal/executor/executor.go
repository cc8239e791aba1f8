// Package executor turns accepted listing signals into exchange orders,
// running the safety gate, symbol-rule validation and risk checks before
// anything touches the wire.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/cache"
	"mexc-sniper-bot/internal/clock"
	"mexc-sniper-bot/internal/database"
	"mexc-sniper-bot/internal/detector"
	"mexc-sniper-bot/internal/errs"
	"mexc-sniper-bot/internal/events"
	"mexc-sniper-bot/internal/metrics"
	"mexc-sniper-bot/internal/mexc"
	"mexc-sniper-bot/internal/risk"
	"mexc-sniper-bot/internal/rules"
	"mexc-sniper-bot/internal/tracker"
)

// Exchange is the client slice the executor needs.
type Exchange interface {
	GetTickerPrice(ctx context.Context, symbol string) (*mexc.TickerPrice, error)
	PlaceOrder(ctx context.Context, req mexc.OrderRequest) (*mexc.OrderResponse, error)
}

// Store is the repository slice the executor needs.
type Store interface {
	GetActiveConfiguration(ctx context.Context, userID string) (*database.TradingConfiguration, error)
	InsertTradeAttempt(ctx context.Context, a *database.TradeAttempt) error
	CompleteTradeAttempt(ctx context.Context, a *database.TradeAttempt) error
	SpentToday(ctx context.Context) (float64, error)
	TradesLastHour(ctx context.Context) (int, error)
}

// Config tunes the executor.
type Config struct {
	UserID       string
	RecvWindowMs int64
	OrderTimeout time.Duration
}

// Executor owns the buy and sell pipelines.
type Executor struct {
	cfg       Config
	exchange  Exchange
	store     Store
	rules     *rules.Cache
	validator *rules.Validator
	risk      *risk.Manager
	tracker   *tracker.Tracker
	prices    *cache.Service
	bus       *events.Bus
	clk       clock.Clock
	metrics   *metrics.Collector
	logger    zerolog.Logger
}

// New wires the executor.
func New(cfg Config, exchange Exchange, store Store, rc *rules.Cache, validator *rules.Validator,
	rm *risk.Manager, tr *tracker.Tracker, prices *cache.Service, bus *events.Bus,
	clk clock.Clock, mc *metrics.Collector, logger zerolog.Logger) *Executor {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Executor{
		cfg:       cfg,
		exchange:  exchange,
		store:     store,
		rules:     rc,
		validator: validator,
		risk:      rm,
		tracker:   tr,
		prices:    prices,
		bus:       bus,
		clk:       clk,
		metrics:   mc,
		logger:    logger,
	}
}

// ExecuteTrade runs the buy pipeline for a listing signal. Gate rejections
// before the attempt record exists leave no trace beyond logs and metrics.
func (e *Executor) ExecuteTrade(ctx context.Context, sig detector.Signal) (*database.TradeAttempt, error) {
	cfg, err := e.store.GetActiveConfiguration(ctx, e.cfg.UserID)
	if err != nil {
		return nil, err
	}
	if !cfg.SafetyEnabled {
		return nil, errs.Trading(errs.CodeRiskRejected, "buying disarmed by safety flag")
	}
	if !cfg.SymbolAllowed(sig.Symbol) {
		return nil, errs.Trading(errs.CodeRiskRejected, sig.Symbol+" is not in the enabled symbol set")
	}

	if e.cfg.RecvWindowMs < 1 || e.cfg.RecvWindowMs > 1000 {
		return nil, errs.Trading(errs.CodeRecvWindow,
			fmt.Sprintf("recv window %dms outside [1,1000]", e.cfg.RecvWindowMs))
	}

	now := e.clk.Now()
	if !sig.Fresh(now) {
		// Stale signals are dropped quietly: no attempt record, no alert.
		e.countTrade("stale")
		e.logger.Debug().
			Str("symbol", sig.Symbol).
			Time("deadline", sig.FreshnessDeadline).
			Msg("signal expired before execution")
		return nil, errs.Trading(errs.CodeSignalStale, "signal for "+sig.Symbol+" is stale")
	}

	trades, err := e.store.TradesLastHour(ctx)
	if err != nil {
		return nil, err
	}
	if trades >= cfg.MaxTradesPerHour {
		return nil, errs.Trading(errs.CodeRiskRejected,
			fmt.Sprintf("hourly trade cap reached (%d/%d)", trades, cfg.MaxTradesPerHour))
	}
	quote := cfg.PerTradeQuote
	if cfg.MaxPurchase > 0 && quote > cfg.MaxPurchase {
		quote = cfg.MaxPurchase
	}
	spent, err := e.store.SpentToday(ctx)
	if err != nil {
		return nil, err
	}
	if spent+quote > cfg.DailySpendLimit {
		return nil, errs.Trading(errs.CodeRiskRejected,
			fmt.Sprintf("daily spend limit would be exceeded (%.2f + %.2f > %.2f)",
				spent, quote, cfg.DailySpendLimit))
	}

	price, err := e.currentPrice(ctx, sig)
	if err != nil {
		return nil, err
	}
	// A listing that already ran past the tolerance band since detection is
	// not worth chasing.
	if cfg.PriceTolerance > 0 && sig.Price > 0 {
		if price > sig.Price*(1+cfg.PriceTolerance/100) {
			err := errs.Trading(errs.CodeOrderValidation,
				fmt.Sprintf("price %.8f exceeds detection price %.8f by more than %.2f%%",
					price, sig.Price, cfg.PriceTolerance))
			e.countTrade("failed")
			return nil, err
		}
	}

	qty := e.rules.AdjustQuantity(sig.Symbol, quote/price)
	orderPrice := 0.0
	checkPrice := price
	if cfg.OrderType == "LIMIT" {
		// The limit crosses the spread by at most the tolerance band, which
		// also caps the worst acceptable fill.
		orderPrice = e.rules.AdjustPrice(sig.Symbol, price*(1+cfg.PriceTolerance/100))
		checkPrice = orderPrice
	}
	if res := e.validator.Validate(sig.Symbol, checkPrice, qty); !res.Valid {
		err := errs.Trading(errs.CodeOrderValidation,
			fmt.Sprintf("order failed validation: %v", res.Errors))
		e.alert("executor", "high", err.Error(), "check symbol trading rules")
		e.countTrade("failed")
		return nil, err
	}

	if decision := e.risk.ValidateOrder(risk.OrderCheck{
		Symbol:              sig.Symbol,
		Side:                "BUY",
		Quantity:            qty,
		Price:               checkPrice,
		PortfolioValue:      e.tracker.TotalValue(),
		DailySpendRemaining: cfg.DailySpendLimit - spent,
		OpenPositions:       e.tracker.Count(),
	}); !decision.Approved {
		err := errs.Trading(errs.CodeRiskRejected, decision.Reason)
		e.alert("risk", "high", decision.Reason, "")
		e.countTrade("failed")
		return nil, err
	}

	attempt := &database.TradeAttempt{
		ID:                uuid.NewString(),
		ConfigID:          cfg.ID,
		Symbol:            sig.Symbol,
		Side:              "BUY",
		OrderType:         cfg.OrderType,
		Status:            database.AttemptPending,
		RequestedQuote:    quote,
		RequestedQuantity: qty,
	}
	if err := e.store.InsertTradeAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	e.publishTrade(attempt, cfg.SellStrategy)

	resp, execMs, err := e.placeOrder(ctx, mexc.OrderRequest{
		Symbol:      sig.Symbol,
		Side:        mexc.SideBuy,
		Type:        mexc.OrderType(cfg.OrderType),
		Quantity:    qty,
		Price:       orderPrice,
		TimeInForce: timeInForce(cfg.OrderType),
	})
	if err != nil {
		e.fail(ctx, attempt, execMs, err)
		return attempt, err
	}

	execPrice, execQty := fillOf(resp, price)
	attempt.Status = database.AttemptSuccess
	attempt.ExecutedPrice = execPrice
	attempt.ExecutedQuantity = execQty
	attempt.ExecutionTimeMs = execMs
	if err := e.store.CompleteTradeAttempt(ctx, attempt); err != nil {
		// Without a persisted SUCCESS no position may exist. The fill is
		// real, so this is loud: the operator has to reconcile manually.
		e.alert("executor", "critical",
			"order filled but persistence failed for "+attempt.ID, "reconcile position manually")
		e.countTrade("failed")
		return attempt, err
	}

	if _, err := e.tracker.Open(sig.Symbol, execQty, execPrice, resp.OrderID, attempt.ID); err != nil {
		e.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("tracker rejected fill")
	}
	e.risk.RecordSpend(execPrice * execQty)
	e.countTrade("success")
	if e.metrics != nil {
		e.metrics.TradeExecution.Observe(float64(execMs) / 1000)
	}
	e.publishTrade(attempt, cfg.SellStrategy)
	e.logger.Info().
		Str("symbol", sig.Symbol).
		Float64("price", execPrice).
		Float64("qty", execQty).
		Int64("ms", execMs).
		Msg("buy executed")
	return attempt, nil
}

// ExecuteSellTrade closes or reduces an open position. A zero quantity
// sells the whole holding.
func (e *Executor) ExecuteSellTrade(ctx context.Context, symbol string, qty float64, reason string) (*database.TradeAttempt, error) {
	pos, ok := e.tracker.Get(symbol)
	if !ok {
		return nil, errs.Trading(errs.CodeNoPosition, "no open position for "+symbol)
	}
	if qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}
	qty = e.rules.AdjustQuantity(symbol, qty)
	if qty <= 0 {
		return nil, errs.Trading(errs.CodeOrderValidation, "sell quantity rounds to zero for "+symbol)
	}

	cfg, err := e.store.GetActiveConfiguration(ctx, e.cfg.UserID)
	if err != nil {
		return nil, err
	}

	attempt := &database.TradeAttempt{
		ID:                uuid.NewString(),
		ConfigID:          cfg.ID,
		Symbol:            symbol,
		Side:              "SELL",
		OrderType:         "MARKET",
		Status:            database.AttemptPending,
		RequestedQuantity: qty,
		ParentTradeID:     pos.TradeAttemptID,
		SellReason:        reason,
	}
	if err := e.store.InsertTradeAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	e.publishTrade(attempt, reason)

	resp, execMs, err := e.placeOrder(ctx, mexc.OrderRequest{
		Symbol:   symbol,
		Side:     mexc.SideSell,
		Type:     mexc.OrderTypeMarket,
		Quantity: qty,
	})
	if err != nil {
		e.fail(ctx, attempt, execMs, err)
		return attempt, err
	}

	execPrice, execQty := fillOf(resp, pos.CurrentPrice)
	attempt.Status = database.AttemptSuccess
	attempt.ExecutedPrice = execPrice
	attempt.ExecutedQuantity = execQty
	attempt.ExecutionTimeMs = execMs
	if err := e.store.CompleteTradeAttempt(ctx, attempt); err != nil {
		e.alert("executor", "critical",
			"sell filled but persistence failed for "+attempt.ID, "reconcile position manually")
		return attempt, err
	}

	realized := (execPrice - pos.EntryPrice) * execQty
	e.risk.RecordRealizedPnL(realized)
	if _, err := e.tracker.Reduce(symbol, execQty); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("tracker reduce failed")
	}
	e.countTrade("success")
	if e.metrics != nil {
		e.metrics.TradeExecution.Observe(float64(execMs) / 1000)
	}
	e.publishTrade(attempt, reason)
	e.logger.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("realized_pnl", realized).
		Msg("sell executed")
	return attempt, nil
}

// currentPrice serves the freshest price available: cache, then exchange,
// then the price carried on the signal.
func (e *Executor) currentPrice(ctx context.Context, sig detector.Signal) (float64, error) {
	if e.prices != nil {
		if p, ok := e.prices.GetPrice(ctx, sig.Symbol); ok && p > 0 {
			return p, nil
		}
	}
	ticker, err := e.exchange.GetTickerPrice(ctx, sig.Symbol)
	if err == nil && ticker.Price > 0 {
		if e.prices != nil {
			e.prices.SetPrice(ctx, sig.Symbol, ticker.Price)
		}
		return ticker.Price, nil
	}
	if sig.Price > 0 {
		return sig.Price, nil
	}
	if err != nil {
		return 0, err
	}
	return 0, errs.Trading(errs.CodeOrderValidation, "no price available for "+sig.Symbol)
}

func (e *Executor) placeOrder(ctx context.Context, req mexc.OrderRequest) (*mexc.OrderResponse, int64, error) {
	octx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	start := e.clk.Now()
	resp, err := e.exchange.PlaceOrder(octx, req)
	elapsed := e.clk.Since(start).Milliseconds()
	return resp, elapsed, err
}

// fail finalizes an attempt after an order error and raises alerts for the
// terminal rejection classes.
func (e *Executor) fail(ctx context.Context, attempt *database.TradeAttempt, execMs int64, cause error) {
	attempt.Status = database.AttemptFailed
	attempt.ExecutionTimeMs = execMs
	attempt.ErrorCode = errs.CodeOf(cause)
	attempt.ErrorMessage = cause.Error()
	if err := e.store.CompleteTradeAttempt(ctx, attempt); err != nil {
		e.logger.Error().Err(err).Str("attempt", attempt.ID).Msg("failed attempt not persisted")
	}
	e.countTrade("failed")
	switch attempt.ErrorCode {
	case errs.CodeOrderValidation, errs.CodeRiskRejected, errs.CodeBreakerOpen:
		e.alert("executor", "high", cause.Error(), "")
	}
	e.publishTrade(attempt, attempt.SellReason)
}

func (e *Executor) publishTrade(a *database.TradeAttempt, strategy string) {
	if e.bus == nil {
		return
	}
	payload := &events.TradeUpdate{
		ID:              a.ID,
		Symbol:          a.Symbol,
		Status:          a.Status,
		Strategy:        strategy,
		ExecutionTimeMs: a.ExecutionTimeMs,
		Value:           a.ExecutedPrice * a.ExecutedQuantity,
	}
	if a.Status == database.AttemptSuccess {
		p, q := a.ExecutedPrice, a.ExecutedQuantity
		payload.ExecutedPrice = &p
		payload.ExecutedQuantity = &q
	}
	e.bus.Publish(events.New(events.EventTradeUpdate, e.clk.Now(), payload))
}

func (e *Executor) alert(component, severity, message, action string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.New(events.EventSystemAlert, e.clk.Now(), &events.SystemAlert{
		Severity:  severity,
		Component: component,
		Message:   message,
		Action:    action,
	}))
}

func (e *Executor) countTrade(status string) {
	if e.metrics != nil {
		e.metrics.TradesTotal.WithLabelValues(status).Inc()
	}
}

func timeInForce(orderType string) string {
	if orderType == "LIMIT" {
		return "GTC"
	}
	return ""
}

// fillOf extracts the effective fill from an order response, preferring the
// quote-quantity average and falling back to the reference price.
func fillOf(resp *mexc.OrderResponse, fallbackPrice float64) (price, qty float64) {
	qty = resp.ExecutedQty
	if qty <= 0 {
		qty = resp.OrigQty
	}
	switch {
	case resp.CummulativeQuoteQty > 0 && qty > 0:
		price = resp.CummulativeQuoteQty / qty
	case resp.Price > 0:
		price = resp.Price
	default:
		price = fallbackPrice
	}
	return price, qty
}
