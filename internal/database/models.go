package database

import (
	"time"

	"mexc-sniper-bot/internal/errs"
)

// Sell strategy identifiers stored on trading configurations.
const (
	StrategyProfitTarget = "PROFIT_TARGET"
	StrategyStopLoss     = "STOP_LOSS"
	StrategyTimeBased    = "TIME_BASED"
	StrategyTrailingStop = "TRAILING_STOP"
	StrategyCombined     = "COMBINED"
)

// Trade attempt lifecycle states.
const (
	AttemptPending   = "PENDING"
	AttemptSuccess   = "SUCCESS"
	AttemptFailed    = "FAILED"
	AttemptCancelled = "CANCELLED"
)

// Price tolerance bounds, in percent of the detection price.
const (
	MinPriceTolerance = 0.1
	MaxPriceTolerance = 50
)

// TradingConfiguration is a user's sniping profile. One configuration per
// user may be active at a time. An empty EnabledSymbols set allows any
// symbol; SafetyEnabled disarms buying entirely when false.
type TradingConfiguration struct {
	ID                   int64     `json:"id"`
	UserID               string    `json:"user_id"`
	Name                 string    `json:"name"`
	IsActive             bool      `json:"is_active"`
	SafetyEnabled        bool      `json:"safety_enabled"`
	EnabledSymbols       []string  `json:"enabled_symbols"`
	PerTradeQuote        float64   `json:"per_trade_quote"`
	MaxPurchase          float64   `json:"max_purchase"`
	DailySpendLimit      float64   `json:"daily_spend_limit"`
	MaxTradesPerHour     int       `json:"max_trades_per_hour"`
	PriceTolerance       float64   `json:"price_tolerance"` // percent
	OrderType            string    `json:"order_type"`      // MARKET or LIMIT
	SellStrategy         string    `json:"sell_strategy"`
	ProfitTargetBps      float64   `json:"profit_target_bps"`
	StopLossBps          float64   `json:"stop_loss_bps"`
	TrailingStopBps      float64   `json:"trailing_stop_bps"`
	TimeBasedExitMinutes int64     `json:"time_based_exit_minutes"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// SymbolAllowed reports whether the profile permits trading symbol. An
// empty set allows everything.
func (c *TradingConfiguration) SymbolAllowed(symbol string) bool {
	if len(c.EnabledSymbols) == 0 {
		return true
	}
	for _, s := range c.EnabledSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Validate checks the configuration's internal consistency.
func (c *TradingConfiguration) Validate() error {
	if c.PerTradeQuote <= 0 {
		return errs.Configuration("per_trade_quote must be positive", "per_trade_quote")
	}
	if c.MaxPurchase <= 0 {
		return errs.Configuration("max_purchase must be positive", "max_purchase")
	}
	if c.PerTradeQuote > c.MaxPurchase {
		return errs.Configuration("per_trade_quote exceeds max_purchase", "per_trade_quote")
	}
	if c.DailySpendLimit <= 0 {
		return errs.Configuration("daily_spend_limit must be positive", "daily_spend_limit")
	}
	if c.PerTradeQuote > c.DailySpendLimit {
		return errs.Configuration("per_trade_quote exceeds daily_spend_limit", "per_trade_quote")
	}
	if c.MaxTradesPerHour <= 0 {
		return errs.Configuration("max_trades_per_hour must be positive", "max_trades_per_hour")
	}
	if c.PriceTolerance < MinPriceTolerance || c.PriceTolerance > MaxPriceTolerance {
		return errs.Configuration("price_tolerance must be within [0.1, 50] percent", "price_tolerance")
	}
	switch c.OrderType {
	case "MARKET", "LIMIT":
	default:
		return errs.Configuration("order_type must be MARKET or LIMIT", "order_type")
	}
	switch c.SellStrategy {
	case StrategyProfitTarget, StrategyStopLoss, StrategyTimeBased, StrategyTrailingStop, StrategyCombined:
	default:
		return errs.Configuration("unknown sell_strategy "+c.SellStrategy, "sell_strategy")
	}
	if c.SellStrategy == StrategyProfitTarget || c.SellStrategy == StrategyCombined {
		if c.ProfitTargetBps <= 0 {
			return errs.Configuration("profit_target_bps must be positive", "profit_target_bps")
		}
	}
	if c.SellStrategy == StrategyStopLoss || c.SellStrategy == StrategyCombined {
		if c.StopLossBps <= 0 {
			return errs.Configuration("stop_loss_bps must be positive", "stop_loss_bps")
		}
	}
	if c.SellStrategy == StrategyTrailingStop || c.SellStrategy == StrategyCombined {
		if c.TrailingStopBps <= 0 {
			return errs.Configuration("trailing_stop_bps must be positive", "trailing_stop_bps")
		}
	}
	if c.SellStrategy == StrategyTimeBased || c.SellStrategy == StrategyCombined {
		if c.TimeBasedExitMinutes <= 0 {
			return errs.Configuration("time_based_exit_minutes must be positive", "time_based_exit_minutes")
		}
	}
	return nil
}

// ListingEvent is a persisted new-listing detection. Events expire 24 hours
// after detection and are not re-announced within that window.
type ListingEvent struct {
	ID            int64     `json:"id"`
	Symbol        string    `json:"symbol"`
	VcoinID       string    `json:"vcoin_id"`
	ProjectName   string    `json:"project_name"`
	Source        string    `json:"source"`
	Confidence    string    `json:"confidence"`
	Price         float64   `json:"price"`
	DetectedAt    time.Time `json:"detected_at"`
	FirstOpenTime time.Time `json:"first_open_time"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ListingEventTTL is how long a detection suppresses re-announcement.
const ListingEventTTL = 24 * time.Hour

// NewListingEvent stamps the expiry window.
func NewListingEvent(symbol, vcoinID, projectName, source, confidence string, price float64, detectedAt, firstOpen time.Time) ListingEvent {
	return ListingEvent{
		Symbol:        symbol,
		VcoinID:       vcoinID,
		ProjectName:   projectName,
		Source:        source,
		Confidence:    confidence,
		Price:         price,
		DetectedAt:    detectedAt,
		FirstOpenTime: firstOpen,
		ExpiresAt:     detectedAt.Add(ListingEventTTL),
	}
}

// TradeAttempt is one buy or sell try against the exchange.
type TradeAttempt struct {
	ID                string     `json:"id"`
	ConfigID          int64      `json:"config_id"`
	Symbol            string     `json:"symbol"`
	Side              string     `json:"side"`
	OrderType         string     `json:"order_type"`
	Status            string     `json:"status"`
	RequestedQuote    float64    `json:"requested_quote"`
	RequestedQuantity float64    `json:"requested_quantity"`
	ExecutedPrice     float64    `json:"executed_price"`
	ExecutedQuantity  float64    `json:"executed_quantity"`
	ExecutionTimeMs   int64      `json:"execution_time_ms"`
	ErrorCode         string     `json:"error_code,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ParentTradeID     string     `json:"parent_trade_id,omitempty"`
	SellReason        string     `json:"sell_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}
