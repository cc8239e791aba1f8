package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mexc-sniper-bot/internal/errs"
)

// Repository runs the trading pipeline's queries against the pool.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the database handle.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

const activeConfigQuery = `
	SELECT id, user_id, name, is_active, safety_enabled, enabled_symbols,
	       per_trade_quote, max_purchase, daily_spend_limit, max_trades_per_hour,
	       price_tolerance, order_type, sell_strategy, profit_target_bps,
	       stop_loss_bps, trailing_stop_bps, time_based_exit_minutes,
	       created_at, updated_at
	FROM trading_configurations
	WHERE user_id = $1 AND is_active
	LIMIT 1`

// GetActiveConfiguration loads the user's single active profile. A missing
// profile is a CONFIG_MISSING error, not a nil row.
func (r *Repository) GetActiveConfiguration(ctx context.Context, userID string) (*TradingConfiguration, error) {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	var c TradingConfiguration
	err := r.db.Pool.QueryRow(qctx, activeConfigQuery, userID).Scan(
		&c.ID, &c.UserID, &c.Name, &c.IsActive, &c.SafetyEnabled, &c.EnabledSymbols,
		&c.PerTradeQuote, &c.MaxPurchase, &c.DailySpendLimit, &c.MaxTradesPerHour,
		&c.PriceTolerance, &c.OrderType, &c.SellStrategy, &c.ProfitTargetBps,
		&c.StopLossBps, &c.TrailingStopBps, &c.TimeBasedExitMinutes,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Configuration("no active trading configuration for user "+userID, "user_id")
	}
	if err != nil {
		return nil, errs.Database("load active configuration", activeConfigQuery, err)
	}
	return &c, nil
}

// UpsertConfiguration inserts or updates a profile and returns its id.
func (r *Repository) UpsertConfiguration(ctx context.Context, c *TradingConfiguration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	if c.ID == 0 {
		const q = `
			INSERT INTO trading_configurations
			  (user_id, name, is_active, safety_enabled, enabled_symbols,
			   per_trade_quote, max_purchase, daily_spend_limit, max_trades_per_hour,
			   price_tolerance, order_type, sell_strategy, profit_target_bps,
			   stop_loss_bps, trailing_stop_bps, time_based_exit_minutes)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			RETURNING id, created_at, updated_at`
		err := r.db.Pool.QueryRow(qctx, q,
			c.UserID, c.Name, c.IsActive, c.SafetyEnabled, c.EnabledSymbols,
			c.PerTradeQuote, c.MaxPurchase, c.DailySpendLimit, c.MaxTradesPerHour,
			c.PriceTolerance, c.OrderType, c.SellStrategy, c.ProfitTargetBps,
			c.StopLossBps, c.TrailingStopBps, c.TimeBasedExitMinutes,
		).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return errs.Database("insert configuration", q, err)
		}
		return nil
	}

	const q = `
		UPDATE trading_configurations SET
		  name=$2, is_active=$3, safety_enabled=$4, enabled_symbols=$5,
		  per_trade_quote=$6, max_purchase=$7, daily_spend_limit=$8,
		  max_trades_per_hour=$9, price_tolerance=$10, order_type=$11,
		  sell_strategy=$12, profit_target_bps=$13, stop_loss_bps=$14,
		  trailing_stop_bps=$15, time_based_exit_minutes=$16, updated_at=NOW()
		WHERE id=$1`
	if _, err := r.db.Pool.Exec(qctx, q,
		c.ID, c.Name, c.IsActive, c.SafetyEnabled, c.EnabledSymbols,
		c.PerTradeQuote, c.MaxPurchase, c.DailySpendLimit, c.MaxTradesPerHour,
		c.PriceTolerance, c.OrderType, c.SellStrategy, c.ProfitTargetBps,
		c.StopLossBps, c.TrailingStopBps, c.TimeBasedExitMinutes,
	); err != nil {
		return errs.Database("update configuration", q, err)
	}
	return nil
}

// InsertTradeAttempt persists a new attempt in its initial state.
func (r *Repository) InsertTradeAttempt(ctx context.Context, a *TradeAttempt) error {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		INSERT INTO trade_attempts
		  (id, config_id, symbol, side, order_type, status, requested_quote,
		   requested_quantity, parent_trade_id, sell_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, NULLIF($9,'')::uuid, $10)
		RETURNING created_at`
	err := r.db.Pool.QueryRow(qctx, q,
		a.ID, a.ConfigID, a.Symbol, a.Side, a.OrderType, a.Status,
		a.RequestedQuote, a.RequestedQuantity, a.ParentTradeID, a.SellReason,
	).Scan(&a.CreatedAt)
	if err != nil {
		return errs.Database("insert trade attempt", q, err)
	}
	return nil
}

// CompleteTradeAttempt records the terminal state of an attempt. It refuses
// to move an attempt out of a terminal state, which is how re-submitting a
// finished attempt id surfaces as DUPLICATE_ATTEMPT.
func (r *Repository) CompleteTradeAttempt(ctx context.Context, a *TradeAttempt) error {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		UPDATE trade_attempts SET
		  status=$2, executed_price=$3, executed_quantity=$4, execution_time_ms=$5,
		  error_code=$6, error_message=$7, completed_at=NOW()
		WHERE id=$1 AND status=$8
		RETURNING completed_at`
	var completed time.Time
	err := r.db.Pool.QueryRow(qctx, q,
		a.ID, a.Status, a.ExecutedPrice, a.ExecutedQuantity, a.ExecutionTimeMs,
		a.ErrorCode, a.ErrorMessage, AttemptPending,
	).Scan(&completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.Trading(errs.CodeDuplicateAttempt, "trade attempt "+a.ID+" already finalized")
	}
	if err != nil {
		return errs.Database("complete trade attempt", q, err)
	}
	a.CompletedAt = &completed
	return nil
}

// GetTradeAttempt loads one attempt by id.
func (r *Repository) GetTradeAttempt(ctx context.Context, id string) (*TradeAttempt, error) {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		SELECT id, config_id, symbol, side, order_type, status, requested_quote,
		       requested_quantity, executed_price, executed_quantity, execution_time_ms,
		       error_code, error_message, COALESCE(parent_trade_id::text,''), sell_reason,
		       created_at, completed_at
		FROM trade_attempts WHERE id = $1`
	a, err := scanAttempt(r.db.Pool.QueryRow(qctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.Trading(errs.CodeNoPosition, "no trade attempt "+id)
	}
	if err != nil {
		return nil, errs.Database("load trade attempt", q, err)
	}
	return a, nil
}

// SpentToday sums the quote value of successful buys since UTC midnight.
func (r *Repository) SpentToday(ctx context.Context) (float64, error) {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		SELECT COALESCE(SUM(executed_price * executed_quantity), 0)
		FROM trade_attempts
		WHERE side = 'BUY' AND status = 'SUCCESS'
		  AND created_at >= date_trunc('day', now() AT TIME ZONE 'utc') AT TIME ZONE 'utc'`
	var spent float64
	if err := r.db.Pool.QueryRow(qctx, q).Scan(&spent); err != nil {
		return 0, errs.Database("sum spend today", q, err)
	}
	return spent, nil
}

// TradesLastHour counts buy attempts started in the trailing hour. Pending
// and failed attempts count too: the cap limits attempts, not fills.
func (r *Repository) TradesLastHour(ctx context.Context) (int, error) {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		SELECT COUNT(*) FROM trade_attempts
		WHERE side = 'BUY' AND created_at >= now() - interval '1 hour'`
	var n int
	if err := r.db.Pool.QueryRow(qctx, q).Scan(&n); err != nil {
		return 0, errs.Database("count trades last hour", q, err)
	}
	return n, nil
}

// OpenBuyAttempts returns successful buys with no successful sell child,
// used to rebuild the position tracker after a restart.
func (r *Repository) OpenBuyAttempts(ctx context.Context) ([]TradeAttempt, error) {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		SELECT b.id, b.config_id, b.symbol, b.side, b.order_type, b.status, b.requested_quote,
		       b.requested_quantity, b.executed_price, b.executed_quantity, b.execution_time_ms,
		       b.error_code, b.error_message, COALESCE(b.parent_trade_id::text,''), b.sell_reason,
		       b.created_at, b.completed_at
		FROM trade_attempts b
		WHERE b.side = 'BUY' AND b.status = 'SUCCESS'
		  AND NOT EXISTS (
		    SELECT 1 FROM trade_attempts s
		    WHERE s.parent_trade_id = b.id AND s.side = 'SELL' AND s.status = 'SUCCESS')
		ORDER BY b.created_at`
	rows, err := r.db.Pool.Query(qctx, q)
	if err != nil {
		return nil, errs.Database("load open buys", q, err)
	}
	defer rows.Close()

	var out []TradeAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, errs.Database("scan open buy", q, err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Database("iterate open buys", q, err)
	}
	return out, nil
}

// RecentTrades returns the newest attempts, capped for history buffers.
func (r *Repository) RecentTrades(ctx context.Context, limit int) ([]TradeAttempt, error) {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		SELECT id, config_id, symbol, side, order_type, status, requested_quote,
		       requested_quantity, executed_price, executed_quantity, execution_time_ms,
		       error_code, error_message, COALESCE(parent_trade_id::text,''), sell_reason,
		       created_at, completed_at
		FROM trade_attempts ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.Pool.Query(qctx, q, limit)
	if err != nil {
		return nil, errs.Database("load recent trades", q, err)
	}
	defer rows.Close()

	var out []TradeAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, errs.Database("scan recent trade", q, err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// InsertListingEvent persists a detection for its suppression window.
func (r *Repository) InsertListingEvent(ctx context.Context, e *ListingEvent) error {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		INSERT INTO listing_events
		  (symbol, vcoin_id, project_name, source, confidence, price,
		   detected_at, first_open_time, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, NULLIF($8, to_timestamp(0)), $9)
		RETURNING id`
	err := r.db.Pool.QueryRow(qctx, q,
		e.Symbol, e.VcoinID, e.ProjectName, e.Source, e.Confidence, e.Price,
		e.DetectedAt, e.FirstOpenTime, e.ExpiresAt,
	).Scan(&e.ID)
	if err != nil {
		return errs.Database("insert listing event", q, err)
	}
	return nil
}

// ListingSeenRecently reports whether an unexpired event exists for the
// symbol, the durable half of detection dedup.
func (r *Repository) ListingSeenRecently(ctx context.Context, symbol string) (bool, error) {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		SELECT EXISTS (
		  SELECT 1 FROM listing_events WHERE symbol = $1 AND expires_at > now())`
	var seen bool
	if err := r.db.Pool.QueryRow(qctx, q, symbol).Scan(&seen); err != nil {
		return false, errs.Database("check listing seen", q, err)
	}
	return seen, nil
}

// RecentListings returns the newest unexpired events for history buffers.
func (r *Repository) RecentListings(ctx context.Context, limit int) ([]ListingEvent, error) {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		SELECT id, symbol, vcoin_id, project_name, source, confidence, price,
		       detected_at, COALESCE(first_open_time, to_timestamp(0)), expires_at
		FROM listing_events
		WHERE expires_at > now()
		ORDER BY detected_at DESC LIMIT $1`
	rows, err := r.db.Pool.Query(qctx, q, limit)
	if err != nil {
		return nil, errs.Database("load recent listings", q, err)
	}
	defer rows.Close()

	var out []ListingEvent
	for rows.Next() {
		var e ListingEvent
		if err := rows.Scan(&e.ID, &e.Symbol, &e.VcoinID, &e.ProjectName, &e.Source,
			&e.Confidence, &e.Price, &e.DetectedAt, &e.FirstOpenTime, &e.ExpiresAt); err != nil {
			return nil, errs.Database("scan listing event", q, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertSignal records a graded listing signal.
func (r *Repository) InsertSignal(ctx context.Context, id, symbol, source, confidence string, price float64, detectedAt, deadline time.Time) error {
	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	const q = `
		INSERT INTO listing_signals (id, symbol, source, confidence, price, detected_at, freshness_deadline)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := r.db.Pool.Exec(qctx, q, id, symbol, source, confidence, price, detectedAt, deadline); err != nil {
		return errs.Database("insert signal", q, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row rowScanner) (*TradeAttempt, error) {
	var a TradeAttempt
	err := row.Scan(
		&a.ID, &a.ConfigID, &a.Symbol, &a.Side, &a.OrderType, &a.Status,
		&a.RequestedQuote, &a.RequestedQuantity, &a.ExecutedPrice, &a.ExecutedQuantity,
		&a.ExecutionTimeMs, &a.ErrorCode, &a.ErrorMessage, &a.ParentTradeID, &a.SellReason,
		&a.CreatedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
