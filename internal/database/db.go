// Package database wraps a pgx connection pool and owns the schema plus
// the queries the trading pipeline needs.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"mexc-sniper-bot/internal/errs"
)

// DB holds the connection pool and the per-query timeout.
type DB struct {
	Pool         *pgxpool.Pool
	logger       zerolog.Logger
	queryTimeout time.Duration
}

// New connects to Postgres, verifies the connection and applies migrations.
func New(ctx context.Context, databaseURL string, queryTimeout time.Duration, logger zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errs.Database("parse database url", "", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Database("create connection pool", "", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.Database("ping database", "", err)
	}

	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	db := &DB{Pool: pool, logger: logger, queryTimeout: queryTimeout}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info().Msg("database connected and migrated")
	return db, nil
}

// Close releases the pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// queryCtx bounds a single statement.
func (db *DB) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.queryTimeout)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trading_configurations (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		safety_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		enabled_symbols TEXT[] NOT NULL DEFAULT '{}',
		per_trade_quote DOUBLE PRECISION NOT NULL,
		max_purchase DOUBLE PRECISION NOT NULL,
		daily_spend_limit DOUBLE PRECISION NOT NULL,
		max_trades_per_hour INTEGER NOT NULL DEFAULT 10,
		price_tolerance DOUBLE PRECISION NOT NULL DEFAULT 1,
		order_type TEXT NOT NULL DEFAULT 'MARKET',
		sell_strategy TEXT NOT NULL DEFAULT 'PROFIT_TARGET',
		profit_target_bps DOUBLE PRECISION NOT NULL DEFAULT 1000,
		stop_loss_bps DOUBLE PRECISION NOT NULL DEFAULT 500,
		trailing_stop_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		time_based_exit_minutes BIGINT NOT NULL DEFAULT 60,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_config_per_user
		ON trading_configurations (user_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS listing_events (
		id BIGSERIAL PRIMARY KEY,
		symbol TEXT NOT NULL,
		vcoin_id TEXT NOT NULL DEFAULT '',
		project_name TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		confidence TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		detected_at TIMESTAMPTZ NOT NULL,
		first_open_time TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listing_events_symbol_expiry
		ON listing_events (symbol, expires_at)`,
	`CREATE TABLE IF NOT EXISTS listing_signals (
		id UUID PRIMARY KEY,
		symbol TEXT NOT NULL,
		source TEXT NOT NULL,
		confidence TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		detected_at TIMESTAMPTZ NOT NULL,
		freshness_deadline TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listing_signals_symbol_detected
		ON listing_signals (symbol, detected_at DESC)`,
	`CREATE TABLE IF NOT EXISTS trade_attempts (
		id UUID PRIMARY KEY,
		config_id BIGINT NOT NULL REFERENCES trading_configurations(id),
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_quote DOUBLE PRECISION NOT NULL DEFAULT 0,
		requested_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
		executed_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		executed_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		parent_trade_id UUID,
		sell_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_attempts_symbol_status
		ON trade_attempts (symbol, side, status)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_attempts_created
		ON trade_attempts (created_at DESC)`,
}

func (db *DB) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := db.Pool.Exec(mctx, stmt)
		cancel()
		if err != nil {
			return errs.Database(fmt.Sprintf("apply migration %d", i+1), stmt, err)
		}
	}
	return nil
}
