package postgres

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config holds connection-pool settings for the sink's database handle,
// grounded on the teacher's internal/infrastructure/db.Config.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns conservative pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    10 * time.Second,
	}
}

// Open establishes a pooled connection per cfg.
func Open(cfg Config) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: DSN is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// Schema is the DDL for the four record kinds plus trades. Applied by
// operators out-of-band (no migration runner is in scope for the core).
const Schema = `
CREATE TABLE IF NOT EXISTS token_snapshots (
	mint TEXT NOT NULL,
	symbol TEXT NOT NULL,
	name TEXT NOT NULL,
	platform TEXT NOT NULL,
	platform_confidence DOUBLE PRECISION NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	volume_24h DOUBLE PRECISION NOT NULL,
	market_cap DOUBLE PRECISION NOT NULL,
	liquidity DOUBLE PRECISION NOT NULL,
	price_change_24h DOUBLE PRECISION NOT NULL,
	volume_change_24h DOUBLE PRECISION NOT NULL,
	holders BIGINT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	uri TEXT,
	PRIMARY KEY (mint, ts)
);

CREATE TABLE IF NOT EXISTS price_points (
	mint TEXT NOT NULL,
	platform TEXT NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	volume DOUBLE PRECISION NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_points_mint_ts ON price_points (mint, ts);

CREATE TABLE IF NOT EXISTS trades (
	mint TEXT NOT NULL,
	platform TEXT NOT NULL,
	side TEXT NOT NULL,
	amount DOUBLE PRECISION NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	wallet TEXT NOT NULL,
	signature TEXT NOT NULL UNIQUE,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_mint_ts ON trades (mint, ts);

CREATE TABLE IF NOT EXISTS cleanup_events (
	mint TEXT NOT NULL,
	symbol TEXT NOT NULL,
	platform TEXT NOT NULL,
	reason TEXT NOT NULL,
	details TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	final_price DOUBLE PRECISION NOT NULL,
	final_volume DOUBLE PRECISION NOT NULL,
	final_liquidity DOUBLE PRECISION NOT NULL,
	final_market_cap DOUBLE PRECISION NOT NULL,
	peak_price DOUBLE PRECISION NOT NULL,
	peak_volume DOUBLE PRECISION NOT NULL,
	tracked_duration_ms BIGINT NOT NULL,
	total_trades BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cleanup_events_mint_ts ON cleanup_events (mint, ts);

CREATE TABLE IF NOT EXISTS cleanup_metrics (
	total_evaluated INT NOT NULL,
	rugged_detected INT NOT NULL,
	inactive_detected INT NOT NULL,
	low_volume_detected INT NOT NULL,
	actually_removed INT NOT NULL,
	saved_by_whitelist INT NOT NULL,
	saved_by_grace_period INT NOT NULL,
	saved_by_limit INT NOT NULL,
	execution_time_ms BIGINT NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
`
