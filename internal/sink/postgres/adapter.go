// Package postgres implements sink.Sink against PostgreSQL, grounded on the
// teacher's internal/persistence/postgres repositories: sqlx for binding,
// one transaction per WriteBatch call for the all-or-nothing contract, and
// a gobreaker circuit breaker that opens on a second consecutive failure,
// after which writes fail fast with sink.ErrUnavailable per spec.md
// section 7.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/tokenwatch/internal/sink"
	"github.com/sawpanic/tokenwatch/internal/types"
)

// Adapter is a sink.Sink backed by a pooled *sqlx.DB.
type Adapter struct {
	db      *sqlx.DB
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

var _ sink.Sink = (*Adapter)(nil)

// NewAdapter wraps db as a sink.Sink. The breaker trips to open after two
// consecutive WriteBatch failures (spec.md's "second consecutive failure
// surfaces a SinkUnavailable state") and half-opens after resetTimeout to
// probe recovery.
func NewAdapter(db *sqlx.DB, queryTimeout, resetTimeout time.Duration) *Adapter {
	settings := gobreaker.Settings{
		Name:        "tokenwatch-sink",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}
	return &Adapter{
		db:      db,
		timeout: queryTimeout,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// WriteBatch persists snapshots, price points, and trades inside a single
// transaction: all-or-nothing, as DataProcessor's re-queue-on-failure
// policy requires.
func (a *Adapter) WriteBatch(ctx context.Context, batch sink.Batch) error {
	if batch.Empty() {
		return nil
	}
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, a.writeBatchTx(ctx, batch)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return sink.ErrUnavailable
		}
		return err
	}
	return nil
}

func (a *Adapter) writeBatchTx(ctx context.Context, batch sink.Batch) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sink: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertSnapshots(ctx, tx, batch.Snapshots); err != nil {
		return err
	}
	if err := insertPricePoints(ctx, tx, batch.PricePoints); err != nil {
		return err
	}
	if err := insertTrades(ctx, tx, batch.Trades); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sink: commit: %w", err)
	}
	return nil
}

func insertSnapshots(ctx context.Context, tx *sqlx.Tx, rows []types.TokenSnapshot) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO token_snapshots
			(mint, symbol, name, platform, platform_confidence, price, volume_24h,
			 market_cap, liquidity, price_change_24h, volume_change_24h, holders, ts, uri)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (mint, ts) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("sink: prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range rows {
		_, err := stmt.ExecContext(ctx,
			s.Mint, s.Symbol, s.Name, string(s.Platform), s.PlatformConfidence, s.Price,
			s.Volume24h, s.MarketCap, s.Liquidity, s.PriceChange24h, s.VolumeChange24h,
			s.Holders, s.Timestamp, s.URI)
		if err != nil {
			return fmt.Errorf("sink: insert snapshot %s: %w", s.Mint, err)
		}
	}
	return nil
}

func insertPricePoints(ctx context.Context, tx *sqlx.Tx, rows []types.PricePoint) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO price_points (mint, platform, price, volume, ts, source)
		VALUES ($1,$2,$3,$4,$5,$6)`)
	if err != nil {
		return fmt.Errorf("sink: prepare price point insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range rows {
		if _, err := stmt.ExecContext(ctx, p.Mint, string(p.Platform), p.Price, p.Volume, p.Timestamp, p.Source); err != nil {
			return fmt.Errorf("sink: insert price point %s: %w", p.Mint, err)
		}
	}
	return nil
}

func insertTrades(ctx context.Context, tx *sqlx.Tx, rows []types.Trade) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO trades (mint, platform, side, amount, price, value, wallet, signature, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (signature) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("sink: prepare trade insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range rows {
		_, err := stmt.ExecContext(ctx, t.Mint, string(t.Platform), string(t.Side), t.Amount, t.Price, t.Value, t.Wallet, t.Signature, t.Timestamp)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				continue // duplicate signature, already recorded
			}
			return fmt.Errorf("sink: insert trade %s: %w", t.Signature, err)
		}
	}
	return nil
}

// WriteCleanupEvent is best-effort and not permitted to block the untrack
// itself: callers should treat a non-nil error as "logged, but the
// in-memory removal already happened."
func (a *Adapter) WriteCleanupEvent(ctx context.Context, event types.CleanupEvent) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO cleanup_events
			(mint, symbol, platform, reason, details, ts, final_price, final_volume,
			 final_liquidity, final_market_cap, peak_price, peak_volume,
			 tracked_duration_ms, total_trades)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		event.Mint, event.Symbol, string(event.Platform), string(event.Reason), event.Details,
		event.Timestamp, event.FinalPrice, event.FinalVolume, event.FinalLiquidity, event.FinalMarketCap,
		event.PeakPrice, event.PeakVolume, event.TrackedDuration.Milliseconds(), event.TotalTrades)
	if err != nil {
		return fmt.Errorf("sink: insert cleanup event %s: %w", event.Mint, err)
	}
	return nil
}

// WriteCleanupMetrics persists one per-cycle aggregate.
func (a *Adapter) WriteCleanupMetrics(ctx context.Context, metrics types.CleanupMetrics) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO cleanup_metrics
			(total_evaluated, rugged_detected, inactive_detected, low_volume_detected,
			 actually_removed, saved_by_whitelist, saved_by_grace_period, saved_by_limit,
			 execution_time_ms, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		metrics.TotalEvaluated, metrics.RuggedDetected, metrics.InactiveDetected, metrics.LowVolumeDetected,
		metrics.ActuallyRemoved, metrics.SavedByWhitelist, metrics.SavedByGracePeriod, metrics.SavedByLimit,
		metrics.ExecutionTimeMs, metrics.Timestamp)
	if err != nil {
		return fmt.Errorf("sink: insert cleanup metrics: %w", err)
	}
	return nil
}
