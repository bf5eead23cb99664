package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sawpanic/tokenwatch/internal/sink"
	"github.com/sawpanic/tokenwatch/internal/types"
)

// QueryTokenSnapshots returns the latest snapshot row per mint matching
// filter.
func (a *Adapter) QueryTokenSnapshots(ctx context.Context, filter sink.SnapshotFilter) ([]types.TokenSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (mint) mint, symbol, name, platform, platform_confidence,
			price, volume_24h, market_cap, liquidity, price_change_24h, volume_change_24h,
			holders, ts, uri
		FROM token_snapshots
		WHERE ($1::text[] IS NULL OR mint = ANY($1))
		  AND ($2 = '' OR platform = $2)
		ORDER BY mint, ts DESC
		LIMIT $3`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	var mints []string
	if len(filter.Mints) > 0 {
		mints = filter.Mints
	}

	rows, err := a.db.QueryxContext(ctx, query, pq.Array(mints), string(filter.Platform), limit)
	if err != nil {
		return nil, fmt.Errorf("sink: query snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.TokenSnapshot
	for rows.Next() {
		var s types.TokenSnapshot
		var platform string
		if err := rows.Scan(&s.Mint, &s.Symbol, &s.Name, &platform, &s.PlatformConfidence,
			&s.Price, &s.Volume24h, &s.MarketCap, &s.Liquidity, &s.PriceChange24h,
			&s.VolumeChange24h, &s.Holders, &s.Timestamp, &s.URI); err != nil {
			return nil, fmt.Errorf("sink: scan snapshot: %w", err)
		}
		s.Platform = types.Platform(platform)
		out = append(out, s)
	}
	return out, rows.Err()
}

// bucketInterval maps a Bucket to the Postgres interval literal used to
// truncate timestamps for aggregation.
func bucketInterval(b sink.Bucket) (string, error) {
	switch b {
	case sink.Bucket5m:
		return "5 minutes", nil
	case sink.Bucket1h:
		return "1 hour", nil
	case sink.Bucket4h:
		return "4 hours", nil
	default:
		return "", fmt.Errorf("sink: unknown bucket %q", b)
	}
}

// QueryPriceHistory returns mean-aggregated, bucketed price points for mint
// in tr.
func (a *Adapter) QueryPriceHistory(ctx context.Context, mint string, tr sink.TimeRange, bucket sink.Bucket, agg sink.Aggregation) ([]sink.PriceBucket, error) {
	if agg != sink.AggregationMean {
		return nil, fmt.Errorf("sink: unsupported aggregation %q", agg)
	}
	interval, err := bucketInterval(bucket)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT to_timestamp(floor(extract(epoch from ts) / extract(epoch from interval '%s')) * extract(epoch from interval '%s')) AS bucket_ts,
		       avg(price) AS mean_price,
		       count(*) AS samples
		FROM price_points
		WHERE mint = $1 AND ts >= $2 AND ts < $3
		GROUP BY bucket_ts
		ORDER BY bucket_ts ASC`, interval, interval)

	rows, err := a.db.QueryxContext(ctx, query, mint, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("sink: query price history: %w", err)
	}
	defer rows.Close()

	var out []sink.PriceBucket
	for rows.Next() {
		var b sink.PriceBucket
		if err := rows.Scan(&b.Timestamp, &b.Price, &b.Samples); err != nil {
			return nil, fmt.Errorf("sink: scan price bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// QueryVolumeAnalysis aggregates trade volume for filter.Mint over
// filter.Range.
func (a *Adapter) QueryVolumeAnalysis(ctx context.Context, filter sink.VolumeFilter) ([]sink.VolumeAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	query := `
		SELECT mint, COALESCE(SUM(value), 0) AS total_volume, COUNT(*) AS trade_count,
		       COALESCE(AVG(value), 0) AS avg_trade_usd
		FROM trades
		WHERE mint = $1 AND ts >= $2 AND ts < $3
		GROUP BY mint`

	rows, err := a.db.QueryxContext(ctx, query, filter.Mint, filter.Range.From, filter.Range.To)
	if err != nil {
		return nil, fmt.Errorf("sink: query volume analysis: %w", err)
	}
	defer rows.Close()

	var out []sink.VolumeAnalysis
	for rows.Next() {
		var v sink.VolumeAnalysis
		if err := rows.Scan(&v.Mint, &v.TotalVolume, &v.TradeCount, &v.AvgTradeUSD); err != nil {
			return nil, fmt.Errorf("sink: scan volume analysis: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// QueryCleanupEvents returns cleanup history matching filter, most recent
// first.
func (a *Adapter) QueryCleanupEvents(ctx context.Context, filter sink.CleanupEventFilter) ([]types.CleanupEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	from, to := filter.Range.From, filter.Range.To
	if to.IsZero() {
		to = time.Now()
	}

	query := `
		SELECT mint, symbol, platform, reason, details, ts, final_price, final_volume,
		       final_liquidity, final_market_cap, peak_price, peak_volume,
		       tracked_duration_ms, total_trades
		FROM cleanup_events
		WHERE ($1 = '' OR mint = $1)
		  AND ($2 = '' OR reason = $2)
		  AND ts >= $3 AND ts < $4
		ORDER BY ts DESC
		LIMIT $5`

	rows, err := a.db.QueryxContext(ctx, query, filter.Mint, string(filter.Reason), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("sink: query cleanup events: %w", err)
	}
	defer rows.Close()

	var out []types.CleanupEvent
	for rows.Next() {
		var e types.CleanupEvent
		var platform, reason string
		var durationMs int64
		if err := rows.Scan(&e.Mint, &e.Symbol, &platform, &reason, &e.Details, &e.Timestamp,
			&e.FinalPrice, &e.FinalVolume, &e.FinalLiquidity, &e.FinalMarketCap,
			&e.PeakPrice, &e.PeakVolume, &durationMs, &e.TotalTrades); err != nil {
			return nil, fmt.Errorf("sink: scan cleanup event: %w", err)
		}
		e.Platform = types.Platform(platform)
		e.Reason = types.CleanupReason(reason)
		e.TrackedDuration = time.Duration(durationMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
