package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tokenwatch/internal/sink"
	"github.com/sawpanic/tokenwatch/internal/types"
)

// processBatch validates, dedups, resolves platform, fans each event to the
// tracker, and writes the accepted set to the sink. A WriteBatch failure is
// retried once immediately (the re-queue-at-head-once policy); a second
// failure is logged and the batch is dropped rather than grown without
// bound.
func (p *Processor) processBatch(ctx context.Context, events []rawEvent) {
	batch := sink.Batch{}

	now := time.Now()
	for _, re := range events {
		switch {
		case re.token != nil:
			p.acceptToken(ctx, *re.token, now, &batch)
		case re.trade != nil:
			p.acceptTrade(*re.trade, &batch)
		}
	}

	if batch.Empty() {
		return
	}

	start := time.Now()
	err := p.sink.WriteBatch(ctx, batch)
	if err != nil {
		log.Warn().Err(err).Int("snapshots", len(batch.Snapshots)).
			Int("trades", len(batch.Trades)).Msg("ingest: batch write failed, retrying once")
		err = p.sink.WriteBatch(ctx, batch)
	}
	if p.metrics != nil {
		p.metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.incr(func(s *Stats) { s.DatabaseErrors++ })
		if p.metrics != nil {
			p.metrics.SinkWriteFailures.Inc()
			if err == sink.ErrUnavailable {
				p.metrics.SinkUnavailableTrips.Inc()
			}
		}
		log.Error().Err(err).Msg("ingest: batch write failed twice, dropping batch")
		return
	}
	p.incr(func(s *Stats) { s.BatchesFlushed++ })
}

func (p *Processor) acceptToken(ctx context.Context, e types.NewTokenEvent, now time.Time, batch *sink.Batch) {
	if err := validateTokenEvent(e); err != nil {
		p.incr(func(s *Stats) { s.ValidationErrors++ })
		if p.metrics != nil {
			p.metrics.ValidationErrors.WithLabelValues("token").Inc()
		}
		log.Debug().Err(err).Str("mint", e.Mint).Msg("ingest: token event rejected")
		return
	}

	if !p.dedup.AcceptOrDrop(e.Mint, now) {
		p.incr(func(s *Stats) { s.DedupDrops++ })
		if p.metrics != nil {
			p.metrics.DedupDrops.Inc()
		}
		return
	}

	platform, confidence, ok := p.resolvePlatform(ctx, e)
	if !ok {
		p.incr(func(s *Stats) { s.PlatformUnresolvedDrops++ })
		if p.metrics != nil {
			p.metrics.ValidationErrors.WithLabelValues("platform_unresolved").Inc()
		}
		log.Debug().Str("mint", e.Mint).Msg("ingest: token event rejected: no concrete platform and no fallback configured")
		return
	}

	snapshot := types.TokenSnapshot{
		Mint:               e.Mint,
		Symbol:             e.Symbol,
		Name:               e.Name,
		Platform:           platform,
		PlatformConfidence: confidence,
		Price:              e.Price,
		Volume24h:          e.Volume24h,
		MarketCap:          e.MarketCap,
		Liquidity:          e.Liquidity,
		PriceChange24h:     e.PriceChange24h,
		VolumeChange24h:    e.VolumeChange24h,
		Holders:            e.Holders,
		Timestamp:          e.Timestamp,
		URI:                e.URI,
		Socials:            e.Socials,
	}

	if p.tracker != nil {
		p.tracker.TrackToken(snapshot)
	}
	batch.Snapshots = append(batch.Snapshots, snapshot)

	if e.Price > 0 {
		batch.PricePoints = append(batch.PricePoints, types.PricePoint{
			Mint:      e.Mint,
			Platform:  platform,
			Price:     e.Price,
			Volume:    e.Volume24h,
			Timestamp: e.Timestamp,
			Source:    "feed",
		})
	}
}

// resolvePlatform stamps a concrete platform per spec.md section 4.1: only
// the detector's result (or the configured fallback) may be treated as
// authoritative, never the raw event's own Platform field. The third
// return value reports whether the event may be accepted at all — per
// spec.md section 4.1 and types.Detection.IsConcrete's contract,
// ingestion rejects an event it cannot assign a concrete platform to
// unless a fallback default is configured.
func (p *Processor) resolvePlatform(ctx context.Context, e types.NewTokenEvent) (types.Platform, float64, bool) {
	if p.detector == nil {
		if p.cfg.FallbackPlatform != "" {
			return p.cfg.FallbackPlatform, 0, true
		}
		return types.PlatformUnknown, 0, false
	}
	d := p.detector.Detect(ctx, e.Mint)
	if d.IsConcrete() {
		return d.Platform, d.Confidence, true
	}
	if p.cfg.FallbackPlatform != "" {
		return p.cfg.FallbackPlatform, d.Confidence, true
	}
	return types.PlatformUnknown, d.Confidence, false
}

func (p *Processor) acceptTrade(e types.TradeEvent, batch *sink.Batch) {
	if err := validateTradeEvent(e); err != nil {
		p.incr(func(s *Stats) { s.ValidationErrors++ })
		if p.metrics != nil {
			p.metrics.ValidationErrors.WithLabelValues("trade").Inc()
		}
		log.Debug().Err(err).Str("mint", e.Mint).Msg("ingest: trade event rejected")
		return
	}

	trade := types.Trade{
		Mint:      e.Mint,
		Platform:  e.Platform,
		Side:      e.Side,
		Amount:    e.Amount,
		Price:     e.Price,
		Value:     e.Value(),
		Wallet:    e.Wallet,
		Signature: e.Signature,
		Timestamp: e.Timestamp,
	}

	if p.tracker != nil {
		p.tracker.RecordTrade(trade)
	}
	batch.Trades = append(batch.Trades, trade)
}
