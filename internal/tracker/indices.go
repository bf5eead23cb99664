package tracker

import (
	"fmt"
	"time"

	"github.com/sawpanic/tokenwatch/internal/config"
	"github.com/sawpanic/tokenwatch/internal/types"
)

func percentString(fraction float64) string {
	return fmt.Sprintf("%.1f%%", fraction*100)
}

// reindexLocked implements spec.md section 4.3.2: on every update, drop m
// from all five indices, then insert it where it belongs. Must be called
// with t.mu held.
func (t *Tracker) reindexLocked(mint string, snapshot types.TokenSnapshot, h types.Health, now time.Time) {
	delete(t.idx.newTokens, mint)
	delete(t.idx.recentlyActive, mint)
	delete(t.idx.inactive, mint)
	delete(t.idx.lowVolume, mint)
	delete(t.idx.ruggedCandidates, mint)

	age := now.Sub(h.FirstSeenTime)
	if age < t.cfg.GracePeriod {
		t.idx.newTokens[mint] = struct{}{}
		t.updateIndexMetricsLocked()
		return
	}

	sinceTrade := now.Sub(h.LastTradeTime)
	if sinceTrade < t.cfg.InactivityThreshold/2 {
		t.idx.recentlyActive[mint] = struct{}{}
	}
	if sinceTrade > t.cfg.InactivityThreshold {
		t.idx.inactive[mint] = struct{}{}
	}
	if snapshot.Volume24h < t.cfg.MinVolume24h && h.ConsecutiveZeroVolumePeriods >= t.cfg.ConsecutiveZeroVolumePeriods {
		t.idx.lowVolume[mint] = struct{}{}
	}
	if isRuggedLocked(t.cfg, snapshot, h) {
		t.idx.ruggedCandidates[mint] = struct{}{}
	}
	t.updateIndexMetricsLocked()
}

func (t *Tracker) updateIndexMetricsLocked() {
	if t.metrics == nil {
		return
	}
	t.metrics.IndexSizes.WithLabelValues("new_tokens").Set(float64(len(t.idx.newTokens)))
	t.metrics.IndexSizes.WithLabelValues("recently_active").Set(float64(len(t.idx.recentlyActive)))
	t.metrics.IndexSizes.WithLabelValues("inactive").Set(float64(len(t.idx.inactive)))
	t.metrics.IndexSizes.WithLabelValues("low_volume").Set(float64(len(t.idx.lowVolume)))
	t.metrics.IndexSizes.WithLabelValues("rugged_candidates").Set(float64(len(t.idx.ruggedCandidates)))
}

// priceDrop returns (peakPrice-price)/peakPrice, or 0 if there is no peak.
func priceDrop(h types.Health, price float64) float64 {
	if h.PeakPrice <= 0 {
		return 0
	}
	d := (h.PeakPrice - price) / h.PeakPrice
	if d < 0 {
		return 0
	}
	return d
}

// volumeDrop returns (peakVolume24h-v)/peakVolume24h, or 0 if there is no
// peak.
func volumeDrop(h types.Health, v float64) float64 {
	if h.PeakVolume24h <= 0 {
		return 0
	}
	d := (h.PeakVolume24h - v) / h.PeakVolume24h
	if d < 0 {
		return 0
	}
	return d
}

// isRuggedLocked implements the rugged predicate from spec.md section
// 4.3.4: any of priceDrop >= RUG_PRICE_DROP, liquidity < LIQ_THRESHOLD, or
// (peakVolume24h > 0 and volumeDrop >= RUG_VOLUME_DROP).
func isRuggedLocked(cfg config.Config, snapshot types.TokenSnapshot, h types.Health) bool {
	if priceDrop(h, snapshot.Price) >= cfg.RugPriceDrop {
		return true
	}
	if h.CurrentLiquidity < cfg.LiqThreshold {
		return true
	}
	if h.PeakVolume24h > 0 && volumeDrop(h, snapshot.Volume24h) >= cfg.RugVolumeDrop {
		return true
	}
	return false
}

// ruggedReason reports the rugged reason string per spec.md section 4.3.4's
// precedence: priceDrop, then liquidity, then volumeDrop.
func ruggedReason(cfg config.Config, snapshot types.TokenSnapshot, h types.Health) (bool, string) {
	if pd := priceDrop(h, snapshot.Price); pd >= cfg.RugPriceDrop {
		return true, "price dropped " + percentString(pd) + " from peak"
	}
	if h.CurrentLiquidity < cfg.LiqThreshold {
		return true, "liquidity below floor"
	}
	if h.PeakVolume24h > 0 {
		if vd := volumeDrop(h, snapshot.Volume24h); vd >= cfg.RugVolumeDrop {
			return true, "volume dropped " + percentString(vd) + " from peak"
		}
	}
	return false, ""
}

// removeFromAllIndicesLocked strips mint from every index. Must be called
// with t.mu held.
func (t *Tracker) removeFromAllIndicesLocked(mint string) {
	delete(t.idx.newTokens, mint)
	delete(t.idx.recentlyActive, mint)
	delete(t.idx.inactive, mint)
	delete(t.idx.lowVolume, mint)
	delete(t.idx.ruggedCandidates, mint)
	t.updateIndexMetricsLocked()
}
