package types

import "time"

// Health is Tracker's per-mint bookkeeping used to decide lifecycle fate.
// Never persisted: it is rebuilt from the live feed on restart.
type Health struct {
	Mint                         string
	FirstSeenTime                time.Time
	LastTradeTime                time.Time
	ConsecutiveZeroVolumePeriods int
	PeakPrice                    float64
	PeakVolume24h                float64
	CurrentLiquidity             float64
	IsWhitelisted                bool
	IsBeingEvaluated             bool
	TotalTrades                  int64
}

// Age returns how long the mint has been tracked as of now.
func (h Health) Age(now time.Time) time.Duration {
	return now.Sub(h.FirstSeenTime)
}

// SinceLastTrade returns how long since the mint last traded as of now.
func (h Health) SinceLastTrade(now time.Time) time.Duration {
	return now.Sub(h.LastTradeTime)
}

// PriceDrop returns the fractional drop from peak price to the given price,
// or 0 if there is no peak to drop from.
func (h Health) PriceDrop(price float64) float64 {
	if h.PeakPrice <= 0 {
		return 0
	}
	return (h.PeakPrice - price) / h.PeakPrice
}

// VolumeDrop returns the fractional drop from peak 24h volume to v, or 0 if
// no peak volume has ever been observed.
func (h Health) VolumeDrop(v float64) float64 {
	if h.PeakVolume24h <= 0 {
		return 0
	}
	return (h.PeakVolume24h - v) / h.PeakVolume24h
}
