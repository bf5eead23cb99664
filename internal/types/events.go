package types

import "time"

// Side is a trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// NewTokenEvent is emitted by a FeedClient for a token creation or an update
// to a token's observed market state. The same shape covers both: a first
// sighting of Mint creates the token, a later sighting updates it.
type NewTokenEvent struct {
	Mint            string
	Symbol          string
	Name            string
	Platform        Platform // may be PlatformUnknown; ingestion resolves it
	Price           float64
	Volume24h       float64
	MarketCap       float64
	Liquidity       float64
	PriceChange24h  float64
	VolumeChange24h float64
	Holders         int64
	Timestamp       time.Time
	URI             string
	Socials         map[string]string
}

// TradeEvent is emitted by a FeedClient for an individual fill.
type TradeEvent struct {
	Mint      string
	Platform  Platform
	Side      Side
	Amount    float64
	Price     float64
	Wallet    string
	Signature string
	Timestamp time.Time
}

// Value returns amount*price, the notional value of the trade.
func (t TradeEvent) Value() float64 {
	return t.Amount * t.Price
}
