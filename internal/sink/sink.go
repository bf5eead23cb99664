// Package sink defines the TimeSeriesSink contract the core consumes
// (spec.md section 4.6) without assuming a particular store.
package sink

import (
	"context"
	"time"

	"github.com/sawpanic/tokenwatch/internal/types"
)

// Batch is the unit DataProcessor hands to a Sink once per flush cycle.
// WriteBatch is all-or-nothing: the sink must not apply a partial batch.
type Batch struct {
	Snapshots   []types.TokenSnapshot
	PricePoints []types.PricePoint
	Trades      []types.Trade
}

// Empty reports whether the batch carries no records at all.
func (b Batch) Empty() bool {
	return len(b.Snapshots) == 0 && len(b.PricePoints) == 0 && len(b.Trades) == 0
}

// Bucket is a price-history aggregation granularity.
type Bucket string

const (
	Bucket5m Bucket = "5m"
	Bucket1h Bucket = "1h"
	Bucket4h Bucket = "4h"
)

// Aggregation is how bucketed points are reduced. Only mean is required by
// spec.md, but the interface leaves room for others.
type Aggregation string

const AggregationMean Aggregation = "mean"

// TimeRange bounds a range query, inclusive of From, exclusive of To.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// PriceBucket is one bucketed, aggregated price observation.
type PriceBucket struct {
	Timestamp time.Time
	Price     float64 // aggregated per Aggregation
	Samples   int
}

// SnapshotFilter narrows queryTokenSnapshots.
type SnapshotFilter struct {
	Mints    []string
	Platform types.Platform
	Limit    int
}

// VolumeFilter narrows queryVolumeAnalysis.
type VolumeFilter struct {
	Mint  string
	Range TimeRange
}

// VolumeAnalysis is one row of queryVolumeAnalysis's result.
type VolumeAnalysis struct {
	Mint        string
	TotalVolume float64
	TradeCount  int64
	AvgTradeUSD float64
}

// CleanupEventFilter narrows queryCleanupEvents.
type CleanupEventFilter struct {
	Mint   string
	Reason types.CleanupReason
	Range  TimeRange
	Limit  int
}

// Sink is the interface the core consumes; spec.md's TimeSeriesSink.
// Every operation is asynchronous (ctx-bound) and every failure is
// surfaced to the caller — there is no independent retry inside the
// interface's contract beyond what an implementation documents.
type Sink interface {
	WriteBatch(ctx context.Context, batch Batch) error
	WriteCleanupEvent(ctx context.Context, event types.CleanupEvent) error
	WriteCleanupMetrics(ctx context.Context, metrics types.CleanupMetrics) error

	QueryTokenSnapshots(ctx context.Context, filter SnapshotFilter) ([]types.TokenSnapshot, error)
	QueryPriceHistory(ctx context.Context, mint string, tr TimeRange, bucket Bucket, agg Aggregation) ([]PriceBucket, error)
	QueryVolumeAnalysis(ctx context.Context, filter VolumeFilter) ([]VolumeAnalysis, error)
	QueryCleanupEvents(ctx context.Context, filter CleanupEventFilter) ([]types.CleanupEvent, error)
}

// ErrUnavailable is returned by a Sink whose circuit breaker has tripped;
// per spec.md section 7, writes fail fast until a health check recovers.
var ErrUnavailable = unavailableError{}

type unavailableError struct{}

func (unavailableError) Error() string { return "sink: unavailable (circuit open)" }
