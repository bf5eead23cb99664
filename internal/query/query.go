// Package query implements the read-only projections spec.md section 6
// assigns to the (out-of-scope) QueryFacade: current-snapshot queries,
// price-history aggregates, trend lookups, volume analysis, and cleanup
// history. Each projection is a pure function of (Tracker state ∪ Sink),
// as plain Go functions a facade's NL layer (not built here) would call.
package query

import (
	"context"
	"fmt"

	"github.com/sawpanic/tokenwatch/internal/sink"
	"github.com/sawpanic/tokenwatch/internal/types"
)

// Tracker is the narrow slice of internal/tracker.Tracker the query
// facade reads from; it never mutates tracker state.
type Tracker interface {
	GetSnapshot(mint string) (types.TokenSnapshot, bool)
	GetAll() []types.TokenSnapshot
	GetHistory(mint string, limit int) []types.PricePoint
	GetTrend(mint string, window types.TrendWindow) (types.Trend, bool)
	GetAllTrends() []types.Trend
	GetAlerts() []types.Alert
	Count() int
}

// QueryType identifies a projection, surfaced in Result.QueryType and in
// the HTTP surface's error payloads per spec.md section 7.
type QueryType string

const (
	QueryTypeSnapshot       QueryType = "snapshot"
	QueryTypeAllSnapshots   QueryType = "allSnapshots"
	QueryTypePriceHistory   QueryType = "priceHistory"
	QueryTypeTrend          QueryType = "trend"
	QueryTypeAllTrends      QueryType = "allTrends"
	QueryTypeVolumeAnalysis QueryType = "volumeAnalysis"
	QueryTypeCleanupHistory QueryType = "cleanupHistory"
	QueryTypeAlerts         QueryType = "alerts"
)

// Result is the structured {success, error, queryType} envelope spec.md
// section 7 requires of the tool surface. Data holds the projection's
// payload on success and is nil on failure.
type Result struct {
	Success   bool      `json:"success"`
	QueryType QueryType `json:"queryType"`
	Error     string    `json:"error,omitempty"`
	Data      any       `json:"data,omitempty"`
}

func ok(qt QueryType, data any) Result {
	return Result{Success: true, QueryType: qt, Data: data}
}

func fail(qt QueryType, err error) Result {
	return Result{Success: false, QueryType: qt, Error: err.Error()}
}

// Facade answers read-only queries against the live Tracker and the
// durable Sink. It holds no state of its own.
type Facade struct {
	tracker Tracker
	sink    sink.Sink
}

// New constructs a Facade.
func New(tracker Tracker, s sink.Sink) *Facade {
	return &Facade{tracker: tracker, sink: s}
}

// Snapshot returns the live current-state view of one mint.
func (f *Facade) Snapshot(mint string) Result {
	snap, found := f.tracker.GetSnapshot(mint)
	if !found {
		return fail(QueryTypeSnapshot, fmt.Errorf("mint %q is not tracked", mint))
	}
	return ok(QueryTypeSnapshot, snap)
}

// AllSnapshots returns every currently tracked mint's snapshot.
func (f *Facade) AllSnapshots() Result {
	return ok(QueryTypeAllSnapshots, f.tracker.GetAll())
}

// PriceHistory returns the Tracker's whole in-memory ring for a tracked
// mint whose ring is non-empty; tr and bucket are not applied to it. For
// any other mint it returns the Sink's durable bucketed aggregate over tr.
func (f *Facade) PriceHistory(ctx context.Context, mint string, tr sink.TimeRange, bucket sink.Bucket) Result {
	if _, tracked := f.tracker.GetSnapshot(mint); tracked {
		points := f.tracker.GetHistory(mint, 0)
		if len(points) > 0 {
			return ok(QueryTypePriceHistory, points)
		}
	}

	buckets, err := f.sink.QueryPriceHistory(ctx, mint, tr, bucket, sink.AggregationMean)
	if err != nil {
		return fail(QueryTypePriceHistory, fmt.Errorf("sink unavailable: %w", err))
	}
	return ok(QueryTypePriceHistory, buckets)
}

// Trend returns the most recently computed trend for one (mint, window).
func (f *Facade) Trend(mint string, window types.TrendWindow) Result {
	tr, found := f.tracker.GetTrend(mint, window)
	if !found {
		return fail(QueryTypeTrend, fmt.Errorf("no trend computed for mint %q window %q", mint, window))
	}
	return ok(QueryTypeTrend, tr)
}

// AllTrends returns every currently computed trend across all mints and
// windows.
func (f *Facade) AllTrends() Result {
	return ok(QueryTypeAllTrends, f.tracker.GetAllTrends())
}

// VolumeAnalysis delegates to the Sink's aggregated volume query; this
// projection has no in-memory equivalent since it spans durable history.
func (f *Facade) VolumeAnalysis(ctx context.Context, filter sink.VolumeFilter) Result {
	rows, err := f.sink.QueryVolumeAnalysis(ctx, filter)
	if err != nil {
		return fail(QueryTypeVolumeAnalysis, fmt.Errorf("sink unavailable: %w", err))
	}
	return ok(QueryTypeVolumeAnalysis, rows)
}

// CleanupHistory delegates to the Sink's durable cleanup-event log.
func (f *Facade) CleanupHistory(ctx context.Context, filter sink.CleanupEventFilter) Result {
	events, err := f.sink.QueryCleanupEvents(ctx, filter)
	if err != nil {
		return fail(QueryTypeCleanupHistory, fmt.Errorf("sink unavailable: %w", err))
	}
	return ok(QueryTypeCleanupHistory, events)
}

// Alerts returns every alert currently registered with the Tracker.
func (f *Facade) Alerts() Result {
	return ok(QueryTypeAlerts, f.tracker.GetAlerts())
}
