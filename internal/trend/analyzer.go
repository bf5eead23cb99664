// Package trend implements TrendAnalyzer (spec.md section 4.4): on a
// fixed cadence, it recomputes {1h, 24h, 7d} trends for every tracked mint
// from the sink's aggregated price history and hands each result to the
// Tracker, which owns the emit-dedup decision. Grounded on the teacher's
// internal/premove.CVDResidualAnalyzer for the config-driven statistical
// analyzer shape and internal/ops.GuardManager for the periodic-loop shape.
package trend

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tokenwatch/internal/sink"
	"github.com/sawpanic/tokenwatch/internal/telemetry"
	"github.com/sawpanic/tokenwatch/internal/types"
)

// Tracker is the narrow slice of internal/tracker.Tracker this package
// needs: the live mint population to iterate, and the sink for the
// emit-dedup decision spec.md section 4.4 step 6 assigns to UpsertTrend.
type Tracker interface {
	GetAll() []types.TokenSnapshot
	UpsertTrend(types.Trend)
}

// windowSpec pairs a lookback window with the bucket granularity and
// duration spec.md section 4.4 step 1 assigns it.
type windowSpec struct {
	window   types.TrendWindow
	lookback time.Duration
	bucket   sink.Bucket
}

var windows = []windowSpec{
	{types.Window1h, time.Hour, sink.Bucket5m},
	{types.Window24h, 24 * time.Hour, sink.Bucket1h},
	{types.Window7d, 7 * 24 * time.Hour, sink.Bucket4h},
}

// Analyzer drives the periodic trend computation loop.
type Analyzer struct {
	interval time.Duration
	sink     sink.Sink
	tracker  Tracker
	metrics  *telemetry.Registry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an Analyzer. interval is config.Config.AnalysisInterval.
func New(interval time.Duration, s sink.Sink, tr Tracker, metrics *telemetry.Registry) *Analyzer {
	return &Analyzer{
		interval: interval,
		sink:     s,
		tracker:  tr,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run drives the analysis cadence until ctx is done or Stop is called.
func (a *Analyzer) Run(ctx context.Context) {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.runOnce(ctx)
		}
	}
}

// Stop quiesces the analysis loop.
func (a *Analyzer) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh
}

// runOnce recomputes every window for every currently tracked mint.
func (a *Analyzer) runOnce(ctx context.Context) {
	snapshots := a.tracker.GetAll()
	now := time.Now().UTC()

	for _, snapshot := range snapshots {
		for _, w := range windows {
			trend, ok := a.computeWindow(ctx, snapshot, w, now)
			if !ok {
				continue
			}
			a.tracker.UpsertTrend(trend)
		}
	}
}

// computeWindow implements spec.md section 4.4 steps 1-5 for one
// (mint, window) pair.
func (a *Analyzer) computeWindow(ctx context.Context, snapshot types.TokenSnapshot, w windowSpec, now time.Time) (types.Trend, bool) {
	tr := sink.TimeRange{From: now.Add(-w.lookback), To: now}
	buckets, err := a.sink.QueryPriceHistory(ctx, snapshot.Mint, tr, w.bucket, sink.AggregationMean)
	if err != nil {
		log.Warn().Err(err).Str("mint", snapshot.Mint).Str("window", string(w.window)).Msg("trend: price history query failed")
		return types.Trend{}, false
	}
	if len(buckets) < 2 {
		return types.Trend{}, false
	}

	startPrice := buckets[0].Price
	endPrice := buckets[len(buckets)-1].Price
	change := endPrice - startPrice
	var changePercent float64
	if startPrice != 0 {
		changePercent = 100 * change / startPrice
	}

	direction := types.DirectionSideways
	switch {
	case changePercent > 2:
		direction = types.DirectionUp
	case changePercent < -2:
		direction = types.DirectionDown
	}

	volatility := bucketReturnStdDev(buckets)
	strength := types.StrengthWeak
	abs := math.Abs(changePercent)
	switch {
	case abs > 20 && volatility < 0.1:
		strength = types.StrengthStrong
	case abs > 10 && volatility < 0.2:
		strength = types.StrengthModerate
	}

	confidence := confidenceOf(buckets)

	var totalVolume float64
	for _, b := range buckets {
		totalVolume += float64(b.Samples)
	}

	trend := types.Trend{
		Mint:          snapshot.Mint,
		Symbol:        snapshot.Symbol,
		Platform:      snapshot.Platform,
		Window:        w.window,
		Direction:     direction,
		Strength:      strength,
		Change:        change,
		ChangePercent: changePercent,
		Confidence:    confidence,
		StartPrice:    startPrice,
		EndPrice:      endPrice,
		Volume:        totalVolume,
		Timestamp:     now,
	}

	return trend, true
}

// bucketReturnStdDev is the sample standard deviation of per-bucket
// fractional returns, spec.md section 4.4 step 4's "volatility".
func bucketReturnStdDev(buckets []sink.PriceBucket) float64 {
	if len(buckets) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(buckets)-1)
	for i := 1; i < len(buckets); i++ {
		prev := buckets[i-1].Price
		if prev == 0 {
			continue
		}
		returns = append(returns, (buckets[i].Price-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(returns)-1))
}

// confidenceOf implements spec.md section 4.4 step 5: average of
// min(#buckets/20, 1) and (1 if every bucket has a positive sample count
// else 0.5).
func confidenceOf(buckets []sink.PriceBucket) float64 {
	coverage := math.Min(float64(len(buckets))/20, 1)

	sampleScore := 1.0
	for _, b := range buckets {
		if b.Samples <= 0 {
			sampleScore = 0.5
			break
		}
	}

	return (coverage + sampleScore) / 2
}
