package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tokenwatch/internal/bus"
	"github.com/sawpanic/tokenwatch/internal/config"
	"github.com/sawpanic/tokenwatch/internal/sink"
	"github.com/sawpanic/tokenwatch/internal/types"
)

type fakeSink struct {
	mu      sync.Mutex
	events  []types.CleanupEvent
	metrics []types.CleanupMetrics
}

func (f *fakeSink) WriteBatch(ctx context.Context, b sink.Batch) error { return nil }
func (f *fakeSink) WriteCleanupEvent(ctx context.Context, e types.CleanupEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}
func (f *fakeSink) WriteCleanupMetrics(ctx context.Context, m types.CleanupMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, m)
	return nil
}
func (f *fakeSink) QueryTokenSnapshots(ctx context.Context, filter sink.SnapshotFilter) ([]types.TokenSnapshot, error) {
	return nil, nil
}
func (f *fakeSink) QueryPriceHistory(ctx context.Context, mint string, tr sink.TimeRange, b sink.Bucket, agg sink.Aggregation) ([]sink.PriceBucket, error) {
	return nil, nil
}
func (f *fakeSink) QueryVolumeAnalysis(ctx context.Context, filter sink.VolumeFilter) ([]sink.VolumeAnalysis, error) {
	return nil, nil
}
func (f *fakeSink) QueryCleanupEvents(ctx context.Context, filter sink.CleanupEventFilter) ([]types.CleanupEvent, error) {
	return nil, nil
}

func (f *fakeSink) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.FeedURL = "wss://example.test/feed"
	cfg.GracePeriod = 10 * time.Millisecond
	cfg.InactivityThreshold = 50 * time.Millisecond
	cfg.CleanupInterval = time.Hour // tests drive RunCleanupCycle directly
	cfg.MinTokensToKeep = 1
	cfg.MinVolume24h = 10
	cfg.ConsecutiveZeroVolumePeriods = 2
	cfg.RugPriceDrop = 0.9
	cfg.RugVolumeDrop = 0.95
	cfg.LiqThreshold = 50
	cfg.MaxCleanupPercentage = 1.0
	return cfg
}

func newTestTracker(t *testing.T, cfg config.Config) (*Tracker, *fakeSink) {
	t.Helper()
	s := &fakeSink{}
	tr, err := New(cfg, s, bus.New(), nil)
	require.NoError(t, err)
	return tr, s
}

func snap(mint string, price, volume, liquidity float64) types.TokenSnapshot {
	return types.TokenSnapshot{
		Mint:      mint,
		Symbol:    "TOK",
		Platform:  types.PlatformPump,
		Price:     price,
		Volume24h: volume,
		Liquidity: liquidity,
		Timestamp: time.Now().UTC(),
	}
}

func TestTrackToken_FirstSeenInitializesHealth(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())

	tr.TrackToken(snap("mint1", 1.0, 100, 500))

	s, ok := tr.GetSnapshot("mint1")
	require.True(t, ok)
	assert.Equal(t, 1.0, s.Price)
	assert.Equal(t, 1, tr.Count())
}

func TestTrackToken_PeakPriceAndVolumeOnlyIncrease(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())

	tr.TrackToken(snap("mint1", 5.0, 200, 500))
	tr.TrackToken(snap("mint1", 3.0, 100, 500))

	// Peak price/volume live in Health; a lower later update leaves them at
	// the first snapshot's values.
	tr.mu.RLock()
	h := tr.health["mint1"]
	tr.mu.RUnlock()
	assert.Equal(t, 5.0, h.PeakPrice)
	assert.Equal(t, 200.0, h.PeakVolume24h)

	// The public snapshot still reflects the latest, lower price.
	cfg := testConfig()
	cfg.RugPriceDrop = 0.3 // (5-3)/5 = 0.4 >= 0.3
	tr2, _ := newTestTracker(t, cfg)
	tr2.TrackToken(snap("mint2", 5.0, 200, 500))
	tr2.TrackToken(snap("mint2", 3.0, 100, 500))

	all := tr2.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, 3.0, all[0].Price)
}

func TestTrackToken_ConsecutiveZeroVolumeResetsOnNonZero(t *testing.T) {
	cfg := testConfig()
	tr, _ := newTestTracker(t, cfg)

	tr.TrackToken(snap("mint1", 1.0, 0, 500))   // below MinVolume24h -> count 1
	tr.TrackToken(snap("mint1", 1.0, 0, 500))   // count 2
	tr.TrackToken(snap("mint1", 1.0, 100, 500)) // resets to 0

	tr.mu.RLock()
	resetCount := tr.health["mint1"].ConsecutiveZeroVolumePeriods
	tr.mu.RUnlock()
	require.Equal(t, 0, resetCount)

	// One more zero-volume period should bring it to 1, not 3, proving the
	// reset actually took effect rather than just continuing to accumulate.
	tr.TrackToken(snap("mint1", 1.0, 0, 500))
	tr.mu.RLock()
	finalCount := tr.health["mint1"].ConsecutiveZeroVolumePeriods
	tr.mu.RUnlock()
	assert.Equal(t, 1, finalCount)
}

func TestTrackToken_NewTokenIndexedWhileWithinGracePeriod(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	tr.TrackToken(snap("mint1", 1.0, 100, 500))

	tr.mu.RLock()
	_, isNew := tr.idx.newTokens["mint1"]
	tr.mu.RUnlock()
	assert.True(t, isNew)
}

func TestTrackToken_InactiveIndexAfterThresholdElapses(t *testing.T) {
	cfg := testConfig()
	tr, _ := newTestTracker(t, cfg)
	tr.TrackToken(snap("mint1", 1.0, 100, 500))

	// Emulate the passage of time past the inactivity threshold by
	// re-deriving health directly, since TrackToken/RecordTrade both refresh
	// LastTradeTime on every call.
	tr.mu.Lock()
	h := tr.health["mint1"]
	h.LastTradeTime = time.Now().Add(-cfg.InactivityThreshold - time.Second)
	h.FirstSeenTime = time.Now().Add(-cfg.InactivityThreshold - time.Second)
	tr.health["mint1"] = h
	tr.reindexLocked("mint1", tr.current["mint1"], h, time.Now().UTC())
	_, isInactive := tr.idx.inactive["mint1"]
	tr.mu.Unlock()

	assert.True(t, isInactive)
}

func TestTrackToken_RuggedIndexOnLiquidityCollapse(t *testing.T) {
	cfg := testConfig()
	tr, _ := newTestTracker(t, cfg)
	tr.TrackToken(snap("mint1", 1.0, 100, 500))

	// Age the mint past its grace period so the next update's reindex
	// actually evaluates the rugged predicate instead of short-circuiting
	// into the newTokens bucket.
	tr.mu.Lock()
	h := tr.health["mint1"]
	h.FirstSeenTime = time.Now().Add(-time.Hour)
	tr.health["mint1"] = h
	tr.mu.Unlock()

	tr.TrackToken(snap("mint1", 1.0, 100, 10)) // liquidity below LiqThreshold(50)

	tr.mu.RLock()
	_, rugged := tr.idx.ruggedCandidates["mint1"]
	tr.mu.RUnlock()
	assert.True(t, rugged)
}

func TestTrackToken_SkippedWhileBeingEvaluated(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	tr.TrackToken(snap("mint1", 1.0, 100, 500))

	tr.mu.Lock()
	h := tr.health["mint1"]
	h.IsBeingEvaluated = true
	tr.health["mint1"] = h
	tr.mu.Unlock()

	tr.TrackToken(snap("mint1", 99.0, 999, 999))

	s, _ := tr.GetSnapshot("mint1")
	assert.Equal(t, 1.0, s.Price, "update should have been skipped while isBeingEvaluated")
}

func TestRecordTrade_SkippedWhileBeingEvaluated(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	tr.TrackToken(snap("mint1", 1.0, 100, 500))

	tr.mu.Lock()
	h := tr.health["mint1"]
	h.IsBeingEvaluated = true
	tr.health["mint1"] = h
	tr.mu.Unlock()

	tr.RecordTrade(types.Trade{Mint: "mint1", Price: 1.0, Value: 10})

	tr.mu.RLock()
	got := tr.health["mint1"]
	tr.mu.RUnlock()
	assert.Equal(t, int64(0), got.TotalTrades)
}

func TestAlert_ThresholdFiresOnceAndStaysTriggered(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	tr.TrackToken(snap("mint1", 1.0, 100, 500))
	id := tr.AddAlert("mint1", "TOK", types.AlertKindThreshold, types.ConditionAbove, 2.0)

	tr.TrackToken(snap("mint1", 3.0, 100, 500))
	alerts := tr.GetAlerts()
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Triggered)
	assert.Equal(t, id, alerts[0].ID)

	// Further updates must not re-fire or mutate TriggeredAt.
	firstFire := alerts[0].TriggeredAt
	tr.TrackToken(snap("mint1", 5.0, 100, 500))
	alerts2 := tr.GetAlerts()
	require.Len(t, alerts2, 1)
	assert.Equal(t, firstFire, alerts2[0].TriggeredAt)
}

func TestAlert_PercentageFiresAgainstOldestRingPoint(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	tr.TrackToken(snap("mint1", 10.0, 100, 500)) // baseline = 10
	tr.AddAlert("mint1", "TOK", types.AlertKindPercentage, types.ConditionAbove, 20) // fires at +20%

	tr.TrackToken(snap("mint1", 11.0, 100, 500)) // +10%, should not fire
	assert.False(t, tr.GetAlerts()[0].Triggered)

	tr.TrackToken(snap("mint1", 13.0, 100, 500)) // +30%, should fire
	assert.True(t, tr.GetAlerts()[0].Triggered)
}

func TestRemoveAlert(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	tr.TrackToken(snap("mint1", 1.0, 100, 500))
	id := tr.AddAlert("mint1", "TOK", types.AlertKindThreshold, types.ConditionBelow, 0.5)

	assert.True(t, tr.RemoveAlert(id))
	assert.False(t, tr.RemoveAlert(id))
	assert.Len(t, tr.GetAlerts(), 0)
}

func TestUpsertTrend_StoresAndDedupsEmission(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	emitted := 0
	tr.bus.Subscribe(bus.TopicTrendDetected, func(any) { emitted++ })

	trend := types.Trend{Mint: "mint1", Window: types.Window1h, Direction: types.DirectionUp, Strength: types.StrengthWeak, ChangePercent: 2}
	tr.UpsertTrend(trend)

	got, ok := tr.GetTrend("mint1", types.Window1h)
	require.True(t, ok)
	assert.Equal(t, types.DirectionUp, got.Direction)

	tr.UpsertTrend(trend) // identical, no material change
	all := tr.GetAllTrends()
	require.Len(t, all, 1)
	assert.Equal(t, 1, emitted)
}

func TestRunCleanupCycle_RemovesRuggedBelowWhitelistAndGrace(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"protected"}
	tr, s := newTestTracker(t, cfg)

	tr.TrackToken(snap("protected", 1.0, 100, 10))  // rugged by liquidity, but whitelisted
	tr.TrackToken(snap("rugged1", 1.0, 100, 10))     // rugged by liquidity, not whitelisted
	tr.TrackToken(snap("fresh", 1.0, 100, 500))       // within grace period, not rugged

	// Age "rugged1" past the grace period so it is eligible for removal;
	// "fresh" stays within grace and "protected" is saved by whitelist.
	tr.mu.Lock()
	h := tr.health["rugged1"]
	h.FirstSeenTime = time.Now().Add(-time.Hour)
	tr.health["rugged1"] = h
	h2 := tr.health["protected"]
	h2.FirstSeenTime = time.Now().Add(-time.Hour)
	tr.health["protected"] = h2
	tr.reindexLocked("rugged1", tr.current["rugged1"], tr.health["rugged1"], time.Now().UTC())
	tr.reindexLocked("protected", tr.current["protected"], tr.health["protected"], time.Now().UTC())
	tr.mu.Unlock()

	metrics := tr.RunCleanupCycle(context.Background())

	assert.Equal(t, 1, metrics.ActuallyRemoved)
	assert.Equal(t, 1, metrics.SavedByWhitelist)
	_, stillTracked := tr.GetSnapshot("rugged1")
	assert.False(t, stillTracked)
	_, protectedTracked := tr.GetSnapshot("protected")
	assert.True(t, protectedTracked)
	_, freshTracked := tr.GetSnapshot("fresh")
	assert.True(t, freshTracked)
	assert.Equal(t, 1, s.eventCount())
}

func TestRunCleanupCycle_MinTokensToKeepFloorSkipsEvaluation(t *testing.T) {
	cfg := testConfig()
	cfg.MinTokensToKeep = 10
	tr, _ := newTestTracker(t, cfg)
	tr.TrackToken(snap("mint1", 1.0, 100, 10))

	metrics := tr.RunCleanupCycle(context.Background())
	assert.Equal(t, 0, metrics.TotalEvaluated)
	_, tracked := tr.GetSnapshot("mint1")
	assert.True(t, tracked)
}

func TestRunCleanupCycle_PerCycleCapLimitsRemoval(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCleanupPercentage = 0.1 // only 10% of tracked population per cycle
	cfg.MinTokensToKeep = 1
	tr, _ := newTestTracker(t, cfg)

	for i := 0; i < 10; i++ {
		m := "rug-" + string(rune('a'+i))
		tr.TrackToken(snap(m, 1.0, 100, 10))
		tr.mu.Lock()
		h := tr.health[m]
		h.FirstSeenTime = time.Now().Add(-time.Hour)
		tr.health[m] = h
		tr.reindexLocked(m, tr.current[m], h, time.Now().UTC())
		tr.mu.Unlock()
	}

	metrics := tr.RunCleanupCycle(context.Background())
	assert.Equal(t, 1, metrics.ActuallyRemoved, "floor(10*0.1)=1 should be removed per cycle")
	assert.Equal(t, 9, metrics.SavedByLimit)
}

func TestRunCleanupCycle_MinTokensFloorWinsOverPercentageCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCleanupPercentage = 0.1
	cfg.MinTokensToKeep = 100
	tr, _ := newTestTracker(t, cfg)

	tr.TrackToken(snap("rugged1", 1.0, 100, 10))
	tr.mu.Lock()
	h := tr.health["rugged1"]
	h.FirstSeenTime = time.Now().Add(-time.Hour)
	tr.health["rugged1"] = h
	tr.reindexLocked("rugged1", tr.current["rugged1"], h, time.Now().UTC())
	tr.mu.Unlock()

	for i := 0; i < 100; i++ {
		tr.TrackToken(snap("safe-"+string(rune('a'+i)), 1.0, 100, 500))
	}

	metrics := tr.RunCleanupCycle(context.Background())
	assert.Equal(t, 0, metrics.ActuallyRemoved, "the min-population floor must win even though the 10%% cap would allow 10 removals")
	_, tracked := tr.GetSnapshot("rugged1")
	assert.True(t, tracked)
}

func TestEmergencyStop_BlocksCleanupUntilResumed(t *testing.T) {
	cfg := testConfig()
	tr, _ := newTestTracker(t, cfg)
	tr.TrackToken(snap("safe", 1.0, 100, 500))
	tr.TrackToken(snap("rugged1", 1.0, 100, 10))
	tr.mu.Lock()
	h := tr.health["rugged1"]
	h.FirstSeenTime = time.Now().Add(-time.Hour)
	tr.health["rugged1"] = h
	tr.reindexLocked("rugged1", tr.current["rugged1"], h, time.Now().UTC())
	tr.mu.Unlock()

	tr.EmergencyStop("manual halt")
	metrics := tr.RunCleanupCycle(context.Background())
	assert.Equal(t, types.CleanupMetrics{}, metrics)
	_, tracked := tr.GetSnapshot("rugged1")
	assert.True(t, tracked)

	tr.ResumeCleanup("all clear")
	metrics = tr.RunCleanupCycle(context.Background())
	assert.Equal(t, 1, metrics.ActuallyRemoved)
}

func TestForceCleanup_RestoresPriorEmergencyStateAfterExit(t *testing.T) {
	cfg := testConfig()
	tr, _ := newTestTracker(t, cfg)
	tr.TrackToken(snap("safe", 1.0, 100, 500))
	tr.TrackToken(snap("rugged1", 1.0, 100, 10))
	tr.mu.Lock()
	h := tr.health["rugged1"]
	h.FirstSeenTime = time.Now().Add(-time.Hour)
	tr.health["rugged1"] = h
	tr.reindexLocked("rugged1", tr.current["rugged1"], h, time.Now().UTC())
	tr.mu.Unlock()

	tr.EmergencyStop("ongoing incident")
	err := tr.ForceCleanup(context.Background(), 0.5, "operator override")
	require.NoError(t, err)

	_, tracked := tr.GetSnapshot("rugged1")
	assert.False(t, tracked, "forceCleanup should have bypassed the emergencyStop rail for its one cycle")

	// The prior emergencyStopped=true state must be restored afterward.
	assert.Equal(t, types.CleanupMetrics{}, tr.RunCleanupCycle(context.Background()))
}

func TestForceCleanup_RejectsPercentageOutOfRange(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	assert.Error(t, tr.ForceCleanup(context.Background(), 0, "x"))
	assert.Error(t, tr.ForceCleanup(context.Background(), 0.6, "x"))
}

func TestEmergencyWhitelist_SavesCandidateFromRemoval(t *testing.T) {
	cfg := testConfig()
	tr, _ := newTestTracker(t, cfg)
	tr.TrackToken(snap("safe", 1.0, 100, 500))
	tr.TrackToken(snap("rugged1", 1.0, 100, 10))
	tr.mu.Lock()
	h := tr.health["rugged1"]
	h.FirstSeenTime = time.Now().Add(-time.Hour)
	tr.health["rugged1"] = h
	tr.reindexLocked("rugged1", tr.current["rugged1"], h, time.Now().UTC())
	tr.mu.Unlock()

	tr.AddEmergencyWhitelist([]string{"rugged1"}, "investigating")
	metrics := tr.RunCleanupCycle(context.Background())
	assert.Equal(t, 1, metrics.SavedByWhitelist)
	_, tracked := tr.GetSnapshot("rugged1")
	assert.True(t, tracked)

	tr.RemoveEmergencyWhitelist([]string{"rugged1"}, "resolved")
	metrics = tr.RunCleanupCycle(context.Background())
	assert.Equal(t, 1, metrics.ActuallyRemoved)
}

func TestRetrackToken_RefusedWhileStillTracked(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	tr.TrackToken(snap("mint1", 1.0, 100, 500))
	err := tr.RetrackToken(snap("mint1", 2.0, 200, 500), "duplicate feed")
	assert.Error(t, err)
}

func TestRetrackToken_AllowedAfterUntrack(t *testing.T) {
	cfg := testConfig()
	tr, _ := newTestTracker(t, cfg)
	tr.TrackToken(snap("safe", 1.0, 100, 500))
	tr.TrackToken(snap("rugged1", 1.0, 100, 10))
	tr.mu.Lock()
	h := tr.health["rugged1"]
	h.FirstSeenTime = time.Now().Add(-time.Hour)
	tr.health["rugged1"] = h
	tr.reindexLocked("rugged1", tr.current["rugged1"], h, time.Now().UTC())
	tr.mu.Unlock()
	tr.RunCleanupCycle(context.Background())

	err := tr.RetrackToken(snap("rugged1", 1.0, 100, 500), "reappeared")
	require.NoError(t, err)
	_, tracked := tr.GetSnapshot("rugged1")
	assert.True(t, tracked)
}

func TestGetHistory_BoundedAndOldestFirst(t *testing.T) {
	tr, _ := newTestTracker(t, testConfig())
	for i := 1; i <= 5; i++ {
		tr.TrackToken(snap("mint1", float64(i), 100, 500))
	}
	hist := tr.GetHistory("mint1", 2)
	require.Len(t, hist, 2)
	assert.Equal(t, 4.0, hist[0].Price)
	assert.Equal(t, 5.0, hist[1].Price)
}
