// Package tracker implements Tracker (spec.md section 4.3): the sole
// owner of the in-memory token population, grounded on the teacher's
// internal/ops.GuardManager for the mutex-guarded-manager shape and its
// internal/application state-machine services for the cleanup transaction.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tokenwatch/internal/bus"
	"github.com/sawpanic/tokenwatch/internal/config"
	"github.com/sawpanic/tokenwatch/internal/sink"
	"github.com/sawpanic/tokenwatch/internal/telemetry"
	"github.com/sawpanic/tokenwatch/internal/types"
)

const historyCap = 1000

// Tracker owns current snapshots, bounded price history, per-mint Health,
// the alert registry, the five derived indices, and the cleanup driver.
type Tracker struct {
	cfg     config.Config
	sink    sink.Sink
	bus     *bus.Bus
	metrics *telemetry.Registry

	mu      sync.RWMutex
	current map[string]types.TokenSnapshot
	history map[string][]types.PricePoint
	health  map[string]types.Health
	alerts  map[string]types.Alert
	trends  map[string]types.Trend

	idx indexSet

	emergencyMu      sync.Mutex
	emergencyStopped bool
	emergencyReason  string
	cleanupPaused    bool
	pauseReason      string
	overrideDisable  bool
	overrideForceMin bool
	forcePercentage  *float64
	emergencyWList   map[string]struct{}

	// savedByWhitelist/savedByGrace accumulate during a single cleanup
	// cycle's phase 1 and are consumed (and reset) by RunCleanupCycle when
	// it builds that cycle's CleanupMetrics. Guarded by t.mu since they are
	// only touched while it is held.
	savedByWhitelist int
	savedByGrace     int

	cleanupRunning atomic.Bool
	alertSeq       atomic.Uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// indexSet is the five derived mint indices from spec.md section 4.3.2.
type indexSet struct {
	newTokens        map[string]struct{}
	recentlyActive   map[string]struct{}
	inactive         map[string]struct{}
	lowVolume        map[string]struct{}
	ruggedCandidates map[string]struct{}
}

func newIndexSet() indexSet {
	return indexSet{
		newTokens:        make(map[string]struct{}),
		recentlyActive:   make(map[string]struct{}),
		inactive:         make(map[string]struct{}),
		lowVolume:        make(map[string]struct{}),
		ruggedCandidates: make(map[string]struct{}),
	}
}

// New validates cfg per spec.md section 4.3.6 and constructs a Tracker.
// Config errors refuse construction; warnings are logged by cfg.Validate's
// caller (config.Load already calls Config.warn, but New re-validates
// defensively since a Tracker may be built directly in tests).
func New(cfg config.Config, s sink.Sink, b *bus.Bus, metrics *telemetry.Registry) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracker: invalid config: %w", err)
	}
	t := &Tracker{
		cfg:            cfg,
		sink:           s,
		bus:            b,
		metrics:        metrics,
		current:        make(map[string]types.TokenSnapshot),
		history:        make(map[string][]types.PricePoint),
		health:         make(map[string]types.Health),
		alerts:         make(map[string]types.Alert),
		trends:         make(map[string]types.Trend),
		idx:            newIndexSet(),
		emergencyWList: make(map[string]struct{}),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	return t, nil
}

// Run starts the cleanup-cadence timer loop. Intended to run in its own
// goroutine; Stop blocks until Run has returned.
func (t *Tracker) Run(ctx context.Context) {
	defer close(t.doneCh)

	if !t.cfg.CleanupEnabled {
		<-mergeDone(ctx.Done(), t.stopCh)
		return
	}

	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.RunCleanupCycle(ctx)
		}
	}
}

func mergeDone(a, b <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		select {
		case <-a:
		case <-b:
		}
	}()
	return out
}

// Stop quiesces the cleanup timer loop.
func (t *Tracker) Stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	<-t.doneCh
}

// TrackToken is the update path (spec.md section 4.3.1). It upserts the
// snapshot, Health, history ring, evaluates alerts, and recomputes index
// membership. Silently skipped if the mint is mid cleanup-evaluation.
func (t *Tracker) TrackToken(snapshot types.TokenSnapshot) {
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.health[snapshot.Mint]; ok && h.IsBeingEvaluated {
		return
	}

	t.current[snapshot.Mint] = snapshot
	h := t.upsertHealth(snapshot, now)

	if snapshot.Price > 0 {
		t.appendHistory(snapshot.Mint, types.PricePoint{
			Mint:      snapshot.Mint,
			Platform:  snapshot.Platform,
			Price:     snapshot.Price,
			Volume:    snapshot.Volume24h,
			Timestamp: snapshot.Timestamp,
			Source:    "tracker",
		})
	}

	t.evaluateAlertsLocked(snapshot)
	t.reindexLocked(snapshot.Mint, snapshot, h, now)

	if t.bus != nil {
		t.bus.Publish(bus.TopicTokenTracked, bus.TokenTrackedEvent{Mint: snapshot.Mint, Price: snapshot.Price})
	}
	if t.metrics != nil {
		t.metrics.TrackedTokens.Set(float64(len(t.current)))
	}
}

// upsertHealth applies spec.md section 4.3.1 step 2. Must be called with
// t.mu held.
func (t *Tracker) upsertHealth(snapshot types.TokenSnapshot, now time.Time) types.Health {
	h, exists := t.health[snapshot.Mint]
	if !exists {
		h = types.Health{
			Mint:             snapshot.Mint,
			FirstSeenTime:    now,
			LastTradeTime:    now,
			PeakPrice:        snapshot.Price,
			PeakVolume24h:    snapshot.Volume24h,
			CurrentLiquidity: snapshot.Liquidity,
			IsWhitelisted:    t.cfg.IsWhitelisted(snapshot.Mint),
		}
		if snapshot.Volume24h < t.cfg.MinVolume24h {
			h.ConsecutiveZeroVolumePeriods = 1
		}
		t.health[snapshot.Mint] = h
		return h
	}

	h.LastTradeTime = now
	if snapshot.Price > h.PeakPrice {
		h.PeakPrice = snapshot.Price
	}
	if snapshot.Volume24h > h.PeakVolume24h {
		h.PeakVolume24h = snapshot.Volume24h
	}
	h.CurrentLiquidity = snapshot.Liquidity
	if snapshot.Volume24h < t.cfg.MinVolume24h {
		h.ConsecutiveZeroVolumePeriods++
	} else {
		h.ConsecutiveZeroVolumePeriods = 0
	}
	t.health[snapshot.Mint] = h
	return h
}

// appendHistory appends to the per-mint ring, evicting the oldest point
// once the cap is exceeded. Must be called with t.mu held.
func (t *Tracker) appendHistory(mint string, p types.PricePoint) {
	ring := append(t.history[mint], p)
	if len(ring) > historyCap {
		ring = ring[len(ring)-historyCap:]
	}
	t.history[mint] = ring
}

// RecordTrade updates Health.lastTradeTime per spec.md section 4.3.
func (t *Tracker) RecordTrade(trade types.Trade) {
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.health[trade.Mint]
	if !ok {
		return
	}
	if h.IsBeingEvaluated {
		return
	}
	h.LastTradeTime = now
	h.TotalTrades++
	t.health[trade.Mint] = h
}

// RetrackToken resets Health as if first-seen. Only allowed if the mint is
// not currently tracked.
func (t *Tracker) RetrackToken(snapshot types.TokenSnapshot, reason string) error {
	t.mu.Lock()
	if _, tracked := t.current[snapshot.Mint]; tracked {
		t.mu.Unlock()
		return fmt.Errorf("tracker: %s is already tracked, cannot retrack", snapshot.Mint)
	}
	delete(t.health, snapshot.Mint)
	t.mu.Unlock()

	log.Info().Str("mint", snapshot.Mint).Str("reason", reason).Msg("tracker: retracking token")
	t.TrackToken(snapshot)
	return nil
}

// GetSnapshot returns the current snapshot for mint, if tracked.
func (t *Tracker) GetSnapshot(mint string) (types.TokenSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.current[mint]
	return s, ok
}

// GetAll returns every currently tracked snapshot.
func (t *Tracker) GetAll() []types.TokenSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.TokenSnapshot, 0, len(t.current))
	for _, s := range t.current {
		out = append(out, s)
	}
	return out
}

// GetHistory returns up to limit most-recent price points for mint, oldest
// first. limit <= 0 means no cap.
func (t *Tracker) GetHistory(mint string, limit int) []types.PricePoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ring := t.history[mint]
	if limit <= 0 || limit >= len(ring) {
		out := make([]types.PricePoint, len(ring))
		copy(out, ring)
		return out
	}
	out := make([]types.PricePoint, limit)
	copy(out, ring[len(ring)-limit:])
	return out
}

// Count returns the number of currently tracked mints.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.current)
}

// newAlertID mints a globally unique alert ID: a monotonic counter plus a
// random suffix, per spec.md section 5's shared-resource policy.
func (t *Tracker) newAlertID() string {
	seq := t.alertSeq.Add(1)
	return fmt.Sprintf("alert-%d-%s", seq, uuid.NewString()[:8])
}

// AddAlert registers a new one-shot alert and returns its ID.
func (t *Tracker) AddAlert(mint, symbol string, kind types.AlertKind, cond types.AlertCondition, value float64) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.newAlertID()
	t.alerts[id] = types.Alert{
		ID:        id,
		Mint:      mint,
		Symbol:    symbol,
		Kind:      kind,
		Condition: cond,
		Value:     value,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	return id
}

// RemoveAlert deletes an alert by ID, reporting whether it existed.
func (t *Tracker) RemoveAlert(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.alerts[id]; !ok {
		return false
	}
	delete(t.alerts, id)
	return true
}

// GetAlerts returns every registered alert.
func (t *Tracker) GetAlerts() []types.Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Alert, 0, len(t.alerts))
	for _, a := range t.alerts {
		out = append(out, a)
	}
	return out
}

// GetTrend returns the most recent trend for (mint, window).
func (t *Tracker) GetTrend(mint string, window types.TrendWindow) (types.Trend, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.trends[types.Trend{Mint: mint, Window: window}.Key()]
	return tr, ok
}

// GetAllTrends returns every stored trend.
func (t *Tracker) GetAllTrends() []types.Trend {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Trend, 0, len(t.trends))
	for _, tr := range t.trends {
		out = append(out, tr)
	}
	return out
}

// UpsertTrend is called by the trend analyzer. It stores the trend and
// emits a trendDetected event only when the key is new or the direction,
// strength, or change percent moved materially, per spec.md section 4.4
// step 6.
func (t *Tracker) UpsertTrend(tr types.Trend) {
	t.mu.Lock()
	prior, existed := t.trends[tr.Key()]
	t.trends[tr.Key()] = tr
	t.mu.Unlock()

	emit := !existed ||
		prior.Direction != tr.Direction ||
		prior.Strength != tr.Strength ||
		absFloat(prior.ChangePercent-tr.ChangePercent) > 5

	if emit && t.bus != nil {
		t.bus.Publish(bus.TopicTrendDetected, bus.TrendDetectedEvent{Trend: tr})
	}
	if emit && t.metrics != nil {
		t.metrics.TrendsEmitted.WithLabelValues(string(tr.Window)).Inc()
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
