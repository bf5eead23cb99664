package tracker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tokenwatch/internal/bus"
	"github.com/sawpanic/tokenwatch/internal/types"
)

// candidate is one mint's cleanup evaluation outcome, carried from phase 1
// into phase 2.
type candidate struct {
	mint     string
	reason   types.CleanupReason
	details  string
	snapshot types.TokenSnapshot
	health   types.Health
}

// RunCleanupCycle executes one cleanup transaction (spec.md section 4.3.3):
// evaluating -> confirming -> executing -> completed|failed. Only one
// transaction may run at a time; emergency flags short-circuit entry.
func (t *Tracker) RunCleanupCycle(ctx context.Context) types.CleanupMetrics {
	if t.isEmergencyBlocked() {
		return types.CleanupMetrics{}
	}
	if !t.cleanupRunning.CompareAndSwap(false, true) {
		log.Debug().Msg("tracker: cleanup cycle already in progress, skipping tick")
		return types.CleanupMetrics{}
	}

	start := time.Now()
	tagged := make([]string, 0)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("tracker: cleanup cycle panicked")
		}
		t.clearEvaluatingLocked(tagged)
		t.cleanupRunning.Store(false)
		if t.metrics != nil {
			t.metrics.CleanupCycleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	candidates, evaluated := t.evaluatePhase(&tagged)
	if len(candidates) == 0 && evaluated == 0 {
		return types.CleanupMetrics{}
	}

	removed, savedByLimit := t.executePhase(ctx, candidates)

	t.mu.Lock()
	savedWhitelist, savedGrace := t.savedByWhitelist, t.savedByGrace
	t.savedByWhitelist, t.savedByGrace = 0, 0
	t.mu.Unlock()

	metrics := types.CleanupMetrics{
		TotalEvaluated:     evaluated,
		RuggedDetected:     countReason(candidates, types.ReasonRugged),
		InactiveDetected:   countReason(candidates, types.ReasonInactive),
		LowVolumeDetected:  countReason(candidates, types.ReasonLowVolume),
		ActuallyRemoved:    removed,
		SavedByWhitelist:   savedWhitelist,
		SavedByGracePeriod: savedGrace,
		SavedByLimit:       savedByLimit,
		ExecutionTimeMs:    time.Since(start).Milliseconds(),
		Timestamp:          time.Now().UTC(),
	}

	if evaluated > 0 {
		if err := t.sink.WriteCleanupMetrics(ctx, metrics); err != nil {
			log.Error().Err(err).Msg("tracker: failed to persist cleanup metrics")
		}
		if t.bus != nil {
			t.bus.Publish(bus.TopicCleanupMetrics, bus.CleanupMetricsEvent{Metrics: metrics})
		}
	}

	return metrics
}

// isEmergencyBlocked reports whether entry into a new cleanup
// transaction is currently forbidden.
func (t *Tracker) isEmergencyBlocked() bool {
	t.emergencyMu.Lock()
	defer t.emergencyMu.Unlock()
	return t.emergencyStopped || t.cleanupPaused || t.overrideDisable
}

// evaluatePhase is phase 1: read-only evaluation plus the isBeingEvaluated
// guard. It appends every mint it tags to *tagged so phase 3 can clear the
// flag on every exit path.
func (t *Tracker) evaluatePhase(tagged *[]string) ([]candidate, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	effectiveMin := t.cfg.MinTokensToKeep
	t.emergencyMu.Lock()
	if t.overrideForceMin {
		effectiveMin *= 2
	}
	t.emergencyMu.Unlock()

	if len(t.current) <= effectiveMin {
		return nil, 0
	}

	mintSet := make(map[string]struct{})
	for m := range t.idx.ruggedCandidates {
		mintSet[m] = struct{}{}
	}
	for m := range t.idx.inactive {
		mintSet[m] = struct{}{}
	}
	for m := range t.idx.lowVolume {
		mintSet[m] = struct{}{}
	}

	now := time.Now().UTC()
	var out []candidate
	for m := range mintSet {
		h, ok := t.health[m]
		if !ok {
			continue
		}
		h.IsBeingEvaluated = true
		t.health[m] = h
		*tagged = append(*tagged, m)

		if h.IsWhitelisted || t.isEmergencyWhitelisted(m) {
			t.savedByWhitelist++
			continue
		}
		if now.Sub(h.FirstSeenTime) < t.cfg.GracePeriod {
			t.savedByGrace++
			continue
		}

		snapshot := t.current[m]
		reason, details, ok := t.classify(snapshot, h, now)
		if !ok {
			continue
		}
		out = append(out, candidate{mint: m, reason: reason, details: details, snapshot: snapshot, health: h})
	}

	return out, len(mintSet)
}

// classify re-derives the cleanup reason for (snapshot, h), preferring
// rugged over inactive over low-volume, per spec.md section 4.3.3.
func (t *Tracker) classify(snapshot types.TokenSnapshot, h types.Health, now time.Time) (types.CleanupReason, string, bool) {
	if rugged, reason := ruggedReason(t.cfg, snapshot, h); rugged {
		return types.ReasonRugged, reason, true
	}
	sinceTrade := now.Sub(h.LastTradeTime)
	if sinceTrade > t.cfg.InactivityThreshold {
		return types.ReasonInactive, fmt.Sprintf("inactive for %d minutes", int(sinceTrade.Minutes())), true
	}
	if snapshot.Volume24h < t.cfg.MinVolume24h && h.ConsecutiveZeroVolumePeriods >= t.cfg.ConsecutiveZeroVolumePeriods {
		return types.ReasonLowVolume, fmt.Sprintf("volume %.2f below floor for %d periods", snapshot.Volume24h, h.ConsecutiveZeroVolumePeriods), true
	}
	return "", "", false
}

// executePhase is phase 2: apply the per-cycle cap, re-check each
// surviving candidate, and untrack the ones still satisfying their
// condition.
func (t *Tracker) executePhase(ctx context.Context, candidates []candidate) (removed, savedByLimit int) {
	if len(candidates) == 0 {
		return 0, 0
	}

	t.mu.RLock()
	tracked := len(t.current)
	t.mu.RUnlock()

	pct := t.cfg.MaxCleanupPercentage
	effectiveMin := t.cfg.MinTokensToKeep
	t.emergencyMu.Lock()
	if t.forcePercentage != nil {
		pct = *t.forcePercentage
	}
	if t.overrideForceMin {
		effectiveMin *= 2
	}
	t.emergencyMu.Unlock()

	maxRemovable := int(math.Floor(float64(tracked) * pct))
	if maxRemovable < 0 {
		maxRemovable = 0
	}
	// The minimum-population floor (spec.md section 4.3.5, rail 5) wins
	// over the per-cycle percentage cap: never remove past the floor.
	if floorRoom := tracked - effectiveMin; floorRoom < maxRemovable {
		if floorRoom < 0 {
			floorRoom = 0
		}
		maxRemovable = floorRoom
	}

	selected := candidates
	if len(candidates) > maxRemovable {
		selected = candidates[:maxRemovable]
		savedByLimit = len(candidates) - maxRemovable
	}

	for _, c := range selected {
		if t.untrackOne(ctx, c) {
			removed++
		}
	}
	return removed, savedByLimit
}

// untrackOne re-validates c's condition against the live snapshot and, if
// it still holds, removes the mint from every Tracker-owned collection and
// emits tokenCleanedUp.
func (t *Tracker) untrackOne(ctx context.Context, c candidate) bool {
	t.mu.Lock()
	live, ok := t.current[c.mint]
	liveHealth := t.health[c.mint]
	if !ok {
		t.mu.Unlock()
		return false
	}
	reason, details, stillBad := t.classify(live, liveHealth, time.Now().UTC())
	if !stillBad {
		t.mu.Unlock()
		return false
	}

	event := types.CleanupEvent{
		Mint:            c.mint,
		Symbol:          live.Symbol,
		Platform:        live.Platform,
		Reason:          reason,
		Details:         details,
		Timestamp:       time.Now().UTC(),
		FinalPrice:      live.Price,
		FinalVolume:     live.Volume24h,
		FinalLiquidity:  live.Liquidity,
		FinalMarketCap:  live.MarketCap,
		PeakPrice:       liveHealth.PeakPrice,
		PeakVolume:      liveHealth.PeakVolume24h,
		TrackedDuration: time.Since(liveHealth.FirstSeenTime),
		TotalTrades:     liveHealth.TotalTrades,
	}

	delete(t.current, c.mint)
	delete(t.history, c.mint)
	delete(t.health, c.mint)
	t.removeFromAllIndicesLocked(c.mint)
	for id, a := range t.alerts {
		if a.Mint == c.mint {
			delete(t.alerts, id)
		}
	}
	prefix := c.mint + "|"
	for key := range t.trends {
		if strings.HasPrefix(key, prefix) {
			delete(t.trends, key)
		}
	}
	remaining := len(t.current)
	t.mu.Unlock()

	if err := t.sink.WriteCleanupEvent(ctx, event); err != nil {
		log.Error().Err(err).Str("mint", c.mint).Msg("tracker: failed to persist cleanup event")
	}
	if t.bus != nil {
		t.bus.Publish(bus.TopicTokenCleanedUp, bus.TokenCleanedUpEvent{
			Mint: c.mint, Symbol: live.Symbol, Platform: live.Platform, Reason: reason, Details: details,
		})
	}
	if t.metrics != nil {
		t.metrics.CleanupRemoved.WithLabelValues(string(reason)).Inc()
		t.metrics.TrackedTokens.Set(float64(remaining))
	}
	return true
}

// clearEvaluatingLocked clears Health.isBeingEvaluated for every tagged
// mint. Called from RunCleanupCycle's defer, so it runs on every exit path
// including panic.
func (t *Tracker) clearEvaluatingLocked(tagged []string) {
	if len(tagged) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range tagged {
		if h, ok := t.health[m]; ok {
			h.IsBeingEvaluated = false
			t.health[m] = h
		}
	}
}

func countReason(candidates []candidate, reason types.CleanupReason) int {
	n := 0
	for _, c := range candidates {
		if c.reason == reason {
			n++
		}
	}
	return n
}
