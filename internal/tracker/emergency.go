package tracker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tokenwatch/internal/bus"
)

// Override names recognized by SetOverride.
const (
	OverrideDisableAllCleanup  = "disableAllCleanup"
	OverrideForceMinimumTokens = "forceMinimumTokens"
)

// EmergencyStop latches: no cleanup transaction runs until ResumeCleanup is
// called, per spec.md section 4.3.5.
func (t *Tracker) EmergencyStop(reason string) {
	t.emergencyMu.Lock()
	t.emergencyStopped = true
	t.emergencyReason = reason
	t.emergencyMu.Unlock()

	log.Warn().Str("reason", reason).Msg("tracker: emergency stop engaged")
	if t.bus != nil {
		t.bus.Publish(bus.TopicEmergencyStop, bus.EmergencyStopEvent{Reason: reason})
	}
}

// PauseCleanup suspends cleanup transactions without the emergencyStop
// latch semantics (it is lifted by ResumeCleanup, same as emergencyStop).
func (t *Tracker) PauseCleanup(reason string) {
	t.emergencyMu.Lock()
	t.cleanupPaused = true
	t.pauseReason = reason
	t.emergencyMu.Unlock()
	log.Info().Str("reason", reason).Msg("tracker: cleanup paused")
}

// ResumeCleanup clears both EmergencyStop and PauseCleanup.
func (t *Tracker) ResumeCleanup(reason string) {
	t.emergencyMu.Lock()
	t.emergencyStopped = false
	t.cleanupPaused = false
	t.emergencyReason = ""
	t.pauseReason = ""
	t.emergencyMu.Unlock()
	log.Info().Str("reason", reason).Msg("tracker: cleanup resumed")
}

// SetOverride toggles a named override. Unrecognized names are a no-op,
// logged at warn.
func (t *Tracker) SetOverride(name string, enabled bool, reason string) {
	t.emergencyMu.Lock()
	defer t.emergencyMu.Unlock()

	switch name {
	case OverrideDisableAllCleanup:
		t.overrideDisable = enabled
	case OverrideForceMinimumTokens:
		t.overrideForceMin = enabled
	default:
		log.Warn().Str("override", name).Msg("tracker: unrecognized override name")
		return
	}
	log.Info().Str("override", name).Bool("enabled", enabled).Str("reason", reason).Msg("tracker: override changed")
}

// AddEmergencyWhitelist adds mints to the transient emergency whitelist
// (distinct from the permanent configured whitelist).
func (t *Tracker) AddEmergencyWhitelist(mints []string, reason string) {
	t.emergencyMu.Lock()
	for _, m := range mints {
		t.emergencyWList[m] = struct{}{}
	}
	t.emergencyMu.Unlock()

	if t.bus != nil {
		t.bus.Publish(bus.TopicEmergencyWhitelist, bus.EmergencyWhitelistUpdatedEvent{Added: mints, Reason: reason})
	}
}

// RemoveEmergencyWhitelist removes mints from the transient emergency
// whitelist.
func (t *Tracker) RemoveEmergencyWhitelist(mints []string, reason string) {
	t.emergencyMu.Lock()
	for _, m := range mints {
		delete(t.emergencyWList, m)
	}
	t.emergencyMu.Unlock()

	if t.bus != nil {
		t.bus.Publish(bus.TopicEmergencyWhitelist, bus.EmergencyWhitelistUpdatedEvent{Removed: mints, Reason: reason})
	}
}

// isEmergencyWhitelisted reports whether mint is currently protected by the
// transient emergency whitelist.
func (t *Tracker) isEmergencyWhitelisted(mint string) bool {
	t.emergencyMu.Lock()
	defer t.emergencyMu.Unlock()
	_, ok := t.emergencyWList[mint]
	return ok
}

// ForceCleanup runs one immediate cleanup transaction with
// MAX_CLEANUP_PERCENTAGE overridden to percentage (capped at 0.5) and the
// emergencyStop/pause/disable rails bypassed; the minimum-population floor
// is still honored. The override is scoped: it clears on every exit path.
func (t *Tracker) ForceCleanup(ctx context.Context, percentage float64, reason string) error {
	if percentage <= 0 || percentage > 0.5 {
		return fmt.Errorf("tracker: forceCleanup percentage must be in (0, 0.5], got %v", percentage)
	}

	t.emergencyMu.Lock()
	t.forcePercentage = &percentage
	wasStopped, wasPaused, wasDisabled := t.emergencyStopped, t.cleanupPaused, t.overrideDisable
	t.emergencyStopped, t.cleanupPaused, t.overrideDisable = false, false, false
	t.emergencyMu.Unlock()

	defer func() {
		t.emergencyMu.Lock()
		t.forcePercentage = nil
		t.emergencyStopped, t.cleanupPaused, t.overrideDisable = wasStopped, wasPaused, wasDisabled
		t.emergencyMu.Unlock()
	}()

	log.Warn().Float64("percentage", percentage).Str("reason", reason).Msg("tracker: forced cleanup cycle")
	metrics := t.RunCleanupCycle(ctx)

	if t.bus != nil {
		t.bus.Publish(bus.TopicEmergencyCleanupDone, bus.EmergencyCleanupCompletedEvent{Reason: reason, Metrics: metrics})
	}
	return nil
}
