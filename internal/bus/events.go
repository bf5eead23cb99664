package bus

import "github.com/sawpanic/tokenwatch/internal/types"

// TokenTrackedEvent is published after a snapshot is installed in Tracker's
// current map.
type TokenTrackedEvent struct {
	Mint  string
	Price float64
}

// AlertTriggeredEvent is published strictly after the snapshot that caused
// the trigger is installed.
type AlertTriggeredEvent struct {
	Alert    types.Alert
	Snapshot types.TokenSnapshot
}

// TrendDetectedEvent is published when TrendAnalyzer emits a new trend.
type TrendDetectedEvent struct {
	Trend types.Trend
}

// TokenCleanedUpEvent is published strictly after mint is removed from
// Tracker's current map.
type TokenCleanedUpEvent struct {
	Mint     string
	Symbol   string
	Platform types.Platform
	Reason   types.CleanupReason
	Details  string
}

// CleanupMetricsEvent wraps a completed cycle's metrics.
type CleanupMetricsEvent struct {
	Metrics types.CleanupMetrics
}

// EmergencyStopEvent is published when emergencyStop(reason) latches.
type EmergencyStopEvent struct {
	Reason string
}

// EmergencyCleanupCompletedEvent is published when forceCleanup finishes.
type EmergencyCleanupCompletedEvent struct {
	Reason  string
	Metrics types.CleanupMetrics
}

// EmergencyWhitelistUpdatedEvent is published on whitelist add/remove.
type EmergencyWhitelistUpdatedEvent struct {
	Added   []string
	Removed []string
	Reason  string
}

// FeedTerminalEvent is published when a FeedClient crosses
// MAX_RECONNECT_ATTEMPTS.
type FeedTerminalEvent struct {
	Attempts int
}
