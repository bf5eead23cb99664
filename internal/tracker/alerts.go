package tracker

import (
	"time"

	"github.com/sawpanic/tokenwatch/internal/bus"
	"github.com/sawpanic/tokenwatch/internal/types"
)

// evaluateAlertsLocked checks every enabled, untriggered alert on mint
// against the new snapshot, per spec.md section 4.3.1 step 4. Must be
// called with t.mu held, after current[mint] and history[mint] have both
// been updated for this snapshot.
func (t *Tracker) evaluateAlertsLocked(snapshot types.TokenSnapshot) {
	for id, a := range t.alerts {
		if a.Mint != snapshot.Mint || !a.Enabled || a.Triggered {
			continue
		}

		var fires bool
		switch a.Kind {
		case types.AlertKindThreshold:
			fires = conditionHolds(a.Condition, snapshot.Price, a.Value)
		case types.AlertKindPercentage:
			baseline := t.oldestPriceLocked(snapshot.Mint)
			if baseline <= 0 {
				continue
			}
			changePercent := 100 * (snapshot.Price - baseline) / baseline
			fires = conditionHolds(a.Condition, changePercent, a.Value)
		}

		if !fires {
			continue
		}

		now := time.Now().UTC()
		a.Triggered = true
		a.TriggeredAt = &now
		t.alerts[id] = a

		if t.bus != nil {
			t.bus.Publish(bus.TopicAlertTriggered, bus.AlertTriggeredEvent{Alert: a, Snapshot: snapshot})
		}
		if t.metrics != nil {
			t.metrics.AlertsTriggered.Inc()
		}
	}
}

func conditionHolds(cond types.AlertCondition, value, threshold float64) bool {
	switch cond {
	case types.ConditionAbove:
		return value > threshold
	case types.ConditionBelow:
		return value < threshold
	default:
		return false
	}
}

// oldestPriceLocked returns the oldest ring price for mint, the baseline a
// percentage alert measures against. Must be called with t.mu held.
func (t *Tracker) oldestPriceLocked(mint string) float64 {
	ring := t.history[mint]
	if len(ring) == 0 {
		return 0
	}
	return ring[0].Price
}
