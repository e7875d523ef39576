// Package health scores agent liveness from heartbeat recency.
//
// Scoring is deductive and fixed: start at 100, lose 20 once the heartbeat is
// delayed, another 50 once the agent looks offline, and 5 per missed beat.
// Only the staleness thresholds are tunable, and their order is enforced.
package health

import (
	"fmt"
	"time"

	"github.com/vesaa/fleetpulse/internal/models"
)

const (
	maxScore          = 100
	delayedPenalty    = 20
	suspectPenalty    = 50
	missedBeatPenalty = 5

	degradedBelow  = 80
	unhealthyBelow = 50
)

// Reason strings.
const (
	ReasonDelayed         = "heartbeat delayed"
	ReasonPossiblyOffline = "agent possibly offline"
)

// Thresholds are heartbeat ages, in seconds, past which an agent is
// considered delayed, possibly offline, and offline.
type Thresholds struct {
	DelayedAfter int64
	SuspectAfter int64
	OfflineAfter int64
}

// DefaultThresholds is 15s / 60s / 120s.
var DefaultThresholds = Thresholds{DelayedAfter: 15, SuspectAfter: 60, OfflineAfter: 120}

// Validate requires 0 < delayed < suspect < offline.
func (t Thresholds) Validate() error {
	if t.DelayedAfter <= 0 || t.DelayedAfter >= t.SuspectAfter || t.SuspectAfter >= t.OfflineAfter {
		return fmt.Errorf("health thresholds must satisfy 0 < delayed(%d) < suspect(%d) < offline(%d)",
			t.DelayedAfter, t.SuspectAfter, t.OfflineAfter)
	}
	return nil
}

// ThresholdsFromDurations converts configured durations to whole seconds.
func ThresholdsFromDurations(delayed, suspect, offline time.Duration) Thresholds {
	return Thresholds{
		DelayedAfter: int64(delayed / time.Second),
		SuspectAfter: int64(suspect / time.Second),
		OfflineAfter: int64(offline / time.Second),
	}
}

// Result is the outcome of one evaluation.
type Result struct {
	Score   int
	Status  models.AgentStatus
	Reasons []string
}

// Evaluate scores an agent with DefaultThresholds. A nil age means the
// agent has never reported and carries no staleness deductions.
func Evaluate(heartbeatAgeSec *int64, missedHeartbeats int) Result {
	return DefaultThresholds.Evaluate(heartbeatAgeSec, missedHeartbeats)
}

// Evaluate scores an agent against t.
func (t Thresholds) Evaluate(heartbeatAgeSec *int64, missedHeartbeats int) Result {
	score := maxScore
	reasons := []string{}

	if heartbeatAgeSec != nil && *heartbeatAgeSec > t.DelayedAfter {
		score -= delayedPenalty
		reasons = append(reasons, ReasonDelayed)
	}
	if heartbeatAgeSec != nil && *heartbeatAgeSec > t.SuspectAfter {
		score -= suspectPenalty
		reasons = append(reasons, ReasonPossiblyOffline)
	}
	if missedHeartbeats > 0 {
		// capped so a huge miss count cannot overflow
		penalty := maxScore
		if missedHeartbeats < maxScore/missedBeatPenalty {
			penalty = missedHeartbeats * missedBeatPenalty
		}
		score -= penalty
		reasons = append(reasons, fmt.Sprintf("%d missed heartbeats", missedHeartbeats))
	}
	if score < 0 {
		score = 0
	}

	status := models.AgentHealthy
	if score < degradedBelow {
		status = models.AgentDegraded
	}
	if score < unhealthyBelow {
		status = models.AgentUnhealthy
	}
	if heartbeatAgeSec != nil && *heartbeatAgeSec > t.OfflineAfter {
		status = models.AgentOffline
	}

	return Result{Score: score, Status: status, Reasons: reasons}
}

// HeartbeatAge returns whole seconds since last, or nil when the agent has
// never reported. Clock skew never yields a negative age.
func HeartbeatAge(last *time.Time, now time.Time) *int64 {
	if last == nil || last.IsZero() {
		return nil
	}
	age := int64(now.Sub(*last) / time.Second)
	if age < 0 {
		age = 0
	}
	return &age
}

// MissedHeartbeats is floor(age / expected) once age exceeds expected,
// otherwise zero.
func MissedHeartbeats(heartbeatAgeSec *int64, expected time.Duration) int {
	exp := int64(expected / time.Second)
	if heartbeatAgeSec == nil || exp <= 0 || *heartbeatAgeSec <= exp {
		return 0
	}
	return int(*heartbeatAgeSec / exp)
}
