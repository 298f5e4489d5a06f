// Package alerts turns evaluator output into operator-visible alerts
// and drives the circuit-breaker / emergency-stop escalation.
package alerts

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rustyeddy/guardian/risk"
)

// Type identifies the condition an alert reports.
type Type string

const (
	CapitalLimitExceeded       Type = "capital_limit_exceeded"
	DrawdownLimitExceeded      Type = "drawdown_limit_exceeded"
	EmergencyDrawdownThreshold Type = "emergency_drawdown_threshold"
	TooManyPositions           Type = "too_many_positions"
	PositionOversized          Type = "position_oversized"
	LeverageViolation          Type = "leverage_violation"
	ConsecutiveLosses          Type = "consecutive_losses"
	APIErrorRateHigh           Type = "api_error_rate_high"
	StopLossHit                Type = "stop_loss_hit"
	RiskCheckFailed            Type = "risk_check_failed"
	EmergencyStop              Type = "emergency_stop"
	CriticalRiskLevel          Type = "critical_risk_level"
)

// Alert is an immutable record of one threshold breach or transition.
// The State field is a snapshot of the risk picture at emission time.
type Alert struct {
	ID        string     `json:"id"`
	Type      Type       `json:"type"`
	Severity  risk.Level `json:"severity"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
	State     risk.State `json:"state"`
}

// Alert IDs are ULIDs stamped with the emission time, so exported
// history sorts the same way the bounded ring does. The monotonic
// reader keeps IDs within one millisecond strictly increasing.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newID(now time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now.UTC()), idEntropy).String()
}

// New builds an alert with a time-sortable ID.
func New(t Type, severity risk.Level, message string, state risk.State, now time.Time) Alert {
	return Alert{
		ID:        newID(now),
		Type:      t,
		Severity:  severity,
		Message:   message,
		Timestamp: now,
		State:     state,
	}
}
