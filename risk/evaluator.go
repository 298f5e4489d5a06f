// Package risk derives the engine's risk picture from reconciled
// positions and the capital ledger. Evaluate is pure: everything except
// the carried-forward counters is re-derived from inputs on every tick.
package risk

import (
	"time"

	"github.com/rustyeddy/guardian/ledger"
	"github.com/rustyeddy/guardian/venue"
)

// Level is a risk classification, ordered from Low to Critical.
type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Thresholds are the configurable drawdown limits the evaluator and
// alert machine act on. Percent of the capital ceiling.
type Thresholds struct {
	SoftDrawdownPct      float64 // raises DrawdownLimitExceeded
	EmergencyDrawdownPct float64 // triggers the emergency stop
}

// State is the engine-wide risk picture. A single instance is carried
// between ticks; only the evaluator and the alert machine write it, and
// only under the scheduler's serialized risk tick.
type State struct {
	TotalMarginUsed       float64
	CapitalUtilizationPct float64
	CurrentDrawdownPct    float64
	MaxDrawdownPct        float64 // monotonic, never decreases
	ConsecutiveLosses     int
	ConsecutiveWins       int
	Level                 Level
	PositionLevels        map[string]Level
	EmergencyStopActive   bool
	CircuitBreakerActive  bool
	LastEvaluatedAt       time.Time
}

// Evaluate produces a new State from the reconciled position set, the
// latest balance and the ledger. The carried state contributes only its
// historical fields: max drawdown, win/loss counters, and the
// emergency/circuit latches (which the alert machine alone may change).
func Evaluate(tracked map[string]venue.Position, bal venue.Balance, led ledger.Ledger, th Thresholds, carried State, now time.Time) State {
	util := led.Compute(tracked)

	drawdown := 0.0
	if bal.UnrealizedPnl < 0 && led.Ceiling > 0 {
		drawdown = -bal.UnrealizedPnl / led.Ceiling * 100
	}

	maxDrawdown := carried.MaxDrawdownPct
	if drawdown > maxDrawdown {
		maxDrawdown = drawdown
	}

	levels := make(map[string]Level, len(tracked))
	anyInvalid := false
	for sym, p := range tracked {
		levels[sym] = ClassifyPosition(p)
		if p.MarginUsed > led.PerPositionCeiling || p.Leverage > led.MaxLeverage {
			anyInvalid = true
		}
	}

	atCapacity := len(tracked) >= led.MaxConcurrent

	return State{
		TotalMarginUsed:       util.MarginUsed,
		CapitalUtilizationPct: util.UtilizationPct,
		CurrentDrawdownPct:    drawdown,
		MaxDrawdownPct:        maxDrawdown,
		ConsecutiveLosses:     carried.ConsecutiveLosses,
		ConsecutiveWins:       carried.ConsecutiveWins,
		Level:                 aggregateLevel(util.UtilizationPct, drawdown, th.SoftDrawdownPct, anyInvalid, atCapacity),
		PositionLevels:        levels,
		EmergencyStopActive:   carried.EmergencyStopActive,
		CircuitBreakerActive:  carried.CircuitBreakerActive,
		LastEvaluatedAt:       now,
	}
}

// ClassifyPosition scores a single position with the fixed weighted
// table: loss as a share of margin (up to 40 points), leverage (up to
// 30) and oversized margin (up to 20).
func ClassifyPosition(p venue.Position) Level {
	score := 0.0

	if p.UnrealizedPnl < 0 && p.MarginUsed > 0 {
		lossPct := -p.UnrealizedPnl / p.MarginUsed * 100
		switch {
		case lossPct > 20:
			score += 40
		case lossPct > 15:
			score += 25
		case lossPct > 10:
			score += 15
		}
	}

	switch {
	case p.Leverage > 80:
		score += 30
	case p.Leverage > 60:
		score += 20
	case p.Leverage > 40:
		score += 10
	}

	switch {
	case p.MarginUsed > 4:
		score += 20
	case p.MarginUsed > 3:
		score += 10
	}

	switch {
	case score >= 60:
		return Critical
	case score >= 40:
		return High
	case score >= 20:
		return Medium
	default:
		return Low
	}
}

// aggregateLevel scores the account-wide picture: utilization, drawdown
// relative to the soft limit, and position validity/capacity flags.
func aggregateLevel(utilizationPct, drawdownPct, softLimitPct float64, anyInvalid, atCapacity bool) Level {
	score := 0.0

	switch {
	case utilizationPct > 80:
		score += 30
	case utilizationPct > 60:
		score += 20
	case utilizationPct > 40:
		score += 10
	}

	if softLimitPct > 0 {
		ratio := drawdownPct / softLimitPct
		switch {
		case ratio > 0.7:
			score += 40
		case ratio > 0.5:
			score += 25
		case ratio > 0.3:
			score += 15
		}
	}

	if anyInvalid {
		score += 20
	}
	if atCapacity {
		score += 10
	}

	switch {
	case score >= 70:
		return Critical
	case score >= 50:
		return High
	case score >= 30:
		return Medium
	default:
		return Low
	}
}
