package ledger

import (
	"fmt"

	"github.com/rustyeddy/guardian/venue"
)

// Ledger holds the immutable capital limits the engine defends. It is
// configuration, not state: nothing in here changes after startup.
type Ledger struct {
	Ceiling            float64 // total capital allowed at risk, e.g. 12.00 USDT
	PerPositionCeiling float64 // max margin a single position may consume
	MaxConcurrent      int     // max simultaneously tracked positions
	SafetyBuffer       float64 // capital held back from allocation
	MaxLeverage        float64 // per-position leverage ceiling
}

// Validate rejects ceiling relationships that cannot be defended at
// runtime. A bad ledger is a startup error, never a runtime condition.
func (l Ledger) Validate() error {
	if l.Ceiling <= 0 {
		return fmt.Errorf("ledger: ceiling must be positive, got %.4f", l.Ceiling)
	}
	if l.PerPositionCeiling <= 0 {
		return fmt.Errorf("ledger: per-position ceiling must be positive, got %.4f", l.PerPositionCeiling)
	}
	if l.MaxConcurrent <= 0 {
		return fmt.Errorf("ledger: max concurrent positions must be positive, got %d", l.MaxConcurrent)
	}
	if l.SafetyBuffer < 0 {
		return fmt.Errorf("ledger: safety buffer cannot be negative, got %.4f", l.SafetyBuffer)
	}
	if l.MaxLeverage <= 0 {
		return fmt.Errorf("ledger: max leverage must be positive, got %.2f", l.MaxLeverage)
	}

	committed := l.PerPositionCeiling*float64(l.MaxConcurrent) + l.SafetyBuffer
	if committed > l.Ceiling {
		return fmt.Errorf("ledger: per_position %.4f x %d + buffer %.4f = %.4f exceeds ceiling %.4f",
			l.PerPositionCeiling, l.MaxConcurrent, l.SafetyBuffer, committed, l.Ceiling)
	}

	return nil
}

// Utilization is the capital picture derived from a set of positions.
type Utilization struct {
	MarginUsed       float64
	UtilizationPct   float64
	RemainingCapital float64
}

// Compute derives capital utilization from tracked positions. Pure: it
// never rejects an over-ceiling result, that is the evaluator's call.
func (l Ledger) Compute(positions map[string]venue.Position) Utilization {
	var used float64
	for _, p := range positions {
		used += p.MarginUsed
	}

	u := Utilization{
		MarginUsed:       used,
		RemainingCapital: l.Ceiling - used,
	}
	if l.Ceiling > 0 {
		u.UtilizationPct = used / l.Ceiling * 100
	}
	return u
}

// Default returns the ledger the engine ships with. All values are
// overridable in configuration.
func Default() Ledger {
	return Ledger{
		Ceiling:            12.0,
		PerPositionCeiling: 5.0,
		MaxConcurrent:      2,
		SafetyBuffer:       2.0,
		MaxLeverage:        100.0,
	}
}
