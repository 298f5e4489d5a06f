package alerts

import (
	"fmt"
	"time"

	"github.com/rustyeddy/guardian/ledger"
	"github.com/rustyeddy/guardian/risk"
	"github.com/rustyeddy/guardian/venue"
)

// Config tunes the state machine. All values have working defaults and
// are exposed in configuration, not baked into logic.
type Config struct {
	// SuppressionWindow is the hysteresis per alert type: an alert of
	// the same type is not re-emitted while the window is open, even
	// though the underlying condition keeps being re-checked.
	SuppressionWindow time.Duration

	// CircuitBreakerLosses opens the breaker after this many
	// consecutive losing trades.
	CircuitBreakerLosses int

	// CriticalSustainedTicks is how many consecutive Critical
	// evaluations open the breaker. One tick can be a transient
	// mark-price spike.
	CriticalSustainedTicks int

	// EmergencyOverrunFactor scales the ceiling for the severe-overrun
	// emergency trigger: margin used beyond ceiling*factor latches the
	// stop, not merely at-limit usage.
	EmergencyOverrunFactor float64
}

// DefaultConfig returns the machine defaults.
func DefaultConfig() Config {
	return Config{
		SuppressionWindow:      5 * time.Minute,
		CircuitBreakerLosses:   3,
		CriticalSustainedTicks: 2,
		EmergencyOverrunFactor: 1.1,
	}
}

// Result reports one assessment pass: what was emitted and what was
// suppressed by the per-type window. Suppressed entries are reported so
// every suppressed-vs-emitted decision is observable.
type Result struct {
	Emitted    []Alert
	Suppressed []Type
	State      risk.State
}

// Machine is the alert / circuit-breaker state machine. Transitions are
// level-triggered: every check is re-evaluated on every tick against
// current state, with the suppression window as the only edge behavior.
// The emergency stop is a latch: once set it survives every subsequent
// assessment until Reset is called by an operator.
//
// Machine is not safe for concurrent use; the scheduler serializes the
// risk tick, which is the only caller.
type Machine struct {
	cfg            Config
	led            ledger.Ledger
	th             risk.Thresholds
	lastEmitted    map[Type]time.Time
	criticalStreak int
}

// NewMachine builds a machine for the given ledger and thresholds.
func NewMachine(cfg Config, led ledger.Ledger, th risk.Thresholds) *Machine {
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = DefaultConfig().SuppressionWindow
	}
	if cfg.CircuitBreakerLosses <= 0 {
		cfg.CircuitBreakerLosses = DefaultConfig().CircuitBreakerLosses
	}
	if cfg.CriticalSustainedTicks <= 0 {
		cfg.CriticalSustainedTicks = DefaultConfig().CriticalSustainedTicks
	}
	if cfg.EmergencyOverrunFactor <= 1 {
		cfg.EmergencyOverrunFactor = DefaultConfig().EmergencyOverrunFactor
	}
	return &Machine{
		cfg:         cfg,
		led:         led,
		th:          th,
		lastEmitted: make(map[Type]time.Time),
	}
}

// Assess runs every check against the freshly evaluated state and
// returns the updated state with breaker/stop flags applied. Invariant
// violations are the expected inputs here; they are handled by
// transition, never by unwinding.
func (m *Machine) Assess(state risk.State, tracked map[string]venue.Position, now time.Time) Result {
	res := Result{State: state}

	// Individual checks -> Alerting.
	if state.TotalMarginUsed > m.led.Ceiling {
		m.raise(&res, CapitalLimitExceeded, risk.High, now,
			fmt.Sprintf("margin used %.4f exceeds capital ceiling %.4f", state.TotalMarginUsed, m.led.Ceiling))
	}
	if m.th.SoftDrawdownPct > 0 && state.CurrentDrawdownPct >= m.th.SoftDrawdownPct {
		m.raise(&res, DrawdownLimitExceeded, risk.High, now,
			fmt.Sprintf("drawdown %.2f%% at or above limit %.2f%%", state.CurrentDrawdownPct, m.th.SoftDrawdownPct))
	}
	if len(tracked) > m.led.MaxConcurrent {
		m.raise(&res, TooManyPositions, risk.Medium, now,
			fmt.Sprintf("%d tracked positions exceed limit %d", len(tracked), m.led.MaxConcurrent))
	}
	for sym, p := range tracked {
		if p.MarginUsed > m.led.PerPositionCeiling {
			m.raise(&res, PositionOversized, risk.Medium, now,
				fmt.Sprintf("%s margin %.4f exceeds per-position ceiling %.4f", sym, p.MarginUsed, m.led.PerPositionCeiling))
		}
		if p.Leverage > m.led.MaxLeverage {
			m.raise(&res, LeverageViolation, risk.Medium, now,
				fmt.Sprintf("%s leverage %.0fx exceeds limit %.0fx", sym, p.Leverage, m.led.MaxLeverage))
		}
	}

	// Escalation -> CircuitBreakerActive.
	if state.Level == risk.Critical {
		m.criticalStreak++
	} else {
		m.criticalStreak = 0
	}

	if state.ConsecutiveLosses >= m.cfg.CircuitBreakerLosses {
		if !res.State.CircuitBreakerActive {
			res.State.CircuitBreakerActive = true
		}
		m.raise(&res, ConsecutiveLosses, risk.High, now,
			fmt.Sprintf("%d consecutive losses tripped the circuit breaker (threshold %d)",
				state.ConsecutiveLosses, m.cfg.CircuitBreakerLosses))
	}
	if m.criticalStreak >= m.cfg.CriticalSustainedTicks {
		if !res.State.CircuitBreakerActive {
			res.State.CircuitBreakerActive = true
		}
		m.raise(&res, CriticalRiskLevel, risk.Critical, now,
			fmt.Sprintf("aggregate risk level critical for %d consecutive checks", m.criticalStreak))
	}

	// Escalation -> EmergencyStop. Terminal until operator reset, and
	// idempotent: re-entering while latched emits nothing.
	drawdownHit := m.th.EmergencyDrawdownPct > 0 && state.CurrentDrawdownPct >= m.th.EmergencyDrawdownPct
	overrunHit := state.TotalMarginUsed > m.led.Ceiling*m.cfg.EmergencyOverrunFactor
	if (drawdownHit || overrunHit) && !res.State.EmergencyStopActive {
		res.State.EmergencyStopActive = true
		reason := fmt.Sprintf("drawdown %.2f%% reached emergency threshold %.2f%%",
			state.CurrentDrawdownPct, m.th.EmergencyDrawdownPct)
		if overrunHit {
			reason = fmt.Sprintf("margin used %.4f is a severe overrun of ceiling %.4f (factor %.2f)",
				state.TotalMarginUsed, m.led.Ceiling, m.cfg.EmergencyOverrunFactor)
		}
		if drawdownHit {
			m.raise(&res, EmergencyDrawdownThreshold, risk.Critical, now, reason)
		}
		// The stop alert itself bypasses suppression: entering the
		// terminal state is always worth a record.
		res.State.LastEvaluatedAt = now
		res.Emitted = append(res.Emitted, New(EmergencyStop, risk.Critical,
			"EMERGENCY STOP: "+reason+"; position-closing action required", res.State, now))
		m.lastEmitted[EmergencyStop] = now
	}

	return res
}

// RaiseAPIErrorRate emits the API error-rate alert through the same
// suppression path as tick checks. Called by the health task.
func (m *Machine) RaiseAPIErrorRate(state risk.State, errorRatePct, limitPct float64, now time.Time) Result {
	res := Result{State: state}
	m.raise(&res, APIErrorRateHigh, risk.Medium, now,
		fmt.Sprintf("venue API error rate %.1f%% above limit %.1f%%", errorRatePct, limitPct))
	return res
}

// RaiseStopLoss reports a stop-loss exit fed in by the execution
// collaborator.
func (m *Machine) RaiseStopLoss(state risk.State, symbol string, profit float64, now time.Time) Result {
	res := Result{State: state}
	m.raise(&res, StopLossHit, risk.Medium, now,
		fmt.Sprintf("%s closed by stop loss, realized %.4f", symbol, profit))
	return res
}

// RaiseCheckFailure reports a risk tick that could not complete
// (fetch failure or malformed data). The tick was skipped and previous
// state retained, so severity stays low.
func (m *Machine) RaiseCheckFailure(state risk.State, err error, now time.Time) Result {
	res := Result{State: state}
	m.raise(&res, RiskCheckFailed, risk.Low, now, fmt.Sprintf("risk check skipped: %v", err))
	return res
}

// Reset clears the emergency-stop latch and circuit breaker. This is
// the only way out of EmergencyStop and is an explicit operator action,
// never something the engine does on its own (including at shutdown).
func (m *Machine) Reset(state risk.State) risk.State {
	state.EmergencyStopActive = false
	state.CircuitBreakerActive = false
	m.criticalStreak = 0
	return state
}

// raise emits an alert of type t unless one was emitted within the
// suppression window. Suppressed types are still reported in the
// result for observability.
func (m *Machine) raise(res *Result, t Type, severity risk.Level, now time.Time, message string) {
	if last, ok := m.lastEmitted[t]; ok && now.Sub(last) < m.cfg.SuppressionWindow {
		res.Suppressed = append(res.Suppressed, t)
		return
	}
	m.lastEmitted[t] = now
	res.Emitted = append(res.Emitted, New(t, severity, message, res.State, now))
}
