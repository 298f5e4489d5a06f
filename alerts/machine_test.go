package alerts

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/guardian/ledger"
	"github.com/rustyeddy/guardian/risk"
	"github.com/rustyeddy/guardian/venue"
)

func newTestMachine() *Machine {
	return NewMachine(DefaultConfig(), ledger.Default(),
		risk.Thresholds{SoftDrawdownPct: 9.0, EmergencyDrawdownPct: 0.8})
}

func emittedTypes(res Result) []Type {
	types := make([]Type, 0, len(res.Emitted))
	for _, a := range res.Emitted {
		types = append(types, a.Type)
	}
	return types
}

func TestAssess_Quiet(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	res := m.Assess(risk.State{TotalMarginUsed: 5, CurrentDrawdownPct: 0.1}, nil, time.Now())
	assert.Empty(t, res.Emitted)
	assert.Empty(t, res.Suppressed)
	assert.False(t, res.State.EmergencyStopActive)
	assert.False(t, res.State.CircuitBreakerActive)
}

func TestAssess_CapitalLimit(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	res := m.Assess(risk.State{TotalMarginUsed: 12.5}, nil, time.Now())
	require.Len(t, res.Emitted, 1)
	assert.Equal(t, CapitalLimitExceeded, res.Emitted[0].Type)
	assert.Equal(t, risk.High, res.Emitted[0].Severity)
	assert.Contains(t, res.Emitted[0].Message, "12.5000")
}

func TestAssess_SuppressionWindow(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	now := time.Now()
	state := risk.State{TotalMarginUsed: 12.5}

	first := m.Assess(state, nil, now)
	require.Len(t, first.Emitted, 1)

	// Same condition two minutes later: suppressed but reported.
	second := m.Assess(state, nil, now.Add(2*time.Minute))
	assert.Empty(t, second.Emitted)
	require.Len(t, second.Suppressed, 1)
	assert.Equal(t, CapitalLimitExceeded, second.Suppressed[0])

	// After the window the condition re-emits.
	third := m.Assess(state, nil, now.Add(6*time.Minute))
	require.Len(t, third.Emitted, 1)
	assert.Equal(t, CapitalLimitExceeded, third.Emitted[0].Type)
}

func TestAssess_SuppressionIsPerType(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	now := time.Now()

	first := m.Assess(risk.State{TotalMarginUsed: 12.5}, nil, now)
	require.Len(t, first.Emitted, 1)

	// A different condition inside the window is not suppressed.
	tracked := map[string]venue.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Size: 1, Status: venue.StatusOpen, MarginUsed: 6, PositionValue: 60, Leverage: 10},
	}
	second := m.Assess(risk.State{TotalMarginUsed: 6}, tracked, now.Add(time.Minute))
	assert.Contains(t, emittedTypes(second), PositionOversized)
}

func TestAssess_PositionChecks(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	tracked := map[string]venue.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Size: 1, Status: venue.StatusOpen, MarginUsed: 3, PositionValue: 300, Leverage: 125},
		"ETHUSDT": {Symbol: "ETHUSDT", Size: 1, Status: venue.StatusOpen, MarginUsed: 3, PositionValue: 30, Leverage: 10},
		"XRPUSDT": {Symbol: "XRPUSDT", Size: 1, Status: venue.StatusOpen, MarginUsed: 3, PositionValue: 30, Leverage: 10},
	}

	res := m.Assess(risk.State{TotalMarginUsed: 9}, tracked, time.Now())
	types := emittedTypes(res)
	assert.Contains(t, types, TooManyPositions)
	assert.Contains(t, types, LeverageViolation)
	assert.NotContains(t, types, CapitalLimitExceeded)
}

func TestAssess_CircuitBreakerOnLosses(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	res := m.Assess(risk.State{ConsecutiveLosses: 3}, nil, time.Now())
	assert.True(t, res.State.CircuitBreakerActive)
	assert.Contains(t, emittedTypes(res), ConsecutiveLosses)
}

func TestAssess_CircuitBreakerOnSustainedCritical(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	now := time.Now()

	// One critical tick is a transient; no breaker.
	res := m.Assess(risk.State{Level: risk.Critical}, nil, now)
	assert.False(t, res.State.CircuitBreakerActive)

	// Second consecutive critical opens it.
	res = m.Assess(risk.State{Level: risk.Critical}, nil, now.Add(5*time.Second))
	assert.True(t, res.State.CircuitBreakerActive)
	assert.Contains(t, emittedTypes(res), CriticalRiskLevel)
}

func TestAssess_CriticalStreakResets(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	now := time.Now()

	m.Assess(risk.State{Level: risk.Critical}, nil, now)
	m.Assess(risk.State{Level: risk.High}, nil, now.Add(5*time.Second))
	res := m.Assess(risk.State{Level: risk.Critical}, nil, now.Add(10*time.Second))
	assert.False(t, res.State.CircuitBreakerActive)
}

func TestAssess_EmergencyStopAtExactThreshold(t *testing.T) {
	t.Parallel()

	m := newTestMachine()

	// -0.096 uPnL against a 12.0 ceiling is exactly 0.8%; the boundary
	// itself triggers.
	res := m.Assess(risk.State{CurrentDrawdownPct: 0.8}, nil, time.Now())
	assert.True(t, res.State.EmergencyStopActive)
	types := emittedTypes(res)
	assert.Contains(t, types, EmergencyDrawdownThreshold)
	assert.Contains(t, types, EmergencyStop)
}

func TestAssess_EmergencyStopOnSevereOverrun(t *testing.T) {
	t.Parallel()

	m := newTestMachine()

	// Beyond ceiling*1.1 latches the stop alongside the capital alert.
	res := m.Assess(risk.State{TotalMarginUsed: 13.5}, nil, time.Now())
	assert.True(t, res.State.EmergencyStopActive)
	types := emittedTypes(res)
	assert.Contains(t, types, CapitalLimitExceeded)
	assert.Contains(t, types, EmergencyStop)
	assert.NotContains(t, types, EmergencyDrawdownThreshold)
}

func TestAssess_AtLimitOverrunDoesNotLatch(t *testing.T) {
	t.Parallel()

	m := newTestMachine()

	// Over the ceiling but inside the overrun factor: alert, no stop.
	res := m.Assess(risk.State{TotalMarginUsed: 12.5}, nil, time.Now())
	assert.False(t, res.State.EmergencyStopActive)
	assert.Contains(t, emittedTypes(res), CapitalLimitExceeded)
}

func TestAssess_EmergencyStopLatchIdempotent(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	now := time.Now()

	first := m.Assess(risk.State{CurrentDrawdownPct: 1.0}, nil, now)
	require.True(t, first.State.EmergencyStopActive)

	// Condition persists while latched: no second stop alert, and the
	// latch is untouched.
	second := m.Assess(first.State, nil, now.Add(5*time.Second))
	assert.True(t, second.State.EmergencyStopActive)
	assert.NotContains(t, emittedTypes(second), EmergencyStop)
}

func TestAssess_LatchSurvivesRecovery(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	now := time.Now()

	first := m.Assess(risk.State{CurrentDrawdownPct: 1.0}, nil, now)
	require.True(t, first.State.EmergencyStopActive)

	// Drawdown fully recovers; the stop does not self-clear.
	recovered := first.State
	recovered.CurrentDrawdownPct = 0
	second := m.Assess(recovered, nil, now.Add(time.Minute))
	assert.True(t, second.State.EmergencyStopActive)
}

func TestReset(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	now := time.Now()

	res := m.Assess(risk.State{CurrentDrawdownPct: 1.0, ConsecutiveLosses: 3}, nil, now)
	require.True(t, res.State.EmergencyStopActive)
	require.True(t, res.State.CircuitBreakerActive)

	cleared := m.Reset(res.State)
	assert.False(t, cleared.EmergencyStopActive)
	assert.False(t, cleared.CircuitBreakerActive)

	// After reset the same condition latches again.
	again := m.Assess(risk.State{CurrentDrawdownPct: 1.0}, nil, now.Add(10*time.Minute))
	assert.True(t, again.State.EmergencyStopActive)
}

func TestRaiseHelpers(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	now := time.Now()

	res := m.RaiseAPIErrorRate(risk.State{}, 35.0, 20.0, now)
	require.Len(t, res.Emitted, 1)
	assert.Equal(t, APIErrorRateHigh, res.Emitted[0].Type)

	res = m.RaiseStopLoss(risk.State{}, "BTCUSDT", -0.25, now)
	require.Len(t, res.Emitted, 1)
	assert.Equal(t, StopLossHit, res.Emitted[0].Type)

	res = m.RaiseCheckFailure(risk.State{}, errors.New("venue timeout"), now)
	require.Len(t, res.Emitted, 1)
	assert.Equal(t, RiskCheckFailed, res.Emitted[0].Type)
	assert.Equal(t, risk.Low, res.Emitted[0].Severity)
}

func TestAlertFields(t *testing.T) {
	t.Parallel()

	m := newTestMachine()
	now := time.Now()

	res := m.Assess(risk.State{TotalMarginUsed: 12.5, CapitalUtilizationPct: 104}, nil, now)
	require.Len(t, res.Emitted, 1)

	a := res.Emitted[0]
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, now, a.Timestamp)
	assert.InDelta(t, 104.0, a.State.CapitalUtilizationPct, 1e-9)
}
