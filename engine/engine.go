// Package engine drives the capital-guard loop: poll the venue,
// reconcile tracked positions, evaluate risk, run the alert machine,
// and record audit history. One Engine instance owns one account; there
// are no package-level singletons, so instances can coexist in tests or
// for multiple accounts.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rustyeddy/guardian/alerts"
	"github.com/rustyeddy/guardian/ledger"
	"github.com/rustyeddy/guardian/metrics"
	"github.com/rustyeddy/guardian/perf"
	"github.com/rustyeddy/guardian/reconcile"
	"github.com/rustyeddy/guardian/risk"
	"github.com/rustyeddy/guardian/stream"
	"github.com/rustyeddy/guardian/venue"
)

// Intervals are the cadences of the scheduler's periodic tasks.
type Intervals struct {
	RiskCheck     time.Duration // full fetch-reconcile-evaluate pass
	Validation    time.Duration // read-only position limit audit
	HealthCheck   time.Duration // API error-rate check
	EmergencyPoll time.Duration // checks the latch flag only; no I/O
}

// DefaultIntervals returns the shipping cadences.
func DefaultIntervals() Intervals {
	return Intervals{
		RiskCheck:     5 * time.Second,
		Validation:    10 * time.Second,
		HealthCheck:   30 * time.Second,
		EmergencyPoll: 1 * time.Second,
	}
}

// Options configures an Engine. Venue and Ledger are required.
type Options struct {
	Venue      venue.Venue
	Ledger     ledger.Ledger
	Thresholds risk.Thresholds
	Alerts     alerts.Config
	Intervals  Intervals

	// HealthWindow and MaxAPIErrorRatePct drive the health task:
	// failure share of venue calls within the window above the limit
	// raises APIErrorRateHigh.
	HealthWindow       time.Duration
	MaxAPIErrorRatePct float64

	// OnEmergencyStop, if set, is invoked exactly once per latch by
	// the emergency poll. The external order-management collaborator
	// hangs position-closing action off this; the engine itself never
	// places or cancels orders.
	OnEmergencyStop func(risk.State)
}

// Engine is the risk and reconciliation engine. All mutable state
// (tracked positions, risk state, the alert machine) is guarded by mu;
// the scheduler additionally serializes each periodic task with an
// atomic in-progress guard so a slow tick is skipped, never queued.
type Engine struct {
	opts     Options
	machine  *alerts.Machine
	recorder *perf.Recorder
	hub      *stream.Hub

	mu      sync.Mutex
	tracked map[string]venue.Position
	state   risk.State

	riskBusy       atomic.Bool
	validationBusy atomic.Bool
	healthBusy     atomic.Bool

	emergencySignaled atomic.Bool

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the configuration and builds an engine. An invalid
// ledger is a startup error; the engine refuses to exist rather than
// run against limits it cannot defend.
func New(opts Options) (*Engine, error) {
	if opts.Venue == nil {
		return nil, fmt.Errorf("engine: venue client is required")
	}
	if err := opts.Ledger.Validate(); err != nil {
		return nil, err
	}
	if opts.Intervals.RiskCheck <= 0 {
		opts.Intervals = DefaultIntervals()
	}
	if opts.HealthWindow <= 0 {
		opts.HealthWindow = 5 * time.Minute
	}
	if opts.MaxAPIErrorRatePct <= 0 {
		opts.MaxAPIErrorRatePct = 20
	}

	return &Engine{
		opts:     opts,
		machine:  alerts.NewMachine(opts.Alerts, opts.Ledger, opts.Thresholds),
		recorder: perf.NewRecorder(),
		hub:      stream.NewHub(),
		tracked:  make(map[string]venue.Position),
	}, nil
}

// Hub exposes the alert feed for subscribers (log sinks, notifiers,
// the WebSocket handler).
func (e *Engine) Hub() *stream.Hub { return e.hub }

// Recorder exposes the audit history, read-only by convention.
func (e *Engine) Recorder() *perf.Recorder { return e.recorder }

// Start launches the scheduler tasks. It returns immediately; the
// tasks run until Stop or ctx cancellation.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: already started")
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.runEvery(ctx, e.opts.Intervals.RiskCheck, &e.riskBusy, "risk", e.riskTick)
	e.runEvery(ctx, e.opts.Intervals.Validation, &e.validationBusy, "validation", e.validationTick)
	e.runEvery(ctx, e.opts.Intervals.HealthCheck, &e.healthBusy, "health", e.healthTick)
	e.runEvery(ctx, e.opts.Intervals.EmergencyPoll, nil, "emergency-poll", e.emergencyTick)

	log.Printf("engine: started (risk %s, validation %s, health %s, emergency poll %s)",
		e.opts.Intervals.RiskCheck, e.opts.Intervals.Validation,
		e.opts.Intervals.HealthCheck, e.opts.Intervals.EmergencyPoll)
	return nil
}

// Stop cancels all tasks and waits for in-flight ticks. Shutdown never
// touches the emergency-stop latch; a latched engine stays latched.
func (e *Engine) Stop() {
	if !e.started.Load() || e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.hub.Close()
	log.Printf("engine: stopped")
}

// runEvery starts one periodic task. When busy is non-nil the tick runs
// in its own goroutine behind the guard, so the loop keeps draining
// ticker fires while a slow tick is in flight: a fire that lands during
// an overrun is skipped, never queued behind it.
func (e *Engine) runEvery(ctx context.Context, every time.Duration, busy *atomic.Bool, name string, tick func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if busy == nil {
					tick(ctx)
					continue
				}
				if !busy.CompareAndSwap(false, true) {
					if name == "risk" {
						metrics.RiskTicks.WithLabelValues("skipped").Inc()
					}
					log.Printf("engine: %s tick still running, skipping", name)
					continue
				}
				e.wg.Add(1)
				go func() {
					defer e.wg.Done()
					defer busy.Store(false)
					tick(ctx)
				}()
			}
		}
	}()
}

// riskTick is the full pipeline: fetch, reconcile, evaluate, assess.
// It is the sole writer of tracked positions and risk state.
func (e *Engine) riskTick(ctx context.Context) {
	now := time.Now()

	snap, err := e.fetchSnapshot(ctx)
	if err != nil {
		// Transient or malformed remote data: skip the tick and keep
		// previous tracked state. Reconciling against nothing would
		// incorrectly purge everything.
		metrics.RiskTicks.WithLabelValues("fetch_failed").Inc()
		log.Printf("engine: risk tick skipped: %v", err)

		e.mu.Lock()
		res := e.machine.RaiseCheckFailure(e.state, err, now)
		e.mu.Unlock()
		e.dispatch(res)
		return
	}

	e.mu.Lock()

	// Reconcile before anything reads the tracked set; capacity and
	// utilization checks must never see stale entries.
	rec := reconcile.Reconcile(e.tracked, snap)
	e.tracked = rec.Tracked
	if rec.RemovedCount > 0 {
		metrics.PhantomsPurged.Add(float64(rec.RemovedCount))
		log.Printf("engine: reconciliation purged %d stale position(s), %d tracked",
			rec.RemovedCount, len(rec.Tracked))
	}

	e.state = risk.Evaluate(e.tracked, snap.Balance, e.opts.Ledger, e.opts.Thresholds, e.state, now)
	res := e.machine.Assess(e.state, e.tracked, now)
	e.state = res.State

	st := e.state
	trackedN := len(e.tracked)
	e.mu.Unlock()

	e.recorder.RecordEquity(perf.EquitySnapshot{
		Timestamp:     snap.FetchedAt,
		Equity:        snap.Balance.Equity,
		WalletBalance: snap.Balance.WalletBalance,
		UnrealizedPnl: snap.Balance.UnrealizedPnl,
		MarginUsed:    st.TotalMarginUsed,
	})

	metrics.RiskTicks.WithLabelValues("ok").Inc()
	metrics.TrackedPositions.Set(float64(trackedN))
	metrics.CapitalUtilization.Set(st.CapitalUtilizationPct)
	metrics.CurrentDrawdown.Set(st.CurrentDrawdownPct)
	metrics.MaxDrawdown.Set(st.MaxDrawdownPct)
	metrics.SetFlag(metrics.EmergencyStopActive, st.EmergencyStopActive)
	metrics.SetFlag(metrics.CircuitBreakerActive, st.CircuitBreakerActive)

	e.dispatch(res)
}

// validationTick audits tracked positions against the ledger limits
// between risk ticks. Read-only: violations are logged and counted;
// the risk tick's assessment is what raises alerts for them.
func (e *Engine) validationTick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for sym, p := range e.tracked {
		if !p.Real() {
			// Should be impossible past a reconciliation pass.
			log.Printf("engine: validation found phantom record %s (size %.6f, value %.6f)",
				sym, p.Size, p.PositionValue)
			continue
		}
		if p.MarginUsed > e.opts.Ledger.PerPositionCeiling {
			log.Printf("engine: validation: %s margin %.4f over per-position ceiling %.4f",
				sym, p.MarginUsed, e.opts.Ledger.PerPositionCeiling)
		}
		if p.Leverage > e.opts.Ledger.MaxLeverage {
			log.Printf("engine: validation: %s leverage %.0fx over limit %.0fx",
				sym, p.Leverage, e.opts.Ledger.MaxLeverage)
		}
	}
}

// healthTick checks the venue error rate over the recent window.
func (e *Engine) healthTick(ctx context.Context) {
	now := time.Now()
	rate, calls := e.recorder.APIErrorRatePct(e.opts.HealthWindow, now)
	if calls == 0 || rate <= e.opts.MaxAPIErrorRatePct {
		return
	}

	e.mu.Lock()
	res := e.machine.RaiseAPIErrorRate(e.state, rate, e.opts.MaxAPIErrorRatePct, now)
	e.mu.Unlock()
	e.dispatch(res)
}

// emergencyTick checks the already-computed latch; it performs no I/O
// and so can run on a tight cadence. The collaborator callback fires
// exactly once per latch.
func (e *Engine) emergencyTick(ctx context.Context) {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()

	if !st.EmergencyStopActive {
		return
	}
	if e.emergencySignaled.CompareAndSwap(false, true) {
		log.Printf("engine: EMERGENCY STOP ACTIVE: drawdown %.2f%%, margin used %.4f",
			st.CurrentDrawdownPct, st.TotalMarginUsed)
		if e.opts.OnEmergencyStop != nil {
			e.opts.OnEmergencyStop(st)
		}
	}
}

// fetchSnapshot pulls positions and balance, recording one API call
// record per venue call regardless of outcome. The first failure
// aborts the snapshot.
func (e *Engine) fetchSnapshot(ctx context.Context) (venue.Snapshot, error) {
	start := time.Now()
	positions, err := e.opts.Venue.GetPositions(ctx)
	e.recordCall("get_positions", start, err)
	if err != nil {
		return venue.Snapshot{}, err
	}

	start = time.Now()
	balance, err := e.opts.Venue.GetWalletBalance(ctx)
	e.recordCall("get_wallet_balance", start, err)
	if err != nil {
		return venue.Snapshot{}, err
	}

	return venue.Snapshot{
		Positions: positions,
		Balance:   balance,
		FetchedAt: time.Now(),
	}, nil
}

func (e *Engine) recordCall(operation string, start time.Time, err error) {
	elapsed := time.Since(start)
	success := err == nil

	e.recorder.RecordAPICall(perf.APICallRecord{
		Timestamp: start,
		Operation: operation,
		Duration:  elapsed,
		Success:   success,
	})
	metrics.APICallDuration.WithLabelValues(operation, fmt.Sprintf("%t", success)).
		Observe(elapsed.Seconds())
}

// dispatch records, publishes and logs an assessment result.
func (e *Engine) dispatch(res alerts.Result) {
	for _, t := range res.Suppressed {
		metrics.AlertsSuppressed.WithLabelValues(string(t)).Inc()
	}
	for _, a := range res.Emitted {
		e.recorder.RecordAlert(a)
		e.hub.Publish(a)
		metrics.AlertsEmitted.WithLabelValues(string(a.Type)).Inc()
		if a.Severity == risk.Critical {
			log.Printf("engine: CRITICAL alert %s: %s", a.Type, a.Message)
		} else {
			log.Printf("engine: alert %s (%s): %s", a.Type, a.Severity, a.Message)
		}
	}
}

// RecordTrade feeds a closed trade into the engine: the audit ring,
// the win/loss streaks, and the StopLossHit alert when the exit was a
// stop. Trades come from the external execution collaborator; the
// engine itself never trades.
func (e *Engine) RecordTrade(symbol string, profit float64, stopLoss bool) {
	now := time.Now()

	e.recorder.RecordTrade(perf.TradeRecord{
		Timestamp: now,
		Symbol:    symbol,
		Profit:    profit,
	})

	e.mu.Lock()
	switch {
	case profit < 0:
		e.state.ConsecutiveLosses++
		e.state.ConsecutiveWins = 0
	case profit > 0:
		e.state.ConsecutiveWins++
		e.state.ConsecutiveLosses = 0
	default:
		// Break-even is neither a win nor a loss; it ends both streaks,
		// matching the win rate, which only counts profitable exits.
		e.state.ConsecutiveWins = 0
		e.state.ConsecutiveLosses = 0
	}

	var res alerts.Result
	if stopLoss {
		res = e.machine.RaiseStopLoss(e.state, symbol, profit, now)
	}
	e.mu.Unlock()

	e.dispatch(res)
}

// Reset clears the emergency-stop latch and circuit breaker. This is
// the explicit operator action the latch waits for; nothing else in
// the engine clears it.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.state = e.machine.Reset(e.state)
	st := e.state
	e.mu.Unlock()

	e.emergencySignaled.Store(false)
	metrics.SetFlag(metrics.EmergencyStopActive, st.EmergencyStopActive)
	metrics.SetFlag(metrics.CircuitBreakerActive, st.CircuitBreakerActive)
	log.Printf("engine: operator reset: emergency stop and circuit breaker cleared")
}

// RiskReport is the read-only view exposed to operations tooling.
type RiskReport struct {
	State        risk.State       `json:"state"`
	Positions    []venue.Position `json:"positions"`
	RecentAlerts []alerts.Alert   `json:"recent_alerts"`
}

// Report returns the current risk picture: state, tracked positions
// (sorted by symbol) and recent alerts. No side effects.
func (e *Engine) Report() RiskReport {
	e.mu.Lock()
	st := e.state
	positions := make([]venue.Position, 0, len(e.tracked))
	for _, p := range e.tracked {
		positions = append(positions, p)
	}
	e.mu.Unlock()

	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	return RiskReport{
		State:        st,
		Positions:    positions,
		RecentAlerts: e.recorder.RecentAlerts(10),
	}
}

// PerformanceReport aggregates the audit rings and stamps in the
// current drawdown and utilization.
func (e *Engine) PerformanceReport() perf.Summary {
	s := e.recorder.Report(10)

	e.mu.Lock()
	s.CurrentDrawdown = e.state.CurrentDrawdownPct
	s.Utilization = e.state.CapitalUtilizationPct
	e.mu.Unlock()

	return s
}
