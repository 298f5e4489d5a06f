// Package metrics exposes the engine's Prometheus collectors. Metrics
// are registered at import via promauto and served by the run command's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RiskTicks counts risk-check ticks by outcome: "ok", "fetch_failed",
// or "skipped" (previous tick still running).
var RiskTicks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "engine",
		Name:      "risk_ticks_total",
		Help:      "Risk check ticks by outcome",
	},
	[]string{"outcome"},
)

// APICallDuration tracks venue call latency per operation.
var APICallDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "guardian",
		Subsystem: "venue",
		Name:      "api_call_duration_seconds",
		Help:      "Venue API call latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"operation", "success"},
)

// CapitalUtilization is margin used as a percentage of the ceiling.
var CapitalUtilization = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "guardian",
	Subsystem: "risk",
	Name:      "capital_utilization_pct",
	Help:      "Margin used as percent of the capital ceiling",
})

// CurrentDrawdown is unrealized loss as a percentage of the ceiling.
var CurrentDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "guardian",
	Subsystem: "risk",
	Name:      "drawdown_pct",
	Help:      "Current drawdown as percent of the capital ceiling",
})

// MaxDrawdown is the highest drawdown ever observed by this instance.
var MaxDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "guardian",
	Subsystem: "risk",
	Name:      "max_drawdown_pct",
	Help:      "Maximum drawdown reached since start",
})

// TrackedPositions is the size of the reconciled position set.
var TrackedPositions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "guardian",
	Subsystem: "risk",
	Name:      "tracked_positions",
	Help:      "Positions tracked after reconciliation",
})

// PhantomsPurged counts stale entries dropped by reconciliation.
var PhantomsPurged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "guardian",
	Subsystem: "risk",
	Name:      "phantom_positions_purged_total",
	Help:      "Stale position records removed by reconciliation",
})

// AlertsEmitted counts alerts actually emitted, by type.
var AlertsEmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "alerts",
		Name:      "emitted_total",
		Help:      "Alerts emitted by type",
	},
	[]string{"type"},
)

// AlertsSuppressed counts alerts withheld by the suppression window.
var AlertsSuppressed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "alerts",
		Name:      "suppressed_total",
		Help:      "Alerts suppressed by the de-duplication window, by type",
	},
	[]string{"type"},
)

// EmergencyStopActive is 1 while the emergency-stop latch is set.
var EmergencyStopActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "guardian",
	Subsystem: "risk",
	Name:      "emergency_stop_active",
	Help:      "1 when the emergency stop latch is set",
})

// CircuitBreakerActive is 1 while the circuit breaker is open.
var CircuitBreakerActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "guardian",
	Subsystem: "risk",
	Name:      "circuit_breaker_active",
	Help:      "1 when the circuit breaker is open",
})

// SetFlag maps a boolean onto a 0/1 gauge.
func SetFlag(g prometheus.Gauge, on bool) {
	if on {
		g.Set(1)
		return
	}
	g.Set(0)
}
