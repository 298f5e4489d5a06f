// Package perf keeps the engine's bounded audit history: trades, venue
// API calls, alerts and equity snapshots, each in a fixed-capacity ring
// with FIFO eviction. Statistics are computed on demand from whatever
// the rings hold, never maintained incrementally, so long uptimes do
// not compound floating-point drift.
package perf

import (
	"sync"
	"time"

	"github.com/rustyeddy/guardian/alerts"
)

// Ring capacities. Alerts and equity are operator-facing and small;
// trades and API calls back the rolling statistics.
const (
	TradeHistorySize  = 1000
	APIHistorySize    = 1000
	AlertHistorySize  = 100
	EquityHistorySize = 100
)

// TradeRecord is one closed trade reported to the engine.
type TradeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Profit    float64   `json:"profit"`
}

// APICallRecord is one venue call, success or failure.
type APICallRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
}

// EquitySnapshot is the account picture at one risk tick.
type EquitySnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	Equity        float64   `json:"equity"`
	WalletBalance float64   `json:"wallet_balance"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	MarginUsed    float64   `json:"margin_used"`
}

// Recorder owns the rings. Appends come from multiple scheduler tasks,
// so all access is mutex-guarded.
type Recorder struct {
	mu       sync.Mutex
	trades   []TradeRecord
	apiCalls []APICallRecord
	alerts   []alerts.Alert
	equity   []EquitySnapshot
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) RecordTrade(t TradeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = appendBounded(r.trades, t, TradeHistorySize)
}

func (r *Recorder) RecordAPICall(c APICallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiCalls = appendBounded(r.apiCalls, c, APIHistorySize)
}

func (r *Recorder) RecordAlert(a alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = appendBounded(r.alerts, a, AlertHistorySize)
}

func (r *Recorder) RecordEquity(s EquitySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.equity = appendBounded(r.equity, s, EquityHistorySize)
}

// appendBounded appends and evicts the oldest entry once the ring is
// full.
func appendBounded[T any](ring []T, v T, capacity int) []T {
	ring = append(ring, v)
	if len(ring) > capacity {
		ring = ring[1:]
	}
	return ring
}

// Summary is the on-demand aggregation over the rings. The drawdown
// and utilization fields are filled in by the engine from the current
// risk state; the recorder itself only knows history.
type Summary struct {
	TotalTrades     int     `json:"total_trades"`
	WinRatePct      float64 `json:"win_rate_pct"`
	ProfitPerTrade  float64 `json:"profit_per_trade"`
	TotalProfit     float64 `json:"total_profit"`
	APICalls        int     `json:"api_calls"`
	APISuccessPct   float64 `json:"api_success_pct"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	CurrentDrawdown float64 `json:"current_drawdown_pct"`
	Utilization     float64 `json:"capital_utilization_pct"`

	RecentTrades []TradeRecord  `json:"recent_trades"`
	RecentAlerts []alerts.Alert `json:"recent_alerts"`
}

// Report aggregates the rings. recentN bounds the trade/alert excerpts
// included in the summary.
func (r *Recorder) Report(recentN int) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		TotalTrades: len(r.trades),
		APICalls:    len(r.apiCalls),
	}

	wins := 0
	for _, t := range r.trades {
		s.TotalProfit += t.Profit
		if t.Profit > 0 {
			wins++
		}
	}
	if len(r.trades) > 0 {
		s.WinRatePct = float64(wins) / float64(len(r.trades)) * 100
		s.ProfitPerTrade = s.TotalProfit / float64(len(r.trades))
	}

	ok := 0
	var totalLatency time.Duration
	for _, c := range r.apiCalls {
		if c.Success {
			ok++
		}
		totalLatency += c.Duration
	}
	if len(r.apiCalls) > 0 {
		s.APISuccessPct = float64(ok) / float64(len(r.apiCalls)) * 100
		s.AvgLatencyMs = float64(totalLatency.Milliseconds()) / float64(len(r.apiCalls))
	}

	s.RecentTrades = tail(r.trades, recentN)
	s.RecentAlerts = tail(r.alerts, recentN)

	return s
}

// APIErrorRatePct returns the failure share of API calls made within
// the window ending now. Used by the health task.
func (r *Recorder) APIErrorRatePct(window time.Duration, now time.Time) (ratePct float64, calls int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-window)
	failed := 0
	for _, c := range r.apiCalls {
		if c.Timestamp.Before(cutoff) {
			continue
		}
		calls++
		if !c.Success {
			failed++
		}
	}
	if calls == 0 {
		return 0, 0
	}
	return float64(failed) / float64(calls) * 100, calls
}

// RecentAlerts returns up to n of the newest alerts, newest last.
func (r *Recorder) RecentAlerts(n int) []alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return tail(r.alerts, n)
}

// tail copies up to n trailing elements so callers never alias a ring.
func tail[T any](ring []T, n int) []T {
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]T, n)
	copy(out, ring[len(ring)-n:])
	return out
}
