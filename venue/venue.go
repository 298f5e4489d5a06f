package venue

import (
	"context"
	"fmt"
	"time"
)

// Side is the direction of a derivatives position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Position statuses as normalized from the venue. Anything the venue
// reports that is not an open position maps to StatusClosed.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Position is a normalized open position as reported by the venue.
// Values are in the account's quote currency (USDT for linear perps).
type Position struct {
	Symbol        string
	Side          Side
	Size          float64 // contracts, in base currency
	Leverage      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
	PositionValue float64 // notional at mark price
	MarginUsed    float64 // capital consumed: notional / leverage
	Status        string
	LastSeen      time.Time
}

// Real reports whether the record corresponds to actual exchange
// exposure. Zero-size, closed, or valueless records are bookkeeping
// ghosts and must never reach a capacity check.
func (p Position) Real() bool {
	return p.Size > 0 && p.Status == StatusOpen && (p.PositionValue > 0 || p.MarginUsed > 0)
}

// Balance is the venue's wallet view for the account.
type Balance struct {
	Equity        float64
	WalletBalance float64
	UnrealizedPnl float64
}

// Snapshot is one authoritative read of remote account state.
type Snapshot struct {
	Positions []Position
	Balance   Balance
	FetchedAt time.Time
}

// Venue is the external exchange capability the engine consumes.
// Both calls must be bounded by the client's own timeout; a slow venue
// surfaces as a *FetchError, never as a hang.
type Venue interface {
	GetPositions(ctx context.Context) ([]Position, error)
	GetWalletBalance(ctx context.Context) (Balance, error)
}

// FetchErrorKind classifies remote failures so callers can count and
// skip without inspecting error text.
type FetchErrorKind string

const (
	Timeout     FetchErrorKind = "timeout"
	RemoteError FetchErrorKind = "remote_error"
	Unreachable FetchErrorKind = "unreachable"
)

// FetchError is the normal, expected failure mode of a venue call.
// Callers skip the tick and retain previous state; they do not unwind.
type FetchError struct {
	Kind   FetchErrorKind
	Detail string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("venue fetch %s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("venue fetch %s: %s", e.Kind, e.Detail)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError builds a classified fetch failure.
func NewFetchError(kind FetchErrorKind, detail string, err error) *FetchError {
	return &FetchError{Kind: kind, Detail: detail, Err: err}
}
