// Package reconcile merges fresh venue snapshots into the tracked
// position set. The tracked map is rebuilt from scratch every pass, so
// the purge of phantom records is a total function of
// (previous, fresh) -> new, not an in-place cleanup.
package reconcile

import (
	"github.com/rustyeddy/guardian/venue"
)

// Result is the outcome of one reconciliation pass.
type Result struct {
	Tracked      map[string]venue.Position
	RemovedCount int
}

// Reconcile accepts a position from the fresh snapshot iff it passes
// the real-position predicate (size > 0, status open, and nonzero value
// or margin). Anything previously tracked that is absent from the
// snapshot, or present but failing the predicate, is dropped silently:
// venues legitimately close positions between polls, so removal is not
// an error.
//
// Reconciliation must run before any capacity check. A stale entry that
// survives into a capacity check produces a false "position limit
// reached" condition, which is exactly the failure this package exists
// to prevent.
func Reconcile(previous map[string]venue.Position, snap venue.Snapshot) Result {
	tracked := make(map[string]venue.Position, len(snap.Positions))

	for _, p := range snap.Positions {
		if !p.Real() {
			continue
		}
		if p.LastSeen.IsZero() {
			p.LastSeen = snap.FetchedAt
		}
		tracked[p.Symbol] = p
	}

	removed := 0
	for sym := range previous {
		if _, ok := tracked[sym]; !ok {
			removed++
		}
	}

	return Result{Tracked: tracked, RemovedCount: removed}
}

// TotalMargin sums the margin consumed by tracked positions.
func TotalMargin(tracked map[string]venue.Position) float64 {
	var total float64
	for _, p := range tracked {
		total += p.MarginUsed
	}
	return total
}
