// Package indicator provides incremental technical indicators over finalized
// bars.
//
// Every indicator is O(1) per update and carries two initialization paths:
// a fresh start that warms up bar by bar, and SeedHistory, which rebuilds
// state from a historical slice. SeedHistory is required to land on the same
// state as replaying Next over the identical bars; the divergence budget is
// 1e-8 and is property-tested.
package indicator

import "tradecopilot/internal/model"

// Indicator is the common surface the spine iterates over.
type Indicator interface {
	// Name returns the indicator name (e.g. "EMA_9", "VWAP").
	Name() string

	// Update feeds a finalized bar and recalculates.
	Update(b model.Bar)

	// SeedHistory rebuilds state from an ascending slice of finalized
	// bars, equivalent to updating over each in turn.
	SeedHistory(bars []model.Bar)

	// Value returns the current value. Meaningless until Ready.
	Value() float64

	// Ready reports whether warmup has completed.
	Ready() bool

	// Reset clears all state for reuse.
	Reset()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
