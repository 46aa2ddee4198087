package trigger

import "tradecopilot/internal/model"

// windowCap bounds the sliding window; every rule reads at most 5 bars back.
const windowCap = 8

// winBar is one finalized bar annotated with the indicator values rules
// evaluate against. The engine computes these itself so the package stands
// alone regardless of what marks the pipeline attached upstream.
type winBar struct {
	bar model.Bar

	vwap   float64
	vwapOK bool

	ema9, ema20     float64
	ema9OK, ema20OK bool

	orbConstituent bool // one of the session's first two bars
}

// window is the per-symbol evaluation context: the bar window plus the
// session-scoped opening-range and volume bookkeeping.
type window struct {
	bars []winBar // ascending, newest last

	orbHigh, orbLow float64
	orbBars         int // session bars folded into the opening range

	sessionVolSum float64
	sessionBars   int // finalized session bars before the newest one
}

// push appends an annotated bar, evicting beyond windowCap.
func (w *window) push(b winBar) {
	if len(w.bars) == windowCap {
		copy(w.bars, w.bars[1:])
		w.bars[len(w.bars)-1] = b
		return
	}
	w.bars = append(w.bars, b)
}

// last returns the newest entry. Callers check size first via need.
func (w *window) last() winBar {
	return w.bars[len(w.bars)-1]
}

// need reports whether at least n bars are present.
func (w *window) need(n int) bool {
	return len(w.bars) >= n
}

// back returns the entry n bars behind the newest; back(0) == last().
func (w *window) back(n int) winBar {
	return w.bars[len(w.bars)-1-n]
}

// orbSet reports whether the opening range is defined for this session.
func (w *window) orbSet() bool {
	return w.orbBars >= 2
}

// sessionAvgVol is the mean volume of this session's finalized bars prior to
// the newest one. Zero until any have traded.
func (w *window) sessionAvgVol() float64 {
	if w.sessionBars == 0 {
		return 0
	}
	return w.sessionVolSum / float64(w.sessionBars)
}

// resetSession clears the session-scoped bookkeeping at an RTH open. The bar
// window itself survives so cross-session rules keep their context.
func (w *window) resetSession() {
	w.orbHigh, w.orbLow = 0, 0
	w.orbBars = 0
	w.sessionVolSum = 0
	w.sessionBars = 0
}
