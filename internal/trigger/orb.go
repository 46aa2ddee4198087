package trigger

import "tradecopilot/internal/model"

// ORBBreakout fires long when a bar closes above the opening range on heavy
// volume without having dipped meaningfully back inside it. The range is the
// high/low of the session's first two finalized bars.
type ORBBreakout struct{}

func (ORBBreakout) ID() string { return "orb_breakout" }

func (ORBBreakout) Evaluate(w *window) (Candidate, bool) {
	if !w.need(1) || !w.orbSet() {
		return Candidate{}, false
	}
	cur := w.back(0)
	if cur.orbConstituent {
		return Candidate{}, false
	}

	if cur.bar.Close <= w.orbHigh {
		return Candidate{}, false
	}
	if cur.bar.Low <= w.orbHigh*0.999 {
		return Candidate{}, false
	}

	avg := w.sessionAvgVol()
	if avg <= 0 || cur.bar.Volume <= 2*avg {
		return Candidate{}, false
	}
	ratio := cur.bar.Volume / avg

	return Candidate{
		Direction:  model.DirLong,
		Confidence: clamp(0.55+(ratio-2)*0.1, 0.55, 0.95),
		EntryZone:  [2]float64{w.orbHigh, cur.bar.Close},
		Stop:       w.orbLow,
		Ctx: map[string]any{
			"orbHigh":  w.orbHigh,
			"orbLow":   w.orbLow,
			"volRatio": ratio,
		},
	}, true
}
