package trigger

import "tradecopilot/internal/model"

// VWAPReclaim fires long when price crosses back above the session VWAP and
// holds there: two consecutive closes above VWAP, the reclaim bar's low clear
// of it after the prior bar's low was under it, on expanding volume.
type VWAPReclaim struct{}

func (VWAPReclaim) ID() string { return "vwap_reclaim" }

func (VWAPReclaim) Evaluate(w *window) (Candidate, bool) {
	if !w.need(3) {
		return Candidate{}, false
	}
	cur, prev, prev2 := w.back(0), w.back(1), w.back(2)
	if !cur.vwapOK || !prev.vwapOK {
		return Candidate{}, false
	}

	if cur.bar.Close <= cur.vwap || prev.bar.Close <= prev.vwap {
		return Candidate{}, false
	}
	if prev.bar.Low >= prev.vwap || cur.bar.Low <= cur.vwap {
		return Candidate{}, false
	}

	avgPrev := (prev.bar.Volume + prev2.bar.Volume) / 2
	if avgPrev <= 0 || cur.bar.Volume <= 1.2*avgPrev {
		return Candidate{}, false
	}
	ratio := cur.bar.Volume / avgPrev

	return Candidate{
		Direction:  model.DirLong,
		Confidence: clamp(0.5+(ratio-1.2)*0.25, 0.5, 0.9),
		EntryZone:  [2]float64{cur.vwap, cur.bar.Close},
		Stop:       cur.bar.Low * 0.999,
		Ctx: map[string]any{
			"vwap":     cur.vwap,
			"volRatio": ratio,
		},
	}, true
}

// VWAPReject is the short-side mirror: two closes below VWAP, the rejection
// bar's high capped under it after the prior bar's high poked above, on
// expanding volume.
type VWAPReject struct{}

func (VWAPReject) ID() string { return "vwap_reject" }

func (VWAPReject) Evaluate(w *window) (Candidate, bool) {
	if !w.need(3) {
		return Candidate{}, false
	}
	cur, prev, prev2 := w.back(0), w.back(1), w.back(2)
	if !cur.vwapOK || !prev.vwapOK {
		return Candidate{}, false
	}

	if cur.bar.Close >= cur.vwap || prev.bar.Close >= prev.vwap {
		return Candidate{}, false
	}
	if prev.bar.High <= prev.vwap || cur.bar.High >= cur.vwap {
		return Candidate{}, false
	}

	avgPrev := (prev.bar.Volume + prev2.bar.Volume) / 2
	if avgPrev <= 0 || cur.bar.Volume <= 1.2*avgPrev {
		return Candidate{}, false
	}
	ratio := cur.bar.Volume / avgPrev

	return Candidate{
		Direction:  model.DirShort,
		Confidence: clamp(0.5+(ratio-1.2)*0.25, 0.5, 0.9),
		EntryZone:  [2]float64{cur.bar.Close, cur.vwap},
		Stop:       cur.bar.High * 1.001,
		Ctx: map[string]any{
			"vwap":     cur.vwap,
			"volRatio": ratio,
		},
	}, true
}
