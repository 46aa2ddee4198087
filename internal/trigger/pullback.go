package trigger

import "tradecopilot/internal/model"

// EMAPullback fires long on a shallow, low-volume dip to the 9 EMA inside an
// established uptrend: EMA9 above EMA20 across the last five bars, a low
// within 0.3% of EMA9 in the last two, the newest close back above EMA9, and
// volume drying up against the two bars before the dip.
type EMAPullback struct{}

func (EMAPullback) ID() string { return "ema_pullback" }

func (EMAPullback) Evaluate(w *window) (Candidate, bool) {
	if !w.need(5) {
		return Candidate{}, false
	}

	for i := 0; i < 5; i++ {
		wb := w.back(i)
		if !wb.ema9OK || !wb.ema20OK || wb.ema9 <= wb.ema20 {
			return Candidate{}, false
		}
	}

	touched := false
	for i := 0; i < 2; i++ {
		wb := w.back(i)
		if dist := wb.bar.Low - wb.ema9; dist < 0 {
			dist = -dist
			if dist <= wb.ema9*0.003 {
				touched = true
			}
		} else if dist <= wb.ema9*0.003 {
			touched = true
		}
	}
	if !touched {
		return Candidate{}, false
	}

	cur := w.back(0)
	if cur.bar.Close <= cur.ema9 {
		return Candidate{}, false
	}

	recent := (w.back(0).bar.Volume + w.back(1).bar.Volume) / 2
	earlier := (w.back(2).bar.Volume + w.back(3).bar.Volume) / 2
	if earlier <= 0 || recent >= 0.8*earlier {
		return Candidate{}, false
	}
	contraction := recent / earlier

	stop := w.back(0).bar.Low
	if l := w.back(1).bar.Low; l < stop {
		stop = l
	}

	return Candidate{
		Direction:  model.DirLong,
		Confidence: clamp(0.5+(0.8-contraction)*0.5, 0.5, 0.85),
		EntryZone:  [2]float64{cur.ema9, cur.bar.Close},
		Stop:       stop * 0.999,
		Ctx: map[string]any{
			"ema9":        cur.ema9,
			"ema20":       cur.ema20,
			"contraction": contraction,
		},
	}, true
}
