package trigger

import (
	"testing"

	"tradecopilot/internal/model"
)

func wb(o, h, l, c, v float64) winBar {
	return winBar{
		bar: model.Bar{
			Symbol: "SPY", Timeframe: model.TF1m,
			Open: o, High: h, Low: l, Close: c, Volume: v,
		},
	}
}

func withVWAP(b winBar, vwap float64) winBar {
	b.vwap, b.vwapOK = vwap, true
	return b
}

func withEMAs(b winBar, ema9, ema20 float64) winBar {
	b.ema9, b.ema9OK = ema9, true
	b.ema20, b.ema20OK = ema20, true
	return b
}

func windowOf(bars ...winBar) *window {
	w := &window{}
	for _, b := range bars {
		w.push(b)
	}
	return w
}

func TestVWAPReclaim_Evaluate(t *testing.T) {
	base := windowOf(
		withVWAP(wb(100, 100, 100, 100, 10), 100),        // prev2
		withVWAP(wb(100, 101, 99, 100.5, 10), 100),       // prev: dipped under, closed over
		withVWAP(wb(100.5, 101.2, 100.4, 101, 30), 100.2), // cur: held above on volume
	)

	cand, ok := VWAPReclaim{}.Evaluate(base)
	if !ok {
		t.Fatal("textbook reclaim did not pass")
	}
	if cand.Direction != model.DirLong {
		t.Fatalf("direction = %v, want long", cand.Direction)
	}
	if cand.EntryZone != [2]float64{100.2, 101} {
		t.Fatalf("entry zone = %v", cand.EntryZone)
	}
	if cand.Confidence != 0.9 { // ratio 3 clamps at the top
		t.Fatalf("confidence = %v, want 0.9", cand.Confidence)
	}

	// Current low back under VWAP: no reclaim.
	held := windowOf(base.bars[0], base.bars[1],
		withVWAP(wb(100.5, 101.2, 100.1, 101, 30), 100.2))
	if _, ok := (VWAPReclaim{}).Evaluate(held); ok {
		t.Fatal("fired with the low back under VWAP")
	}

	// Weak volume: no reclaim.
	weak := windowOf(base.bars[0], base.bars[1],
		withVWAP(wb(100.5, 101.2, 100.4, 101, 11), 100.2))
	if _, ok := (VWAPReclaim{}).Evaluate(weak); ok {
		t.Fatal("fired on weak volume")
	}

	// Two bars only: not enough context.
	if _, ok := (VWAPReclaim{}).Evaluate(windowOf(base.bars[1], base.bars[2])); ok {
		t.Fatal("fired with a two-bar window")
	}
}

func TestVWAPReject_Evaluate(t *testing.T) {
	w := windowOf(
		withVWAP(wb(100, 100, 100, 100, 10), 100),
		withVWAP(wb(100, 101, 99, 99.5, 10), 100),         // poked over, closed under
		withVWAP(wb(99.5, 99.6, 98.8, 99, 30), 99.8),      // capped under on volume
	)

	cand, ok := VWAPReject{}.Evaluate(w)
	if !ok {
		t.Fatal("textbook reject did not pass")
	}
	if cand.Direction != model.DirShort {
		t.Fatalf("direction = %v, want short", cand.Direction)
	}
	if cand.EntryZone != [2]float64{99, 99.8} {
		t.Fatalf("entry zone = %v", cand.EntryZone)
	}
	if cand.Stop != 99.6*1.001 {
		t.Fatalf("stop = %v", cand.Stop)
	}

	// Close back above VWAP: no reject.
	flip := windowOf(w.bars[0], w.bars[1],
		withVWAP(wb(99.5, 100.1, 98.8, 100, 30), 99.8))
	if _, ok := (VWAPReject{}).Evaluate(flip); ok {
		t.Fatal("fired with close above VWAP")
	}
}

func TestORBBreakout_Evaluate(t *testing.T) {
	w := windowOf(wb(100, 100.5, 99.5, 100, 10))
	w.orbHigh, w.orbLow = 100.5, 99.5
	w.orbBars = 2
	w.sessionVolSum, w.sessionBars = 30, 3

	// Clean breakout: close above range, low held, 2.5x volume.
	w.push(wb(100.4, 101.2, 100.6, 101, 25))
	cand, ok := ORBBreakout{}.Evaluate(w)
	if !ok {
		t.Fatal("breakout did not pass")
	}
	if cand.Stop != 99.5 {
		t.Fatalf("stop = %v, want orb low", cand.Stop)
	}
	if cand.EntryZone != [2]float64{100.5, 101} {
		t.Fatalf("entry zone = %v", cand.EntryZone)
	}

	// Low re-entered the range: rejected.
	w.push(wb(100.4, 101.2, 100.2, 101, 25))
	if _, ok := (ORBBreakout{}).Evaluate(w); ok {
		t.Fatal("fired after dipping back inside the range")
	}

	// Ordinary volume: rejected.
	w.push(wb(100.4, 101.2, 100.6, 101, 15))
	if _, ok := (ORBBreakout{}).Evaluate(w); ok {
		t.Fatal("fired on ordinary volume")
	}

	// Range not yet defined: rejected.
	fresh := windowOf(wb(100.4, 101.2, 100.6, 101, 25))
	fresh.sessionVolSum, fresh.sessionBars = 10, 1
	if _, ok := (ORBBreakout{}).Evaluate(fresh); ok {
		t.Fatal("fired before the opening range existed")
	}

	// An opening-range constituent itself: rejected.
	cons := windowOf(wb(100, 102, 99.5, 101.8, 50))
	cons.bars[0].orbConstituent = true
	cons.orbHigh, cons.orbLow = 100.5, 99.5
	cons.orbBars = 2
	cons.sessionVolSum, cons.sessionBars = 10, 1
	if _, ok := (ORBBreakout{}).Evaluate(cons); ok {
		t.Fatal("fired on an opening-range bar")
	}
}

func TestEMAPullback_Evaluate(t *testing.T) {
	up := func(o, h, l, c, v, e9 float64) winBar {
		return withEMAs(wb(o, h, l, c, v), e9, e9-1)
	}

	w := windowOf(
		up(100, 101, 99.8, 100.8, 100, 100),  // earlier volume
		up(100.8, 101.5, 100.5, 101.2, 100, 100.2),
		up(101.2, 101.4, 100.3, 100.9, 60, 100.3), // dip starts, volume fades
		up(100.9, 101.0, 100.35, 100.8, 50, 100.4), // low 100.35 within 0.3% of 100.4
	)
	// Newest bar: reclaims above EMA9.
	w.push(up(100.8, 101.3, 100.6, 101.2, 50, 100.5))

	cand, ok := EMAPullback{}.Evaluate(w)
	if !ok {
		t.Fatal("textbook pullback did not pass")
	}
	if cand.Direction != model.DirLong {
		t.Fatalf("direction = %v", cand.Direction)
	}
	// recent (50+50)/2 vs earlier (60+100)/2 → contraction 0.625
	if cand.Ctx["contraction"].(float64) != 0.625 {
		t.Fatalf("contraction = %v", cand.Ctx["contraction"])
	}

	// Trend broken on one bar: rejected.
	broken := windowOf(w.bars[0], w.bars[1], w.bars[2], w.bars[3], w.bars[4])
	broken.bars[2].ema20 = broken.bars[2].ema9 + 1
	if _, ok := (EMAPullback{}).Evaluate(broken); ok {
		t.Fatal("fired with EMA9 under EMA20 mid-window")
	}

	// No touch near EMA9 in the last two bars: rejected.
	noTouch := windowOf(w.bars[0], w.bars[1], w.bars[2],
		up(100.9, 101.0, 100.9, 100.95, 50, 100.4),
		up(100.95, 101.3, 101.0, 101.2, 50, 100.5),
	)
	if _, ok := (EMAPullback{}).Evaluate(noTouch); ok {
		t.Fatal("fired without an EMA9 touch")
	}

	// Volume expanding instead of contracting: rejected.
	loud := windowOf(w.bars[0], w.bars[1], w.bars[2], w.bars[3],
		up(100.8, 101.3, 100.6, 101.2, 200, 100.5))
	if _, ok := (EMAPullback{}).Evaluate(loud); ok {
		t.Fatal("fired on expanding volume")
	}
}
