package trigger

import (
	"testing"
	"time"

	"tradecopilot/internal/model"
)

var rthOpen = time.Date(2025, time.June, 11, 13, 30, 0, 0, time.UTC).UnixMilli()

func barAt(i int, o, h, l, c, v float64) model.Bar {
	start := rthOpen + int64(i)*60_000
	return model.Bar{
		Symbol: "SPY", Timeframe: model.TF1m,
		Seq: model.SeqForStart(start), BarStart: start, BarEnd: start + 60_000,
		Open: o, High: h, Low: l, Close: c, Volume: v,
	}
}

func flatBar(i int, price, vol float64) model.Bar {
	return barAt(i, price, price, price, price, vol)
}

// stubRule passes or fails on demand.
type stubRule struct {
	id   string
	pass bool
}

func (s *stubRule) ID() string { return s.id }

func (s *stubRule) Evaluate(w *window) (Candidate, bool) {
	return Candidate{Direction: model.DirLong, Confidence: 0.7}, s.pass
}

func TestMachineConfirmationsAndCooldown(t *testing.T) {
	stub := &stubRule{id: "stub", pass: true}
	m := newMachine(stub, Params{RequiredConfirmations: 2, CooldownMs: 1_000})
	w := windowOf(wb(100, 100, 100, 100, 10))

	if _, ok := m.onBar(w, 1_000); ok {
		t.Fatal("fired on the first confirmation of two")
	}
	if m.state != StatePrimed {
		t.Fatalf("state = %v, want primed", m.state)
	}
	f, ok := m.onBar(w, 2_000)
	if !ok {
		t.Fatal("second consecutive confirmation did not fire")
	}
	if f.RuleID != "stub" || f.TS != 2_000 {
		t.Fatalf("fire = %+v", f)
	}
	if m.state != StateCooldown {
		t.Fatalf("state after fire = %v, want cooldown", m.state)
	}

	// Passing bars inside the cooldown are ignored outright.
	if _, ok := m.onBar(w, 2_500); ok {
		t.Fatal("fired during cooldown")
	}
	if m.state != StateCooldown {
		t.Fatalf("state = %v, want cooldown held", m.state)
	}

	// After the cooldown the full confirmation streak is required again.
	if _, ok := m.onBar(w, 3_100); ok {
		t.Fatal("fired without re-confirming after cooldown")
	}
	if _, ok := m.onBar(w, 3_200); !ok {
		t.Fatal("re-armed machine did not fire on the second pass")
	}
}

func TestMachineFailedEvaluationResetsStreak(t *testing.T) {
	stub := &stubRule{id: "stub", pass: true}
	m := newMachine(stub, Params{RequiredConfirmations: 2, CooldownMs: 1_000})
	w := windowOf(wb(100, 100, 100, 100, 10))

	m.onBar(w, 1_000) // primed, one confirmation

	stub.pass = false
	if _, ok := m.onBar(w, 2_000); ok {
		t.Fatal("fired on a failing bar")
	}
	if m.state != StateIdle {
		t.Fatalf("state = %v, want idle after a miss", m.state)
	}

	// The streak restarts from zero.
	stub.pass = true
	if _, ok := m.onBar(w, 3_000); ok {
		t.Fatal("fired with a broken streak")
	}
	if _, ok := m.onBar(w, 4_000); !ok {
		t.Fatal("rebuilt streak did not fire")
	}
}

func TestCalloutCache(t *testing.T) {
	c := newCalloutCache(60_000)
	now := int64(1_000_000)
	ts := int64(720_000_000)

	if c.seen("SPY", "vwap_reclaim", ts, now) {
		t.Fatal("first callout reported as seen")
	}
	if !c.seen("SPY", "vwap_reclaim", ts+10_000, now+5_000) {
		t.Fatal("same minute not deduplicated")
	}
	if c.seen("SPY", "vwap_reclaim", ts+60_000, now+5_000) {
		t.Fatal("next minute wrongly deduplicated")
	}
	if c.seen("QQQ", "vwap_reclaim", ts, now) {
		t.Fatal("other symbol wrongly deduplicated")
	}
	if c.seen("SPY", "orb_breakout", ts, now) {
		t.Fatal("other rule wrongly deduplicated")
	}

	// Entries expire after the TTL.
	if c.seen("SPY", "vwap_reclaim", ts, now+61_000) {
		t.Fatal("expired entry still deduplicating")
	}
}

func TestEngineVWAPReclaimEndToEnd(t *testing.T) {
	now := rthOpen + 8*60_000
	e := NewEngine([]Rule{VWAPReclaim{}}, WithClock(func() int64 { return now }))

	var hooked []Fire
	e.OnFire = func(f Fire) { hooked = append(hooked, f) }

	var fires []Fire
	for i := 0; i < 6; i++ {
		fires = append(fires, e.OnBar(flatBar(i, 100, 10))...)
	}
	fires = append(fires, e.OnBar(barAt(6, 100, 101, 99, 100.5, 10))...)
	fires = append(fires, e.OnBar(barAt(7, 100.5, 101.2, 100.4, 101, 30))...)

	if len(fires) != 1 {
		t.Fatalf("fires = %d, want exactly 1", len(fires))
	}
	f := fires[0]
	if f.RuleID != "vwap_reclaim" || f.Symbol != "SPY" {
		t.Fatalf("fire = %+v", f)
	}
	if f.Direction != model.DirLong {
		t.Fatalf("direction = %v", f.Direction)
	}
	if want := model.SeqForStart(rthOpen + 7*60_000); f.BarSeq != want {
		t.Fatalf("barSeq = %d, want %d", f.BarSeq, want)
	}
	if f.TS != now {
		t.Fatalf("ts = %d, want %d", f.TS, now)
	}
	if f.Confidence != 0.9 {
		t.Fatalf("confidence = %v", f.Confidence)
	}
	if len(hooked) != 1 || hooked[0].RuleID != f.RuleID {
		t.Fatalf("OnFire saw %d fires", len(hooked))
	}
	if fired, suppressed := e.Stats(); fired != 1 || suppressed != 0 {
		t.Fatalf("stats = (%d, %d)", fired, suppressed)
	}
}

func TestEngineORBBreakoutEndToEnd(t *testing.T) {
	e := NewEngine([]Rule{ORBBreakout{}},
		WithClock(func() int64 { return rthOpen + 4*60_000 }))

	var fires []Fire
	fires = append(fires, e.OnBar(barAt(0, 100, 100.5, 99.5, 100, 10))...)
	fires = append(fires, e.OnBar(barAt(1, 100, 100.2, 99.8, 100, 10))...)
	fires = append(fires, e.OnBar(barAt(2, 100, 100.2, 100.0, 100.1, 10))...)
	if len(fires) != 0 {
		t.Fatalf("fired before the breakout bar: %+v", fires)
	}

	fires = e.OnBar(barAt(3, 100.4, 101.1, 100.6, 101, 25))
	if len(fires) != 1 {
		t.Fatalf("fires = %d, want 1", len(fires))
	}
	f := fires[0]
	if f.RuleID != "orb_breakout" || f.Stop != 99.5 {
		t.Fatalf("fire = %+v", f)
	}
	if f.EntryZone != [2]float64{100.5, 101} {
		t.Fatalf("entry zone = %v", f.EntryZone)
	}
}

func TestEngineSeedWarmsWithoutFiring(t *testing.T) {
	stub := &stubRule{id: "stub", pass: true}
	e := NewEngine([]Rule{stub}, WithClock(func() int64 { return rthOpen + 60*60_000 }))

	var bars []model.Bar
	for i := 0; i < 30; i++ {
		bars = append(bars, flatBar(i, 100, 10))
	}
	bars = append(bars, model.Bar{Symbol: "QQQ", BarStart: rthOpen, Seq: 1})
	e.Seed("SPY", bars)

	if fired, _ := e.Stats(); fired != 0 {
		t.Fatalf("seeding fired %d times", fired)
	}
	st := e.states["SPY"]
	if st == nil {
		t.Fatal("seed did not create symbol state")
	}
	if got := len(st.win.bars); got != windowCap {
		t.Fatalf("window len = %d, want full at %d", got, windowCap)
	}
	if !st.ema20.Ready() {
		t.Fatal("EMA20 not warm after 30 seeded bars")
	}
	if _, ok := e.states["QQQ"]; ok {
		t.Fatal("seed leaked another symbol's bar into state")
	}

	// The very next live bar can fire.
	if fires := e.OnBar(flatBar(30, 100, 10)); len(fires) != 1 {
		t.Fatalf("post-seed bar fires = %d, want 1", len(fires))
	}
}

func TestEngineCalloutSuppression(t *testing.T) {
	stub := &stubRule{id: "stub", pass: true}
	now := rthOpen + 60_000
	// Zero cooldown re-arms the machine immediately; the cache is what
	// keeps the duplicate quiet.
	e := NewEngine([]Rule{stub},
		WithParams(map[string]Params{"stub": {RequiredConfirmations: 1, CooldownMs: 0}}),
		WithClock(func() int64 { return now }))

	if fires := e.OnBar(flatBar(0, 100, 10)); len(fires) != 1 {
		t.Fatalf("first bar fires = %d", len(fires))
	}
	if fires := e.OnBar(flatBar(1, 100, 10)); len(fires) != 0 {
		t.Fatalf("duplicate callout not suppressed: %+v", fires)
	}
	if fired, suppressed := e.Stats(); fired != 1 || suppressed != 1 {
		t.Fatalf("stats = (%d, %d), want (1, 1)", fired, suppressed)
	}
}

func TestEngineSessionRollover(t *testing.T) {
	e := NewEngine([]Rule{ORBBreakout{}},
		WithClock(func() int64 { return rthOpen }))

	e.OnBar(barAt(0, 100, 100.5, 99.5, 100, 10))
	e.OnBar(barAt(1, 100, 100.2, 99.8, 100, 10))
	e.OnBar(barAt(2, 100, 100.2, 100.0, 100.1, 10))

	st := e.states["SPY"]
	if st.win.orbBars != 2 || st.win.sessionBars != 3 {
		t.Fatalf("session bookkeeping = (%d, %d)", st.win.orbBars, st.win.sessionBars)
	}
	if st.win.orbHigh != 100.5 || st.win.orbLow != 99.5 {
		t.Fatalf("orb = (%v, %v)", st.win.orbHigh, st.win.orbLow)
	}

	// Next day's open restarts the opening range and session VWAP.
	nextOpen := rthOpen + 24*60*60_000
	e.OnBar(model.Bar{
		Symbol: "SPY", Timeframe: model.TF1m,
		Seq: model.SeqForStart(nextOpen), BarStart: nextOpen, BarEnd: nextOpen + 60_000,
		Open: 200, High: 201, Low: 199, Close: 200, Volume: 7,
	})

	if st.win.orbBars != 1 || st.win.sessionBars != 1 {
		t.Fatalf("post-rollover bookkeeping = (%d, %d)", st.win.orbBars, st.win.sessionBars)
	}
	if st.win.orbHigh != 201 || st.win.orbLow != 199 {
		t.Fatalf("post-rollover orb = (%v, %v)", st.win.orbHigh, st.win.orbLow)
	}
	if got := st.vwap.Value(); got != 200 {
		t.Fatalf("session VWAP after rollover = %v, want 200", got)
	}
	// The bar window itself carries across sessions.
	if len(st.win.bars) != 4 {
		t.Fatalf("window len = %d, want 4", len(st.win.bars))
	}
}
