package indicator

import (
	"sync"

	"tradecopilot/internal/model"
	"tradecopilot/internal/session"
)

// Spine owns the live indicator set for every symbol: EMA 9/21/50/200,
// session VWAP, Bollinger(20, 2) and volume SMA(20), all over finalized 1m
// bars. The pipeline applies bars from its single writer goroutine; API
// handlers read snapshots concurrently.
type Spine struct {
	mu     sync.RWMutex
	states map[string]*symbolState
}

type symbolState struct {
	ema9, ema21, ema50, ema200 *EMA
	vwap                       *SessionVWAP
	boll                       *Bollinger
	volSMA                     *VolumeSMA

	sessionAnchor int64 // session start of the last applied bar
}

func newSymbolState() *symbolState {
	return &symbolState{
		ema9:   NewEMA(9),
		ema21:  NewEMA(21),
		ema50:  NewEMA(50),
		ema200: NewEMA(200),
		vwap:   NewSessionVWAP(),
		boll:   NewBollinger(20, 2),
		volSMA: NewVolumeSMA(20),
	}
}

func (st *symbolState) all() []Indicator {
	return []Indicator{st.ema9, st.ema21, st.ema50, st.ema200, st.vwap, st.boll, st.volSMA}
}

// NewSpine creates an empty spine.
func NewSpine() *Spine {
	return &Spine{states: make(map[string]*symbolState)}
}

// Apply feeds one finalized 1m bar and returns the marks to attach to it.
// Crossing into a new session resets the session-anchored VWAP before the
// bar is applied.
func (s *Spine) Apply(b model.Bar) *model.IndicatorMarks {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[b.Symbol]
	if st == nil {
		st = newSymbolState()
		s.states[b.Symbol] = st
	}

	anchor := session.SessionStart(b.BarStart)
	if st.sessionAnchor != 0 && anchor != st.sessionAnchor {
		st.vwap.Reset()
	}
	st.sessionAnchor = anchor

	for _, ind := range st.all() {
		ind.Update(b)
	}
	return st.marks()
}

// SeedHistory initializes a symbol's indicators from backfilled bars, as if
// each had been applied live.
func (s *Spine) SeedHistory(symbol string, bars []model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := newSymbolState()
	s.states[symbol] = st
	if len(bars) == 0 {
		return
	}
	for _, ind := range st.all() {
		ind.SeedHistory(bars)
	}
	st.sessionAnchor = session.SessionStart(bars[len(bars)-1].BarStart)
}

// marks builds the per-bar snapshot. Fields stay zero until the indicator
// behind them is warm. Caller holds mu.
func (st *symbolState) marks() *model.IndicatorMarks {
	m := &model.IndicatorMarks{}
	if st.vwap.Ready() {
		m.VWAP = st.vwap.Value()
	}
	if st.ema9.Ready() {
		m.EMA9 = st.ema9.Value()
	}
	if st.ema21.Ready() {
		m.EMA21 = st.ema21.Value()
	}
	if st.ema50.Ready() {
		m.EMA50 = st.ema50.Value()
	}
	if st.ema200.Ready() {
		m.EMA200 = st.ema200.Value()
	}
	return m
}

// Marks returns the current snapshot for symbol without applying anything.
func (s *Spine) Marks(symbol string) (*model.IndicatorMarks, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.states[symbol]
	if st == nil {
		return nil, false
	}
	return st.marks(), true
}

// Warm reports whether a symbol has enough history behind it to chart
// against; the shortest EMA warming up is the threshold.
func (s *Spine) Warm(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.states[symbol]
	return st != nil && st.ema9.Ready()
}

// Result is one indicator's value for API snapshots.
type Result struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Ready bool    `json:"ready"`
}

// Snapshot returns every indicator value for symbol, Bollinger bands
// expanded. Nil when the symbol has never been seen.
func (s *Spine) Snapshot(symbol string) []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.states[symbol]
	if st == nil {
		return nil
	}

	out := make([]Result, 0, 9)
	for _, ind := range []Indicator{st.ema9, st.ema21, st.ema50, st.ema200, st.vwap, st.volSMA} {
		out = append(out, Result{Name: ind.Name(), Value: ind.Value(), Ready: ind.Ready()})
	}
	mid, upper, lower := st.boll.Bands()
	ready := st.boll.Ready()
	out = append(out,
		Result{Name: "BOLL_MID", Value: mid, Ready: ready},
		Result{Name: "BOLL_UPPER", Value: upper, Ready: ready},
		Result{Name: "BOLL_LOWER", Value: lower, Ready: ready},
	)
	return out
}
