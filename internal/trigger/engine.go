package trigger

import (
	"sync/atomic"
	"time"

	"tradecopilot/internal/indicator"
	"tradecopilot/internal/model"
	"tradecopilot/internal/session"
)

const calloutTTLMs = 60_000

// Engine evaluates every registered rule against each symbol's bar stream.
// Bars arrive from the single pipeline goroutine; the engine keeps its own
// VWAP and EMA state so evaluation does not depend on upstream mark
// attachment.
type Engine struct {
	rules  []Rule
	params func(ruleID string) Params
	states map[string]*symbolState
	cache  *calloutCache
	nowMs  func() int64

	// OnFire runs for every emitted fire, before OnBar returns it.
	OnFire func(Fire)

	fired      atomic.Uint64
	suppressed atomic.Uint64
}

type symbolState struct {
	win           window
	vwap          *indicator.SessionVWAP
	ema9, ema20   *indicator.EMA
	machines      []*machine
	sessionAnchor int64
}

// Option configures the engine.
type Option func(*Engine)

// WithParams supplies per-rule parameters; absent rules use DefaultParams.
func WithParams(params map[string]Params) Option {
	return func(e *Engine) {
		e.params = func(ruleID string) Params {
			if p, ok := params[ruleID]; ok {
				return p
			}
			return DefaultParams()
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(nowMs func() int64) Option {
	return func(e *Engine) { e.nowMs = nowMs }
}

// NewEngine creates an engine over the given rules. DefaultRules covers the
// production set.
func NewEngine(rules []Rule, opts ...Option) *Engine {
	e := &Engine{
		rules:  rules,
		params: func(string) Params { return DefaultParams() },
		states: make(map[string]*symbolState),
		cache:  newCalloutCache(calloutTTLMs),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// DefaultRules returns the production rule set.
func DefaultRules() []Rule {
	return []Rule{VWAPReclaim{}, VWAPReject{}, ORBBreakout{}, EMAPullback{}}
}

func (e *Engine) stateFor(symbol string) *symbolState {
	st := e.states[symbol]
	if st != nil {
		return st
	}
	st = &symbolState{
		vwap:  indicator.NewSessionVWAP(),
		ema9:  indicator.NewEMA(9),
		ema20: indicator.NewEMA(20),
	}
	for _, r := range e.rules {
		st.machines = append(st.machines, newMachine(r, e.params(r.ID())))
	}
	e.states[symbol] = st
	return st
}

// OnBar folds one finalized 1m bar and returns any fires it produced, after
// callout deduplication. Single caller goroutine.
func (e *Engine) OnBar(b model.Bar) []Fire {
	return e.apply(b, true)
}

// Seed warms a symbol's window and indicator state from history without
// evaluating rules, so trigger readiness does not wait out the warmup live.
func (e *Engine) Seed(symbol string, bars []model.Bar) {
	for _, b := range bars {
		if b.Symbol != symbol {
			continue
		}
		e.apply(b, false)
	}
}

func (e *Engine) apply(b model.Bar, evaluate bool) []Fire {
	st := e.stateFor(b.Symbol)

	anchor := session.SessionStart(b.BarStart)
	if st.sessionAnchor != 0 && anchor != st.sessionAnchor {
		st.vwap.Reset()
		st.win.resetSession()
	}
	st.sessionAnchor = anchor

	st.vwap.Update(b)
	st.ema9.Next(b.Close)
	st.ema20.Next(b.Close)

	wb := winBar{
		bar:    b,
		vwap:   st.vwap.Value(),
		vwapOK: st.vwap.Ready(),
		ema9:   st.ema9.Value(),
		ema9OK: st.ema9.Ready(),
		ema20:  st.ema20.Value(),
		ema20OK: st.ema20.Ready(),
	}

	rth := session.IsRegularTradingHours(b.BarStart)
	if rth && st.win.orbBars < 2 {
		if st.win.orbBars == 0 {
			st.win.orbHigh, st.win.orbLow = b.High, b.Low
		} else {
			if b.High > st.win.orbHigh {
				st.win.orbHigh = b.High
			}
			if b.Low < st.win.orbLow {
				st.win.orbLow = b.Low
			}
		}
		st.win.orbBars++
		wb.orbConstituent = true
	}

	st.win.push(wb)

	var fires []Fire
	if evaluate {
		now := e.nowMs()
		for _, m := range st.machines {
			f, ok := m.onBar(&st.win, now)
			if !ok {
				continue
			}
			if e.cache.seen(f.Symbol, f.RuleID, f.TS, now) {
				e.suppressed.Add(1)
				continue
			}
			e.fired.Add(1)
			if e.OnFire != nil {
				e.OnFire(f)
			}
			fires = append(fires, f)
		}
	}

	// Session volume averages exclude the bar being evaluated.
	if rth {
		st.win.sessionVolSum += b.Volume
		st.win.sessionBars++
	}
	return fires
}

// Stats returns cumulative fire and suppression counts.
func (e *Engine) Stats() (fired, suppressed uint64) {
	return e.fired.Load(), e.suppressed.Load()
}
