// Package trigger runs pattern detectors over finalized 1m bars. Each rule
// is evaluated per symbol through a shared state machine with confirmation
// hysteresis and a cooldown, and a short callout cache deduplicates setups
// that several paths would otherwise announce twice.
package trigger

import (
	"tradecopilot/internal/model"
)

// State is the lifecycle position of one rule on one symbol.
type State int

const (
	// StateIdle means conditions have not passed; every new bar evaluates.
	StateIdle State = iota
	// StatePrimed means at least one evaluation passed and confirmations
	// are accumulating.
	StatePrimed
	// StateCooldown means a fire happened recently and evaluations are
	// ignored until the cooldown elapses.
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrimed:
		return "primed"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Params are the knobs shared by every rule.
type Params struct {
	// RequiredConfirmations is how many consecutive passing bars fire the
	// rule. 1 fires on the first pass.
	RequiredConfirmations int
	// CooldownMs suppresses re-fires after an emission.
	CooldownMs int64
}

// DefaultParams matches the production defaults: fire on first confirmation,
// five minute cooldown.
func DefaultParams() Params {
	return Params{RequiredConfirmations: 1, CooldownMs: 300_000}
}

// Candidate is a rule's output when its conditions pass on a bar.
type Candidate struct {
	Direction  model.Direction
	Confidence float64
	EntryZone  [2]float64
	Stop       float64
	Ctx        map[string]any
}

// Fire is an emitted trigger event, pre-governor.
type Fire struct {
	RuleID     string
	Symbol     string
	Timeframe  model.Timeframe
	Direction  model.Direction
	Confidence float64
	TS         int64
	BarSeq     int64
	EntryZone  [2]float64
	Stop       float64
	Ctx        map[string]any
}

// Rule detects one setup over the sliding window.
type Rule interface {
	// ID names the rule, stable across restarts.
	ID() string
	// Evaluate inspects the window (newest bar last) and reports whether
	// the setup is present on the newest bar.
	Evaluate(w *window) (Candidate, bool)
}

// machine runs the idle → primed → fired → cooldown lifecycle for one rule
// on one symbol. Single goroutine.
type machine struct {
	rule   Rule
	params Params

	state       State
	hysteresis  int
	lastFiredAt int64
}

func newMachine(rule Rule, params Params) *machine {
	if params.RequiredConfirmations < 1 {
		params.RequiredConfirmations = 1
	}
	return &machine{rule: rule, params: params}
}

// onBar advances the machine with the newest finalized bar already present
// in w. Returns a Fire when the rule emits.
func (m *machine) onBar(w *window, nowMs int64) (Fire, bool) {
	if m.state == StateCooldown {
		if nowMs-m.lastFiredAt < m.params.CooldownMs {
			return Fire{}, false
		}
		m.state = StateIdle
	}

	cand, ok := m.rule.Evaluate(w)
	if !ok {
		// A failed evaluation breaks the confirmation streak.
		m.state = StateIdle
		m.hysteresis = 0
		return Fire{}, false
	}

	m.state = StatePrimed
	m.hysteresis++
	if m.hysteresis < m.params.RequiredConfirmations {
		return Fire{}, false
	}

	last := w.last()
	m.state = StateCooldown
	m.hysteresis = 0
	m.lastFiredAt = nowMs

	return Fire{
		RuleID:     m.rule.ID(),
		Symbol:     last.bar.Symbol,
		Timeframe:  model.TF1m,
		Direction:  cand.Direction,
		Confidence: cand.Confidence,
		TS:         nowMs,
		BarSeq:     last.bar.Seq,
		EntryZone:  cand.EntryZone,
		Stop:       cand.Stop,
		Ctx:        cand.Ctx,
	}, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
