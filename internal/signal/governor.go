// Package signal gates trigger fires behind concurrency and budget limits
// and publishes the admitted ones as signals.
package signal

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradecopilot/internal/bus"
	"tradecopilot/internal/model"
	"tradecopilot/internal/trigger"
)

// Rejection reasons returned by Admit.
const (
	ReasonThrottled       = "throttled"        // same (ruleId, barSeq) admitted recently
	ReasonActiveDuplicate = "active_duplicate" // a signal for (ruleId, symbol) is still active
	ReasonMaxConcurrent   = "max_concurrent"
	ReasonRiskBudget      = "risk_budget"
)

// Limits defines the admission thresholds.
type Limits struct {
	MaxConcurrentSignals int     `json:"max_concurrent_signals"`
	MaxRiskBudget        float64 `json:"max_risk_budget"` // total exposure fraction (0-1)
	RiskPerSignal        float64 `json:"risk_per_signal"` // exposure consumed per active signal
	ThrottleWindowMs     int64   `json:"throttle_window_ms"`
}

// DefaultLimits returns conservative default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentSignals: 3,
		MaxRiskBudget:        0.05, // 5% of capital at risk
		RiskPerSignal:        0.01,
		ThrottleWindowMs:     300_000,
	}
}

type throttleKey struct {
	RuleID string
	BarSeq int64
}

// Governor admits or rejects trigger fires and tracks the active signal set.
// Every admission decision runs in a single critical section.
type Governor struct {
	mu      sync.Mutex
	limits  Limits
	bus     *bus.Bus
	nowMs   func() int64
	active  map[string]*model.Signal // by signal id
	byKey   map[string]string        // ruleId+"|"+symbol -> signal id
	throttl map[throttleKey]int64    // admission time, pruned lazily

	// OnAdmit and OnReject are optional metric hooks.
	OnAdmit  func(s *model.Signal)
	OnReject func(reason string)
}

// NewGovernor creates a Governor publishing admitted signals on b. nowMs may
// be nil to use wall-clock time.
func NewGovernor(limits Limits, b *bus.Bus, nowMs func() int64) *Governor {
	if limits.MaxConcurrentSignals <= 0 {
		limits.MaxConcurrentSignals = DefaultLimits().MaxConcurrentSignals
	}
	if limits.RiskPerSignal <= 0 {
		limits.RiskPerSignal = DefaultLimits().RiskPerSignal
	}
	if limits.ThrottleWindowMs <= 0 {
		limits.ThrottleWindowMs = DefaultLimits().ThrottleWindowMs
	}
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Governor{
		limits:  limits,
		bus:     b,
		nowMs:   nowMs,
		active:  make(map[string]*model.Signal),
		byKey:   make(map[string]string),
		throttl: make(map[throttleKey]int64),
	}
}

// Admit decides on a trigger fire. On admission it registers the signal,
// publishes it on signal:new, and returns it with an empty reason. On
// rejection it returns nil and the reason.
func (g *Governor) Admit(f trigger.Fire) (*model.Signal, string) {
	now := g.nowMs()

	g.mu.Lock()
	g.pruneLocked(now)

	tk := throttleKey{RuleID: f.RuleID, BarSeq: f.BarSeq}
	if at, ok := g.throttl[tk]; ok && now-at < g.limits.ThrottleWindowMs {
		g.mu.Unlock()
		g.reject(ReasonThrottled, f)
		return nil, ReasonThrottled
	}
	if _, ok := g.byKey[f.RuleID+"|"+f.Symbol]; ok {
		g.mu.Unlock()
		g.reject(ReasonActiveDuplicate, f)
		return nil, ReasonActiveDuplicate
	}
	if len(g.active) >= g.limits.MaxConcurrentSignals {
		g.mu.Unlock()
		g.reject(ReasonMaxConcurrent, f)
		return nil, ReasonMaxConcurrent
	}
	if g.limits.MaxRiskBudget > 0 && g.exposureLocked() >= g.limits.MaxRiskBudget {
		g.mu.Unlock()
		g.reject(ReasonRiskBudget, f)
		return nil, ReasonRiskBudget
	}

	s := &model.Signal{
		ID:         uuid.NewString(),
		Symbol:     f.Symbol,
		Timeframe:  f.Timeframe,
		RuleID:     f.RuleID,
		Direction:  f.Direction,
		Confidence: f.Confidence,
		TS:         f.TS,
		BarSeq:     f.BarSeq,
		EntryZone:  f.EntryZone,
		Stop:       f.Stop,
		Ctx:        f.Ctx,
	}
	g.active[s.ID] = s
	g.byKey[f.RuleID+"|"+f.Symbol] = s.ID
	g.throttl[tk] = now
	activeCount := len(g.active)
	g.mu.Unlock()

	log.Printf("[governor] admitted %s %s %s seq=%d conf=%.2f (active=%d)",
		f.RuleID, f.Symbol, f.Direction, f.BarSeq, f.Confidence, activeCount)
	if g.OnAdmit != nil {
		g.OnAdmit(s)
	}
	if g.bus != nil {
		g.bus.Publish(bus.SignalSubject, s)
	}
	return s, ""
}

// Release removes an active signal, freeing its concurrency slot and risk
// budget. Returns false if the id is unknown or already released.
func (g *Governor) Release(id string) bool {
	g.mu.Lock()
	s, ok := g.active[id]
	if ok {
		delete(g.active, id)
		delete(g.byKey, s.RuleID+"|"+s.Symbol)
	}
	g.mu.Unlock()

	if ok {
		log.Printf("[governor] released %s (%s %s)", id, s.RuleID, s.Symbol)
	}
	return ok
}

// ActiveCount returns the number of registered active signals.
func (g *Governor) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Exposure returns the current risk exposure fraction.
func (g *Governor) Exposure() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exposureLocked()
}

// Active returns a snapshot of the active signals.
func (g *Governor) Active() []*model.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*model.Signal, 0, len(g.active))
	for _, s := range g.active {
		out = append(out, s)
	}
	return out
}

// Status returns the governor state for the status endpoint.
func (g *Governor) Status() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]interface{}{
		"active":   len(g.active),
		"exposure": g.exposureLocked(),
		"limits":   g.limits,
	}
}

func (g *Governor) exposureLocked() float64 {
	return float64(len(g.active)) * g.limits.RiskPerSignal
}

// pruneLocked drops throttle entries older than the window. Caller holds mu.
func (g *Governor) pruneLocked(now int64) {
	for k, at := range g.throttl {
		if now-at >= g.limits.ThrottleWindowMs {
			delete(g.throttl, k)
		}
	}
}

func (g *Governor) reject(reason string, f trigger.Fire) {
	log.Printf("[governor] rejected %s %s seq=%d: %s", f.RuleID, f.Symbol, f.BarSeq, reason)
	if g.OnReject != nil {
		g.OnReject(reason)
	}
}
