// Package pipeline assembles the live market data path for all symbols: feed
// ticks through the bar builder into the authoritative 1m store, the ring
// windows, rollups, indicators, and triggers, publishing every stage on the
// event bus. One Manager per process; its Run loop is the single writer for
// all downstream bar state.
package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tradecopilot/internal/bars"
	"tradecopilot/internal/bus"
	"tradecopilot/internal/history"
	"tradecopilot/internal/indicator"
	"tradecopilot/internal/marketdata/barbuilder"
	"tradecopilot/internal/marketdata/rollup"
	"tradecopilot/internal/model"
	"tradecopilot/internal/ringbuf"
	"tradecopilot/internal/signal"
	"tradecopilot/internal/trigger"
)

// Config assembles the manager. Zero values pick production defaults.
type Config struct {
	Symbols []string
	// RingCap is each symbol's bar window capacity (default 5000).
	RingCap int
	// TickRingCap sizes the feed tick ring (default 8192).
	TickRingCap int
	// Rollups lists the higher timeframes to derive. Empty disables rollups.
	Rollups []model.Timeframe
	// Builder tunes the 1m bar builder.
	Builder barbuilder.Config
}

func (c *Config) defaults() {
	if c.RingCap <= 0 {
		c.RingCap = 5000
	}
	if c.TickRingCap <= 0 {
		c.TickRingCap = 8192
	}
}

// Manager owns the per-symbol pipeline state and the goroutines that drive it.
type Manager struct {
	cfg      Config
	bus      *bus.Bus
	ticks    *ringbuf.TickRing
	tickIn   chan model.Tick
	builder  *barbuilder.Builder
	store    *bars.Store
	spine    *indicator.Spine
	tracker  *rollup.Tracker
	triggers *trigger.Engine
	governor *signal.Governor

	winMu   sync.RWMutex
	windows map[string]*ringbuf.BarWindow

	barCh   chan model.Bar
	microCh chan model.MicroBar

	sinks     []chan<- model.Bar
	sinkDrops atomic.Uint64

	// Metric hooks, wired by main. Optional, must be fast.
	OnTick         func(t model.Tick)
	OnBarFinal     func(b model.Bar)
	OnMicrobar     func()
	OnRollup       func(tf string)
	OnFire         func(rule string)
	OnSinkDrop     func()
	OnIndicatorDur func(d time.Duration)
	OnRollupDur    func(d time.Duration)
}

// New builds the manager. The governor may be nil to run triggers ungated
// (fires are then dropped).
func New(cfg Config, b *bus.Bus, governor *signal.Governor) *Manager {
	cfg.defaults()
	m := &Manager{
		cfg:      cfg,
		bus:      b,
		ticks:    ringbuf.NewTickRing(cfg.TickRingCap),
		tickIn:   make(chan model.Tick, cfg.TickRingCap),
		store:    bars.NewStore(),
		spine:    indicator.NewSpine(),
		tracker:  rollup.NewTracker(cfg.Rollups),
		triggers: trigger.NewEngine(trigger.DefaultRules()),
		governor: governor,
		windows:  make(map[string]*ringbuf.BarWindow, len(cfg.Symbols)),
		barCh:    make(chan model.Bar, 4096),
		microCh:  make(chan model.MicroBar, 4096),
	}
	for _, sym := range cfg.Symbols {
		m.windows[sym] = ringbuf.NewBarWindow(cfg.RingCap)
	}
	m.builder = barbuilder.New(m.ticks, cfg.Builder)
	m.builder.OnTick = func(t model.Tick) {
		m.bus.Publish(bus.TickSubject(t.Symbol), t)
		if m.OnTick != nil {
			m.OnTick(t)
		}
	}
	return m
}

// TickIn is the channel the feed writes raw ticks into.
func (m *Manager) TickIn() chan<- model.Tick { return m.tickIn }

// Builder exposes the bar builder for hook wiring.
func (m *Manager) Builder() *barbuilder.Builder { return m.builder }

// Spine exposes the indicator spine for API snapshots.
func (m *Manager) Spine() *indicator.Spine { return m.spine }

// Store exposes the authoritative 1m store.
func (m *Manager) Store() *bars.Store { return m.store }

// AddSink registers a persistence channel fed every finalized 1m bar. Sends
// never block: a full sink drops the bar and counts it. Call before Run.
func (m *Manager) AddSink(ch chan<- model.Bar) {
	m.sinks = append(m.sinks, ch)
}

// Run drives the pipeline until ctx is cancelled: the tick pump, the bar
// builder, and the fan-out loop.
func (m *Manager) Run(ctx context.Context) {
	go m.pump(ctx)
	go m.builder.Run(ctx, m.barCh, m.microCh)

	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case b := <-m.barCh:
			m.onFinalBar(b)
		case mb := <-m.microCh:
			m.onMicro(mb)
		}
	}
}

// pump moves feed ticks into the builder's ring. The ring counts overflow.
func (m *Manager) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-m.tickIn:
			m.ticks.Push(t)
		}
	}
}

// drain consumes bars the builder flushed during shutdown.
func (m *Manager) drain() {
	for {
		select {
		case b := <-m.barCh:
			m.onFinalBar(b)
		default:
			return
		}
	}
}

// onFinalBar runs the full 1m fan-out: marks, store, window, bus, rollups,
// triggers, sinks. Single goroutine.
func (m *Manager) onFinalBar(b model.Bar) {
	indStart := time.Now()
	b.Marks = m.spine.Apply(b)
	if m.OnIndicatorDur != nil {
		m.OnIndicatorDur(time.Since(indStart))
	}

	if !m.store.Append(b) {
		// Non-monotonic seq: the store drops and counts it, nothing may
		// reach the wire.
		return
	}
	m.windowFor(b.Symbol).Push(b)

	if m.OnBarFinal != nil {
		m.OnBarFinal(b)
	}
	m.bus.Publish(bus.BarSubject(b.Symbol, string(model.TF1m)), b)

	rollStart := time.Now()
	rolled := m.tracker.Apply(b)
	if m.OnRollupDur != nil {
		m.OnRollupDur(time.Since(rollStart))
	}
	for _, rb := range rolled {
		if m.OnRollup != nil {
			m.OnRollup(string(rb.Timeframe))
		}
		m.bus.Publish(bus.BarSubject(rb.Symbol, string(rb.Timeframe)), rb)
	}

	for _, f := range m.triggers.OnBar(b) {
		if m.OnFire != nil {
			m.OnFire(f.RuleID)
		}
		if m.governor != nil {
			m.governor.Admit(f)
		}
	}

	for _, sink := range m.sinks {
		select {
		case sink <- b:
		default:
			m.sinkDrops.Add(1)
			if m.OnSinkDrop != nil {
				m.OnSinkDrop()
			}
		}
	}
}

func (m *Manager) onMicro(mb model.MicroBar) {
	if m.OnMicrobar != nil {
		m.OnMicrobar()
	}
	m.bus.Publish(bus.MicrobarSubject(mb.Symbol), mb)
}

func (m *Manager) windowFor(symbol string) *ringbuf.BarWindow {
	m.winMu.RLock()
	w := m.windows[symbol]
	m.winMu.RUnlock()
	if w != nil {
		return w
	}

	m.winMu.Lock()
	defer m.winMu.Unlock()
	if w = m.windows[symbol]; w == nil {
		w = ringbuf.NewBarWindow(m.cfg.RingCap)
		m.windows[symbol] = w
	}
	return w
}

// Seeder is the slice of the history service Warm needs.
type Seeder interface {
	GetHistory(ctx context.Context, q history.Query) ([]model.Bar, error)
}

// Warm backfills every configured symbol before live processing: the history
// fetch populates the store and ring through the Buffers interface, then the
// indicator spine and trigger windows are seeded from the same bars.
func (m *Manager) Warm(ctx context.Context, hist Seeder, limit int) {
	for _, sym := range m.cfg.Symbols {
		bars, err := hist.GetHistory(ctx, history.Query{
			Symbol:    sym,
			Timeframe: model.TF1m,
			Limit:     limit,
			SinceSeq:  -1,
		})
		if err != nil {
			log.Printf("[pipeline] warmup %s failed: %v", sym, err)
			continue
		}
		m.spine.SeedHistory(sym, bars)
		m.triggers.Seed(sym, bars)
		log.Printf("[pipeline] %s warm with %d bars", sym, len(bars))
	}
}

// history.Buffers implementation. The ring window answers live-edge queries;
// the authoritative store serves replay ranges.

func (m *Manager) M1Len(symbol string) int {
	return m.windowFor(symbol).Len()
}

func (m *Manager) RecentM1(symbol string, n int) []model.Bar {
	return m.windowFor(symbol).RecentN(n)
}

func (m *Manager) M1SinceSeq(symbol string, sinceSeq int64) []model.Bar {
	return m.windowFor(symbol).SinceSeq(sinceSeq)
}

func (m *Manager) M1Range(symbol string, fromSeq, toSeq int64) []model.Bar {
	out := m.store.SinceSeq(symbol, fromSeq-1)
	for i, b := range out {
		if b.Seq > toSeq {
			return out[:i]
		}
	}
	return out
}

func (m *Manager) PopulateM1(symbol string, bars []model.Bar) int {
	n := m.store.Merge(symbol, bars)
	m.windowFor(symbol).Merge(bars)
	return n
}

// Stats aggregates the pipeline counters for logging and scrapes.
type Stats struct {
	Builder           barbuilder.Stats
	StoreViolations   uint64
	RollupStale       uint64
	TriggerFired      uint64
	TriggerSuppressed uint64
	SinkDrops         uint64
}

func (m *Manager) Stats() Stats {
	fired, suppressed := m.triggers.Stats()
	return Stats{
		Builder:           m.builder.Stats(),
		StoreViolations:   m.store.Violations(),
		RollupStale:       m.tracker.Stale(),
		TriggerFired:      fired,
		TriggerSuppressed: suppressed,
		SinkDrops:         m.sinkDrops.Load(),
	}
}
