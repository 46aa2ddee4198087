// Package barbuilder turns raw trade prints into finalized 1-minute bars and
// in-progress micro snapshots. It runs in a single goroutine per process,
// draining the feed's tick ring; it is the sole live writer for every
// symbol's 1m series downstream.
package barbuilder

import (
	"context"
	"sync/atomic"
	"time"

	"tradecopilot/internal/model"
	"tradecopilot/internal/ringbuf"
)

const drainBatch = 256

// Config tunes the builder's cadences and tolerances. Zero values pick the
// defaults below.
type Config struct {
	// MicrobarInterval is the cadence of in-progress bar snapshots.
	MicrobarInterval time.Duration
	// PollInterval is how often the tick ring is drained and minute
	// boundaries are checked.
	PollInterval time.Duration
	// LateTolerance caps how far behind the open bar a tick may be and
	// still be applied to its own minute.
	LateTolerance time.Duration
	// FutureTolerance is how far ahead of wall clock a tick timestamp may
	// run before being clamped to wall clock.
	FutureTolerance time.Duration
	// NowMs overrides the wall clock, for tests.
	NowMs func() int64
}

func (c *Config) defaults() {
	if c.MicrobarInterval <= 0 {
		c.MicrobarInterval = 200 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Millisecond
	}
	if c.LateTolerance <= 0 {
		c.LateTolerance = time.Minute
	}
	if c.FutureTolerance <= 0 {
		c.FutureTolerance = 2 * time.Second
	}
	if c.NowMs == nil {
		c.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
}

// barState is the open bar for one symbol. A bar stays open until a tick for
// a newer minute arrives or the wall clock passes its end.
type barState struct {
	bar   model.Bar
	dirty bool // updated since the last micro snapshot
}

// Builder aggregates ticks into 1m bars. All state is confined to the Run
// goroutine; only the counters are read from outside.
type Builder struct {
	cfg       Config
	ring      *ringbuf.TickRing
	states    map[string]*barState
	lastFinal map[string]int64 // newest finalized bar_start per symbol

	// OnTick runs for every accepted tick, after it is applied. Listeners
	// must be fast; this runs on the hot loop.
	OnTick func(model.Tick)
	// OnDroppedTick runs whenever a tick is discarded.
	OnDroppedTick func()

	malformed  atomic.Uint64
	late       atomic.Uint64
	clamped    atomic.Uint64
	finalized  atomic.Uint64
	barDrops   atomic.Uint64
	microDrops atomic.Uint64
}

// New creates a builder that drains ring.
func New(ring *ringbuf.TickRing, cfg Config) *Builder {
	cfg.defaults()
	return &Builder{
		cfg:       cfg,
		ring:      ring,
		states:    make(map[string]*barState),
		lastFinal: make(map[string]int64),
	}
}

// Run drains ticks, finalizes bars on minute rollover or wall-clock boundary,
// and emits micro snapshots on the configured cadence. Finalized bars go to
// barCh, snapshots to microCh; both sends are non-blocking and count drops
// rather than stalling the feed. Blocks until ctx is cancelled, then flushes
// all open bars.
func (b *Builder) Run(ctx context.Context, barCh chan<- model.Bar, microCh chan<- model.MicroBar) {
	poll := time.NewTicker(b.cfg.PollInterval)
	defer poll.Stop()
	micro := time.NewTicker(b.cfg.MicrobarInterval)
	defer micro.Stop()

	batch := make([]model.Tick, drainBatch)

	for {
		select {
		case <-ctx.Done():
			b.flushAll(barCh)
			return

		case <-poll.C:
			for {
				n := b.ring.PopBatch(batch)
				if n == 0 {
					break
				}
				for i := 0; i < n; i++ {
					b.processTick(batch[i], barCh)
				}
			}
			b.flushElapsed(barCh)

		case <-micro.C:
			b.emitMicros(microCh)
		}
	}
}

// processTick applies one tick to its minute bar.
func (b *Builder) processTick(t model.Tick, barCh chan<- model.Bar) {
	if !t.Valid() {
		b.malformed.Add(1)
		b.dropped()
		return
	}

	now := b.cfg.NowMs()
	if t.TS > now+b.cfg.FutureTolerance.Milliseconds() {
		t.TS = now
		b.clamped.Add(1)
	}

	bucket := t.BarStart()
	st := b.states[t.Symbol]

	if st != nil && bucket < st.bar.BarStart {
		// The tick's minute precedes the open bar; that bar is gone, so
		// the tick is dropped and counted.
		b.late.Add(1)
		b.dropped()
		return
	}

	if st != nil && bucket > st.bar.BarStart {
		b.finalize(t.Symbol, st, barCh)
		st = nil
	}

	if st == nil {
		// Ticks for a minute already finalized cannot be applied: the bar
		// was emitted and downstream treats it as immutable. A tick for a
		// minute that never produced a bar may still open it, but only
		// while that minute closed less than LateTolerance ago; beyond
		// that the history service owns the gap.
		if last, ok := b.lastFinal[t.Symbol]; ok && bucket <= last {
			b.late.Add(1)
			b.dropped()
			return
		}
		if now-(bucket+60_000) > b.cfg.LateTolerance.Milliseconds() {
			b.late.Add(1)
			b.dropped()
			return
		}
		b.states[t.Symbol] = &barState{
			bar: model.Bar{
				Symbol:    t.Symbol,
				Timeframe: model.TF1m,
				Seq:       model.SeqForStart(bucket),
				BarStart:  bucket,
				BarEnd:    bucket + 60_000,
				Open:      t.Price,
				High:      t.Price,
				Low:       t.Price,
				Close:     t.Price,
				Volume:    t.Size,
			},
			dirty: true,
		}
		b.accepted(t)
		return
	}

	bar := &st.bar
	if t.Price > bar.High {
		bar.High = t.Price
	}
	if t.Price < bar.Low {
		bar.Low = t.Price
	}
	bar.Close = t.Price
	bar.Volume += t.Size
	st.dirty = true
	b.accepted(t)
}

func (b *Builder) accepted(t model.Tick) {
	if b.OnTick != nil {
		b.OnTick(t)
	}
}

func (b *Builder) dropped() {
	if b.OnDroppedTick != nil {
		b.OnDroppedTick()
	}
}

// flushElapsed finalizes open bars whose minute has passed on the wall clock.
// A silent minute therefore still closes its predecessor on time; the gap
// itself is left for the history service to fill.
func (b *Builder) flushElapsed(barCh chan<- model.Bar) {
	now := b.cfg.NowMs()
	for sym, st := range b.states {
		if st.bar.BarEnd <= now {
			b.finalize(sym, st, barCh)
		}
	}
}

// flushAll finalizes every open bar regardless of the clock. Shutdown only.
func (b *Builder) flushAll(barCh chan<- model.Bar) {
	for sym, st := range b.states {
		b.finalize(sym, st, barCh)
	}
}

func (b *Builder) finalize(sym string, st *barState, barCh chan<- model.Bar) {
	delete(b.states, sym)
	b.lastFinal[sym] = st.bar.BarStart
	select {
	case barCh <- st.bar:
		b.finalized.Add(1)
	default:
		b.barDrops.Add(1)
	}
}

// emitMicros snapshots every open bar that changed since the last cadence.
func (b *Builder) emitMicros(microCh chan<- model.MicroBar) {
	for _, st := range b.states {
		if !st.dirty {
			continue
		}
		st.dirty = false
		m := model.MicroBar{
			Symbol: st.bar.Symbol,
			TS:     st.bar.BarStart,
			Open:   st.bar.Open,
			High:   st.bar.High,
			Low:    st.bar.Low,
			Close:  st.bar.Close,
			Volume: st.bar.Volume,
		}
		select {
		case microCh <- m:
		default:
			b.microDrops.Add(1)
		}
	}
}

// Stats is a point-in-time snapshot of the builder's counters.
type Stats struct {
	Malformed    uint64
	Late         uint64
	Clamped      uint64
	Finalized    uint64
	BarDrops     uint64
	MicroDrops   uint64
	RingOverflow uint64
}

// Stats returns the current counter values.
func (b *Builder) Stats() Stats {
	return Stats{
		Malformed:    b.malformed.Load(),
		Late:         b.late.Load(),
		Clamped:      b.clamped.Load(),
		Finalized:    b.finalized.Load(),
		BarDrops:     b.barDrops.Load(),
		MicroDrops:   b.microDrops.Load(),
		RingOverflow: b.ring.Overflow(),
	}
}
