// Package replay re-emits historical 1m bars on the live bus subjects at a
// configurable speed. Bus subscribers see the same bar and micro-bar events,
// with the same seqs, that a live session over the window would have produced.
package replay

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"tradecopilot/internal/bus"
	"tradecopilot/internal/model"
)

// ErrNotFound means the requested window contains no bars.
var ErrNotFound = errors.New("replay: no bars in requested window")

// Source loads the bars to replay. Satisfied by *history.Service.
type Source interface {
	RangeM1(ctx context.Context, symbol string, fromMs, toMs int64) ([]model.Bar, error)
}

// Config tunes the pacing. Zero values pick production defaults.
type Config struct {
	// MinPeriod floors the bar timer: period = max(MinPeriod, 60s/speed).
	MinPeriod time.Duration // default 100ms
	// MicroGap separates the two micro-pulse steps after each bar.
	MicroGap time.Duration // default 120ms
}

func (c *Config) defaults() {
	if c.MinPeriod <= 0 {
		c.MinPeriod = 100 * time.Millisecond
	}
	if c.MicroGap <= 0 {
		c.MicroGap = 120 * time.Millisecond
	}
}

// Engine runs at most one replay session per symbol.
type Engine struct {
	cfg    Config
	bus    *bus.Bus
	source Source

	mu       sync.Mutex
	sessions map[string]*session

	// OnActive reports the session count after every start/stop (metrics).
	OnActive func(active int)
}

type session struct {
	symbol string
	bars   []model.Bar
	idx    int
	speed  atomic.Uint64 // float64 bits; read at each timer reset
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) setSpeed(v float64) { s.speed.Store(math.Float64bits(v)) }
func (s *session) getSpeed() float64  { return math.Float64frombits(s.speed.Load()) }

// next returns the bar at idx and advances. ok=false once exhausted.
func (s *session) next() (model.Bar, bool) {
	if s.idx >= len(s.bars) {
		return model.Bar{}, false
	}
	b := s.bars[s.idx]
	s.idx++
	return b, true
}

// NewEngine creates a replay engine publishing on b.
func NewEngine(cfg Config, b *bus.Bus, source Source) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:      cfg,
		bus:      b,
		source:   source,
		sessions: make(map[string]*session),
	}
}

// Start loads [fromMs, toMs] for symbol and begins emission. A session already
// running for the symbol is replaced. Returns the number of bars loaded;
// ErrNotFound when the window is empty. ctx bounds only the history load, not
// the session itself.
func (e *Engine) Start(ctx context.Context, symbol string, fromMs, toMs int64, speed float64) (int, error) {
	bars, err := e.source.RangeM1(ctx, symbol, fromMs, toMs)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, ErrNotFound
	}
	if speed <= 0 {
		speed = 1
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		symbol: symbol,
		bars:   bars,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.setSpeed(speed)

	e.mu.Lock()
	old := e.sessions[symbol]
	e.sessions[symbol] = s
	active := len(e.sessions)
	e.mu.Unlock()
	if old != nil {
		old.cancel()
		<-old.done
	}

	log.Printf("[replay] %s: %d bars [%d..%d] at %.1fx", symbol, len(bars), bars[0].Seq, bars[len(bars)-1].Seq, speed)
	if e.OnActive != nil {
		e.OnActive(active)
	}
	go e.run(sctx, s)
	return len(bars), nil
}

// Stop cancels the symbol's session. Idempotent: returns false when nothing
// was running.
func (e *Engine) Stop(symbol string) bool {
	e.mu.Lock()
	s := e.sessions[symbol]
	if s != nil {
		delete(e.sessions, symbol)
	}
	active := len(e.sessions)
	e.mu.Unlock()

	if s == nil {
		return false
	}
	s.cancel()
	<-s.done
	log.Printf("[replay] %s stopped at bar %d/%d", symbol, s.idx, len(s.bars))
	if e.OnActive != nil {
		e.OnActive(active)
	}
	return true
}

// SetSpeed updates the symbol's playback rate, effective at the next timer
// reset. Returns false when no session is running.
func (e *Engine) SetSpeed(symbol string, speed float64) bool {
	if speed <= 0 {
		return false
	}
	e.mu.Lock()
	s := e.sessions[symbol]
	e.mu.Unlock()
	if s == nil {
		return false
	}
	s.setSpeed(speed)
	log.Printf("[replay] %s speed -> %.1fx", symbol, speed)
	return true
}

// Active returns the number of running sessions.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Symbols returns the symbols currently replaying.
func (e *Engine) Symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.sessions))
	for sym := range e.sessions {
		out = append(out, sym)
	}
	return out
}

// Close stops every session.
func (e *Engine) Close() {
	e.mu.Lock()
	all := make([]*session, 0, len(e.sessions))
	for sym, s := range e.sessions {
		all = append(all, s)
		delete(e.sessions, sym)
	}
	e.mu.Unlock()
	for _, s := range all {
		s.cancel()
		<-s.done
	}
}

func (e *Engine) period(speed float64) time.Duration {
	p := time.Duration(60_000 / speed * float64(time.Millisecond))
	if p < e.cfg.MinPeriod {
		p = e.cfg.MinPeriod
	}
	return p
}

func (e *Engine) run(ctx context.Context, s *session) {
	defer close(s.done)

	timer := time.NewTimer(e.period(s.getSpeed()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		bar, ok := s.next()
		if !ok {
			e.finish(s)
			return
		}

		// Reset before the pulse sleeps so the bar cadence is unaffected.
		period := e.period(s.getSpeed())
		timer.Reset(period)

		e.bus.Publish(bus.BarSubject(bar.Symbol, string(model.TF1m)), bar)
		e.pulse(ctx, bar, period)
	}
}

// pulse animates the just-emitted bar with a mid then close micro step. The
// gap shrinks with the period so both steps land before the next bar.
func (e *Engine) pulse(ctx context.Context, b model.Bar, period time.Duration) {
	gap := e.cfg.MicroGap
	if lim := period / 3; gap > lim {
		gap = lim
	}

	mid := (b.Open + b.Close) / 2
	steps := []model.MicroBar{
		{
			Symbol: b.Symbol,
			TS:     b.BarStart + 30_000,
			Open:   b.Open,
			High:   math.Max(b.Open, mid),
			Low:    math.Min(b.Open, mid),
			Close:  mid,
			Volume: b.Volume / 2,
		},
		{
			Symbol: b.Symbol,
			TS:     b.BarEnd - 1,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		},
	}
	for _, mb := range steps {
		if !sleepCtx(ctx, gap) {
			return
		}
		e.bus.Publish(bus.MicrobarSubject(b.Symbol), mb)
	}
}

func (e *Engine) finish(s *session) {
	e.mu.Lock()
	// Only clear the slot if it still belongs to this session; a restart may
	// have replaced it.
	if e.sessions[s.symbol] == s {
		delete(e.sessions, s.symbol)
	}
	active := len(e.sessions)
	e.mu.Unlock()

	log.Printf("[replay] %s complete (%d bars)", s.symbol, len(s.bars))
	if e.OnActive != nil {
		e.OnActive(active)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
