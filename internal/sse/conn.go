package sse

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tradecopilot/internal/bus"
	"tradecopilot/internal/history"
	"tradecopilot/internal/model"
)

type microBatch struct {
	Microbars []model.MicroBar `json:"microbars"`
}

// Conn is one SSE connection. Bus handlers enqueue events under mu; a single
// writer goroutine (serve) drains the queue onto the wire. lastSent holds the
// per-symbol seq watermark: no bar at or below it is ever written again.
type Conn struct {
	hub      *Hub
	symbols  []string
	inScope  map[string]bool
	tf       model.Timeframe
	sinceSeq int64 // resume point from Last-Event-ID/sinceSeq; -1 = fresh

	mu         sync.Mutex
	queue      []Event
	notify     chan struct{}
	lastSent   map[string]int64
	seeding    map[string]bool
	stash      map[string][]model.Bar      // live bars held back until the symbol is seeded
	pending    map[string][]model.MicroBar // micro-batch staging
	microTimer *time.Timer
	dropped    uint64
	closed     bool

	subs []*bus.Subscription
}

func newConn(h *Hub, symbols []string, tf model.Timeframe, sinceSeq int64) *Conn {
	c := &Conn{
		hub:      h,
		symbols:  symbols,
		inScope:  make(map[string]bool, len(symbols)),
		tf:       tf,
		sinceSeq: sinceSeq,
		notify:   make(chan struct{}, 1),
		lastSent: make(map[string]int64, len(symbols)),
		seeding:  make(map[string]bool, len(symbols)),
		stash:    make(map[string][]model.Bar),
		pending:  make(map[string][]model.MicroBar),
	}
	for _, sym := range symbols {
		c.inScope[sym] = true
		c.seeding[sym] = true
		if sinceSeq > 0 {
			c.lastSent[sym] = sinceSeq
		}
	}
	return c
}

func (c *Conn) kick() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// enqueueLocked appends ev, evicting under the priority policy when the queue
// is full: oldest microbar batch first; an incoming microbar loses when none
// is queued; otherwise the oldest event goes. Caller holds mu.
func (c *Conn) enqueueLocked(ev Event) {
	if c.closed {
		return
	}
	if len(c.queue) < c.hub.cfg.QueueCap {
		c.queue = append(c.queue, ev)
		c.kick()
		return
	}

	if i := c.oldestMicroLocked(); i >= 0 {
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		c.queue = append(c.queue, ev)
	} else if ev.Name == EventMicrobarBatch {
		// Nothing evictable and the newcomer is a microbar: it loses.
	} else {
		c.queue = append(c.queue[:0], c.queue[1:]...)
		c.queue = append(c.queue, ev)
	}
	c.dropped++
	if c.hub.OnDrop != nil {
		c.hub.OnDrop()
	}
	c.kick()
}

func (c *Conn) oldestMicroLocked() int {
	for i, ev := range c.queue {
		if ev.Name == EventMicrobarBatch {
			return i
		}
	}
	return -1
}

// emitBarLocked enqueues a bar if it advances the symbol's watermark. Bars at
// or below the watermark are dropped silently and counted.
func (c *Conn) emitBarLocked(b model.Bar) {
	if b.Seq <= c.lastSent[b.Symbol] {
		if c.hub.OnSequenceViolation != nil {
			c.hub.OnSequenceViolation()
		}
		return
	}
	c.lastSent[b.Symbol] = b.Seq
	c.enqueueLocked(Event{Name: EventBar, ID: b.Seq, Data: b.JSON()})
}

// onBar receives live finalized bars from the bus. While the symbol is still
// seeding, bars are stashed and replayed after the seed so the per-symbol
// emission order stays strictly increasing.
func (c *Conn) onBar(v any) {
	b, ok := v.(model.Bar)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seeding[b.Symbol] {
		c.stash[b.Symbol] = append(c.stash[b.Symbol], b)
		return
	}
	c.emitBarLocked(b)
}

func (c *Conn) onMicro(v any) {
	mb, ok := v.(model.MicroBar)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending[mb.Symbol] = append(c.pending[mb.Symbol], mb)
	if len(c.pending[mb.Symbol]) >= c.hub.cfg.MicroBatchMax {
		c.flushMicroLocked(mb.Symbol)
		return
	}
	if c.microTimer == nil {
		c.microTimer = time.AfterFunc(c.hub.cfg.MicroBatchWait, c.flushAllMicro)
	}
}

func (c *Conn) flushAllMicro() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.microTimer = nil
	for sym := range c.pending {
		c.flushMicroLocked(sym)
	}
}

func (c *Conn) flushMicroLocked(symbol string) {
	batch := c.pending[symbol]
	if len(batch) == 0 {
		return
	}
	delete(c.pending, symbol)
	data, _ := json.Marshal(microBatch{Microbars: batch})
	c.enqueueLocked(Event{Name: EventMicrobarBatch, ID: -1, Data: data})
}

func (c *Conn) onTick(v any) {
	t, ok := v.(model.Tick)
	if !ok {
		return
	}
	data, _ := json.Marshal(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(Event{Name: EventTick, ID: -1, Data: data})
}

func (c *Conn) onSignal(v any) {
	s, ok := v.(*model.Signal)
	if !ok || !c.inScope[s.Symbol] {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(Event{Name: EventAlert, ID: -1, Data: s.JSON()})
}

// seed backfills each symbol from the history service, then releases the
// stashed live bars. Runs once per connection on its own goroutine.
func (c *Conn) seed(ctx context.Context) {
	for _, sym := range c.symbols {
		var bars []model.Bar
		if c.hub.history != nil {
			q := history.Query{
				Symbol:    sym,
				Timeframe: c.tf,
				Limit:     c.hub.cfg.SeedLimit,
				SinceSeq:  c.sinceSeq,
			}
			var err error
			bars, err = c.hub.history.GetHistory(ctx, q)
			if err != nil {
				log.Printf("[sse] seed %s failed: %v", sym, err)
				bars = nil
			}
		}
		c.finishSeed(sym, bars)
	}
}

func (c *Conn) finishSeed(symbol string, bars []model.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range bars {
		c.emitBarLocked(b)
	}
	for _, b := range c.stash[symbol] {
		c.emitBarLocked(b)
	}
	delete(c.stash, symbol)
	c.seeding[symbol] = false
}

func (c *Conn) enqueuePing(nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make([]byte, 0, 64)
	data = append(data, `{"ts":`...)
	data = strconv.AppendInt(data, nowMs, 10)
	data = append(data, `,"buffered":`...)
	data = strconv.AppendInt(data, int64(len(c.queue)), 10)
	data = append(data, `,"dropped":`...)
	data = strconv.AppendUint(data, c.dropped, 10)
	data = append(data, '}')
	c.enqueueLocked(Event{Name: EventPing, ID: -1, Data: data})
}

// serve drains the queue onto the wire until ctx ends or a write fails.
func (c *Conn) serve(ctx context.Context, w http.ResponseWriter, flusher http.Flusher) error {
	ping := time.NewTicker(c.hub.cfg.PingInterval)
	defer ping.Stop()

	var wire []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			c.enqueuePing(c.hub.cfg.NowMs())
		case <-c.notify:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			batch := c.queue
			c.queue = nil
			c.mu.Unlock()

			wire = wire[:0]
			for _, ev := range batch {
				wire = ev.appendWire(wire)
				if c.hub.OnEvent != nil {
					c.hub.OnEvent(ev.Name)
				}
			}
			if _, err := w.Write(wire); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// close marks the connection dead and releases its bus subscriptions and the
// micro-batch timer. Idempotent.
func (c *Conn) close() {
	c.mu.Lock()
	c.closed = true
	if c.microTimer != nil {
		c.microTimer.Stop()
		c.microTimer = nil
	}
	c.mu.Unlock()

	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
}
