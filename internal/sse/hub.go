// Package sse streams the live pipeline to chart clients over server-sent
// events. Each connection gets a bootstrap/epoch preamble, an async history
// seed per symbol, then live bars, micro-batches, ticks, and alerts, all
// filtered through per-symbol seq watermarks so emitted bar seqs are strictly
// increasing even across reconnects.
package sse

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradecopilot/internal/bus"
	"tradecopilot/internal/history"
	"tradecopilot/internal/model"
)

// HistoryProvider seeds connections. Satisfied by *history.Service.
type HistoryProvider interface {
	GetHistory(ctx context.Context, q history.Query) ([]model.Bar, error)
}

// Config tunes the hub. Zero values pick the production defaults.
type Config struct {
	SeedLimit      int           // bars per symbol on connect (default 300)
	QueueCap       int           // per-connection event queue (default 100)
	PingInterval   time.Duration // default 10s
	MicroBatchMax  int           // microbars per batch (default 5)
	MicroBatchWait time.Duration // max batch latency (default 20ms)
	NowMs          func() int64
}

func (c *Config) defaults() {
	if c.SeedLimit <= 0 {
		c.SeedLimit = 300
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 100
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.MicroBatchMax <= 0 {
		c.MicroBatchMax = 5
	}
	if c.MicroBatchWait <= 0 {
		c.MicroBatchWait = 20 * time.Millisecond
	}
	if c.NowMs == nil {
		c.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
}

// Hub fans the event bus out to SSE connections.
type Hub struct {
	cfg     Config
	bus     *bus.Bus
	history HistoryProvider
	warmLen func(symbol string) int // in-memory 1m depth, for the bootstrap warm flag

	epochID      string
	epochStartMs int64

	mu    sync.RWMutex
	conns map[*Conn]bool

	// Metric hooks. All optional, must be fast and non-blocking.
	OnConnect           func(active int)
	OnDisconnect        func(active int)
	OnEvent             func(name string)
	OnDrop              func()
	OnSequenceViolation func()
}

// NewHub creates a hub. The epoch id is minted here, once per process.
// history and warmLen may be nil (connections then seed empty/cold).
func NewHub(cfg Config, b *bus.Bus, hist HistoryProvider, warmLen func(string) int) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:          cfg,
		bus:          b,
		history:      hist,
		warmLen:      warmLen,
		epochID:      uuid.NewString(),
		epochStartMs: cfg.NowMs(),
		conns:        make(map[*Conn]bool),
	}
}

// EpochID returns the process epoch identifier.
func (h *Hub) EpochID() string { return h.epochID }

// EpochStartMs returns when this epoch began (ms).
func (h *Hub) EpochStartMs() int64 { return h.epochStartMs }

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

type bootstrapPayload struct {
	Now       int64           `json:"now"`
	Warm      bool            `json:"warm"`
	Symbols   []string        `json:"symbols"`
	Timeframe model.Timeframe `json:"timeframe"`
}

type epochPayload struct {
	EpochID      string          `json:"epochId"`
	EpochStartMs int64           `json:"epochStartMs"`
	Symbols      []string        `json:"symbols"`
	Timeframe    model.Timeframe `json:"timeframe"`
}

// ServeHTTP implements GET /realtime/sse?symbols=<csv>&timeframe=<tf>&sinceSeq=<n>.
// A Last-Event-ID header takes precedence over the sinceSeq query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		http.Error(w, "symbols required", http.StatusBadRequest)
		return
	}
	tf := model.TF1m
	if raw := r.URL.Query().Get("timeframe"); raw != "" {
		parsed, err := model.ParseTimeframe(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tf = parsed
	}
	sinceSeq := int64(-1)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			sinceSeq = v
		}
	} else if raw := r.URL.Query().Get("sinceSeq"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			sinceSeq = v
		}
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-store")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("X-Epoch-Id", h.epochID)
	header.Set("X-Epoch-Start-Ms", strconv.FormatInt(h.epochStartMs, 10))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newConn(h, symbols, tf, sinceSeq)

	h.mu.Lock()
	h.conns[conn] = true
	count := len(h.conns)
	h.mu.Unlock()
	log.Printf("[sse] client connected symbols=%v tf=%s since=%d (%d total)", symbols, tf, sinceSeq, count)
	if h.OnConnect != nil {
		h.OnConnect(count)
	}
	defer func() {
		conn.close()
		h.mu.Lock()
		delete(h.conns, conn)
		remaining := len(h.conns)
		h.mu.Unlock()
		log.Printf("[sse] client disconnected (%d total)", remaining)
		if h.OnDisconnect != nil {
			h.OnDisconnect(remaining)
		}
	}()

	// Preamble goes on the queue before any subscription can race it.
	boot, _ := json.Marshal(bootstrapPayload{
		Now:       h.cfg.NowMs(),
		Warm:      h.warm(symbols),
		Symbols:   symbols,
		Timeframe: tf,
	})
	epoch, _ := json.Marshal(epochPayload{
		EpochID:      h.epochID,
		EpochStartMs: h.epochStartMs,
		Symbols:      symbols,
		Timeframe:    tf,
	})
	conn.mu.Lock()
	conn.enqueueLocked(Event{Name: EventBootstrap, ID: -1, Data: boot})
	conn.enqueueLocked(Event{Name: EventEpoch, ID: -1, Data: epoch})
	conn.mu.Unlock()

	for _, sym := range symbols {
		conn.subs = append(conn.subs,
			h.bus.Subscribe(bus.BarSubject(sym, string(tf)), conn.onBar),
			h.bus.Subscribe(bus.MicrobarSubject(sym), conn.onMicro),
			h.bus.Subscribe(bus.TickSubject(sym), conn.onTick),
		)
	}
	conn.subs = append(conn.subs, h.bus.Subscribe(bus.SignalSubject, conn.onSignal))

	go conn.seed(r.Context())

	if err := conn.serve(r.Context(), w, flusher); err != nil && err != context.Canceled {
		log.Printf("[sse] write loop ended: %v", err)
	}
}

func (h *Hub) warm(symbols []string) bool {
	if h.warmLen == nil {
		return false
	}
	for _, sym := range symbols {
		if h.warmLen(sym) == 0 {
			return false
		}
	}
	return true
}

func splitSymbols(csv string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(csv, ",") {
		sym := strings.ToUpper(strings.TrimSpace(part))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
