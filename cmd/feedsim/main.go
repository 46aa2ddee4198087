// cmd/feedsim — Demo WebSocket trade feed.
// Broadcasts simulated trade prints so marketd can run without vendor
// credentials. Supports per-client symbol subscriptions and an occasional
// burst interval for exercising ingest backpressure.
//
// Print JSON shape is identical to model.Tick:
//
//	{"symbol":"SPY","ts":1724679000123,"price":560.12,"size":200,"side":"B"}
//
// Clients may send subscription control frames; a client that never
// subscribes receives every symbol:
//
//	{"action":"subscribe","symbols":["SPY","QQQ"]}
//	{"action":"unsubscribe","symbols":["QQQ"]}
//
// Config (env vars):
//
//	FEEDSIM_ADDR         — listen address  (default: ":9001")
//	FEEDSIM_SYMBOLS      — comma-separated symbols (default: "SPY,QQQ")
//	FEEDSIM_INTERVAL_MS  — broadcast interval milliseconds (default: "250")
//	FEEDSIM_BURST        — prints per symbol on a burst interval (default: "40")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradecopilot/internal/model"
)

// symbolState holds the evolving simulated price for one symbol.
type symbolState struct {
	Symbol string
	Price  float64
	Anchor float64 // open price the walk mean-reverts toward
}

// step advances the walk: a ±0.1% move plus a mild pull back toward the
// anchor so prices do not drift to silly levels over a long session.
func (s *symbolState) step() {
	move := (rand.Float64()*0.2 - 0.1) / 100.0
	revert := (s.Anchor - s.Price) / s.Anchor * 0.002
	s.Price *= 1 + move + revert
	if s.Price < 0.01 {
		s.Price = 0.01
	}
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

// client is one WebSocket consumer. An empty subs set means "all symbols".
type client struct {
	ch   chan []byte
	mu   sync.Mutex
	subs map[string]bool
}

func (c *client) wants(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[symbol]
}

func (c *client) update(action string, symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if action == "subscribe" {
			c.subs[s] = true
		} else {
			delete(c.subs, s)
		}
	}
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{
		ch:   make(chan []byte, 256),
		subs: make(map[string]bool),
	}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(symbol string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(symbol) {
			continue
		}
		select {
		case c.ch <- msg:
		default: // slow consumer — shed the print
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// controlFrame is the subscription message clients send.
type controlFrame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] client connected: %s", r.RemoteAddr)

		c := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: consumes subscription frames until the client hangs up.
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var f controlFrame
				if err := json.Unmarshal(data, &f); err != nil {
					continue
				}
				switch f.Action {
				case "subscribe", "unsubscribe":
					c.update(f.Action, f.Symbols)
					log.Printf("[feedsim] %s %s %v", r.RemoteAddr, f.Action, f.Symbols)
				}
			}
		}()

		// Write pump: sends print JSON to this client.
		for msg := range c.ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Print generator ──────────────────────────────────────────────────────────

// printSize draws a plausible trade size: mostly odd lots, some round lots,
// the rare block print.
func printSize() float64 {
	switch r := rand.Float64(); {
	case r < 0.10:
		return float64((rand.Intn(20) + 1) * 100)
	case r < 0.12:
		return float64(rand.Intn(9_000) + 1_000)
	default:
		return float64(rand.Intn(99) + 1)
	}
}

func printSide() string {
	if rand.Intn(2) == 0 {
		return "B"
	}
	return "S"
}

// runFeed emits one print per symbol per interval. Roughly 2% of intervals
// are bursts that emit burst prints per symbol in a tight loop, which is
// enough to make marketd's ingest ring and bar-builder coalescing do real
// work during a demo.
func runFeed(h *hub, states []*symbolState, intervalMs, burst int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		n := 1
		if burst > 1 && rand.Float64() < 0.02 {
			n = burst
			log.Printf("[feedsim] burst interval: %d prints per symbol", n)
		}
		now := time.Now().UnixMilli()
		for _, st := range states {
			for i := 0; i < n; i++ {
				st.step()
				tk := model.Tick{
					Symbol: st.Symbol,
					TS:     now,
					Price:  math.Round(st.Price*100) / 100,
					Size:   printSize(),
					Side:   printSide(),
				}
				b, err := json.Marshal(tk)
				if err != nil {
					continue
				}
				h.broadcast(tk.Symbol, b)
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting demo trade feed...")

	// Config
	addr := getenv("FEEDSIM_ADDR", ":9001")
	symbolsEnv := getenv("FEEDSIM_SYMBOLS", "SPY,QQQ")
	intervalMs := getenvInt("FEEDSIM_INTERVAL_MS", 250)
	burst := getenvInt("FEEDSIM_BURST", 40)

	states := parseSymbols(symbolsEnv)
	if len(states) == 0 {
		log.Fatalf("[feedsim] no symbols configured via FEEDSIM_SYMBOLS")
	}
	for _, st := range states {
		log.Printf("[feedsim] %s starting at %.2f", st.Symbol, st.Price)
	}
	log.Printf("[feedsim] interval %dms, burst size %d", intervalMs, burst)

	h := newHub()
	go runFeed(h, states, intervalMs, burst)

	// HTTP routes
	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})

	log.Printf("[feedsim] ✅ listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseSymbols(s string) []*symbolState {
	// Plausible starting prices so charts look sane out of the box.
	openPrices := map[string]float64{
		"SPY":  560.00,
		"QQQ":  480.00,
		"AAPL": 230.00,
		"NVDA": 128.00,
		"TSLA": 250.00,
		"IWM":  220.00,
	}

	var states []*symbolState
	for _, part := range strings.Split(s, ",") {
		sym := strings.ToUpper(strings.TrimSpace(part))
		if sym == "" {
			continue
		}
		open := openPrices[sym]
		if open == 0 {
			open = 100.00
		}
		states = append(states, &symbolState{Symbol: sym, Price: open, Anchor: open})
	}
	return states
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
