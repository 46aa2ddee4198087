package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sort"
	"sync"
	"time"

	"tradecopilot/internal/model"

	"github.com/gorilla/websocket"
)

// WSConfig holds configuration for the WebSocket tick source.
type WSConfig struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// Symbols subscribed at session start.
	Symbols []string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 5s.
	MaxReconnectDelay time.Duration
}

func (c *WSConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 5 * time.Second
	}
}

// control is the subscription frame sent to the server.
type control struct {
	Action  string   `json:"action"` // "subscribe" | "unsubscribe"
	Symbols []string `json:"symbols"`
}

// WSSource streams JSON trade ticks from a plain WebSocket endpoint
// (cmd/feedsim or any vendor gateway speaking the same wire format).
// Reconnects automatically with exponential backoff and replays the
// desired subscription set after each reconnect.
type WSSource struct {
	cfg WSConfig

	mu   sync.Mutex
	want map[string]bool // desired subscription set
	conn *websocket.Conn // nil while disconnected

	disconnects chan error

	// Optional hooks, set before Run.
	OnConnect   func()
	OnReconnect func()
	OnDropped   func() // tickCh full, tick dropped
}

// NewWS creates a WebSocket tick source. Returns a FatalError if the URL is
// unusable, since no amount of retrying will fix it.
func NewWS(cfg WSConfig) (*WSSource, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("parse url %q: %w", cfg.URL, err)}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &FatalError{Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	want := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		want[s] = true
	}
	return &WSSource{
		cfg:         cfg,
		want:        want,
		disconnects: make(chan error, 8),
	}, nil
}

// Disconnects yields a notification per transient disconnect.
func (s *WSSource) Disconnects() <-chan error { return s.disconnects }

// Subscribe adds symbols to the live subscription. Safe while disconnected;
// the set is replayed on the next connect.
func (s *WSSource) Subscribe(symbols ...string) error {
	s.mu.Lock()
	for _, sym := range symbols {
		s.want[sym] = true
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.sendControl(conn, "subscribe", symbols)
}

// Unsubscribe removes symbols from the live subscription.
func (s *WSSource) Unsubscribe(symbols ...string) error {
	s.mu.Lock()
	for _, sym := range symbols {
		delete(s.want, sym)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.sendControl(conn, "unsubscribe", symbols)
}

func (s *WSSource) sendControl(conn *websocket.Conn, action string, symbols []string) error {
	msg, _ := json.Marshal(control{Action: action, Symbols: symbols})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return nil // connection already replaced
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// Run connects to the WebSocket and streams ticks into tickCh.
// Blocks until ctx is cancelled. Reconnects automatically on disconnect.
func (s *WSSource) Run(ctx context.Context, tickCh chan<- model.Tick) error {
	delay := s.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := s.runOnce(ctx, tickCh)
		if err == nil {
			// Context cancelled cleanly
			return nil
		}

		log.Printf("[feed] disconnected (%v), reconnecting in %s...", err, delay)
		s.notifyDisconnect(&TransientError{Err: err})
		if s.OnReconnect != nil {
			s.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		// Exponential backoff
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel.
func (s *WSSource) runOnce(ctx context.Context, tickCh chan<- model.Tick) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[feed] connected to %s", s.cfg.URL)

	s.mu.Lock()
	s.conn = conn
	syms := make([]string, 0, len(s.want))
	for sym := range s.want {
		syms = append(syms, sym)
	}
	s.mu.Unlock()
	sort.Strings(syms)

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	if len(syms) > 0 {
		if err := s.sendControl(conn, "subscribe", syms); err != nil {
			return err
		}
	}
	if s.OnConnect != nil {
		s.OnConnect()
	}

	// Async context watcher closes the connection when ctx is cancelled.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		var tick model.Tick
		if err := json.Unmarshal(raw, &tick); err != nil {
			log.Printf("[feed] parse error: %v (raw: %s)", err, raw)
			continue
		}
		if tick.Symbol == "" {
			continue
		}

		select {
		case tickCh <- tick:
		default:
			if s.OnDropped != nil {
				s.OnDropped()
			}
		}
	}
}

func (s *WSSource) notifyDisconnect(err error) {
	select {
	case s.disconnects <- err:
	default:
	}
}
