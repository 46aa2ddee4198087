package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tradecopilot/internal/history"
	"tradecopilot/internal/marketdata/replay"
	"tradecopilot/internal/metrics"
	"tradecopilot/internal/model"
)

type fakeHistory struct {
	mu      sync.Mutex
	queries []history.Query
	bars    []model.Bar
	delay   time.Duration
	err     error
}

func (f *fakeHistory) GetHistory(ctx context.Context, q history.Query) ([]model.Bar, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.bars, f.err
}

func (f *fakeHistory) last(t *testing.T) history.Query {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		t.Fatalf("no history queries recorded")
	}
	return f.queries[len(f.queries)-1]
}

type fakeReplay struct {
	startN   int
	startErr error
	running  map[string]bool
}

func (f *fakeReplay) Start(_ context.Context, symbol string, _, _ int64, _ float64) (int, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	if f.running == nil {
		f.running = make(map[string]bool)
	}
	f.running[symbol] = true
	return f.startN, nil
}

func (f *fakeReplay) Stop(symbol string) bool {
	if f.running[symbol] {
		delete(f.running, symbol)
		return true
	}
	return false
}

func (f *fakeReplay) SetSpeed(symbol string, _ float64) bool { return f.running[symbol] }

func testBar(seq int64) model.Bar {
	start := seq * 60_000
	return model.Bar{
		Symbol: "SPY", Timeframe: model.TF1m, Seq: seq,
		BarStart: start, BarEnd: start + 60_000,
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000,
	}
}

func newTestServer(hist History, rep Replay) *Server {
	return NewServer(Config{Timeout: 200 * time.Millisecond}, Deps{
		History:      hist,
		Replay:       rep,
		Health:       metrics.NewHealthStatus(),
		EpochID:      "epoch-test",
		EpochStartMs: 1111,
	})
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestHistoryQueryMapping(t *testing.T) {
	hist := &fakeHistory{bars: []model.Bar{testBar(100), testBar(101)}}
	router := newTestServer(hist, nil).Router()

	rec := doReq(t, router, http.MethodGet, "/api/history?symbol=spy&timeframe=5m&limit=50&sinceSeq=100", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	q := hist.last(t)
	if q.Symbol != "SPY" || q.Timeframe != model.TF5m || q.Limit != 50 || q.SinceSeq != 100 || q.Before != 0 {
		t.Errorf("query = %+v, want SPY/5m/50/since 100/no before", q)
	}

	var bars []model.Bar
	if err := json.Unmarshal(rec.Body.Bytes(), &bars); err != nil {
		t.Fatalf("decode bars: %v", err)
	}
	if len(bars) != 2 || bars[0].Seq != 100 {
		t.Errorf("got %d bars first seq %d, want 2 bars from 100", len(bars), bars[0].Seq)
	}

	// Absent sinceSeq maps to -1, absent timeframe to 1m.
	doReq(t, router, http.MethodGet, "/api/history?symbol=QQQ&before=120000", nil)
	q = hist.last(t)
	if q.Symbol != "QQQ" || q.Timeframe != model.TF1m || q.SinceSeq != -1 || q.Before != 120000 {
		t.Errorf("query = %+v, want QQQ/1m/since -1/before 120000", q)
	}
}

func TestHistoryValidation(t *testing.T) {
	router := newTestServer(&fakeHistory{}, nil).Router()

	if rec := doReq(t, router, http.MethodGet, "/api/history", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing symbol: status = %d, want 400", rec.Code)
	}
	if rec := doReq(t, router, http.MethodGet, "/api/history?symbol=SPY&timeframe=7m", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad timeframe: status = %d, want 400", rec.Code)
	}
}

func TestHistoryNeverNull(t *testing.T) {
	router := newTestServer(&fakeHistory{bars: nil}, nil).Router()

	rec := doReq(t, router, http.MethodGet, "/api/history?symbol=SPY", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("empty result body = %q, want []", body)
	}
}

func TestHistoryTimeoutDegradesEmpty(t *testing.T) {
	hist := &fakeHistory{bars: []model.Bar{testBar(1)}, delay: time.Second}
	srv := NewServer(Config{Timeout: 30 * time.Millisecond}, Deps{History: hist})

	rec := doReq(t, srv.Router(), http.MethodGet, "/api/history?symbol=SPY", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("timed-out body = %q, want []", body)
	}
}

func TestChartTimeframeRoundTrip(t *testing.T) {
	router := newTestServer(&fakeHistory{}, nil).Router()

	rec := doReq(t, router, http.MethodPost, "/api/chart/timeframe",
		map[string]string{"symbol": "spy", "timeframe": "5m"})
	if rec.Code != http.StatusOK {
		t.Fatalf("post status = %d: %s", rec.Code, rec.Body.String())
	}
	if m := decodeMap(t, rec); m["ok"] != true || m["timeframe"] != "5m" {
		t.Errorf("post response = %v, want ok 5m", m)
	}

	rec = doReq(t, router, http.MethodGet, "/api/chart/timeframe?symbol=SPY", nil)
	if m := decodeMap(t, rec); m["timeframe"] != "5m" {
		t.Errorf("stored timeframe = %v, want 5m", m["timeframe"])
	}

	// Unset symbols default to 1m.
	rec = doReq(t, router, http.MethodGet, "/api/chart/timeframe?symbol=QQQ", nil)
	if m := decodeMap(t, rec); m["timeframe"] != "1m" {
		t.Errorf("default timeframe = %v, want 1m", m["timeframe"])
	}

	rec = doReq(t, router, http.MethodPost, "/api/chart/timeframe",
		map[string]string{"symbol": "SPY", "timeframe": "7m"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad timeframe status = %d, want 400", rec.Code)
	}
}

func TestMarketStatus(t *testing.T) {
	srv := newTestServer(&fakeHistory{}, nil)
	srv.deps.Health.SetSource("sim", "feed unavailable")
	router := srv.Router()

	rec := doReq(t, router, http.MethodGet, "/api/market/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Epoch-Id"); got != "epoch-test" {
		t.Errorf("X-Epoch-Id = %q, want epoch-test", got)
	}
	if got := rec.Header().Get("X-Epoch-Start-Ms"); got != "1111" {
		t.Errorf("X-Epoch-Start-Ms = %q, want 1111", got)
	}
	if got := rec.Header().Get("X-Market-Source"); got != "sim" {
		t.Errorf("X-Market-Source = %q, want sim", got)
	}

	m := decodeMap(t, rec)
	if m["source"] != "sim" || m["reason"] != "feed unavailable" {
		t.Errorf("body = %v, want sim source with reason", m)
	}
	if sess, ok := m["session"].(string); !ok || sess == "" {
		t.Errorf("session label missing from %v", m)
	}
	if _, ok := m["open"].(bool); !ok {
		t.Errorf("open flag missing from %v", m)
	}
}

func TestReplayEndpoints(t *testing.T) {
	t.Run("start ok", func(t *testing.T) {
		router := newTestServer(&fakeHistory{}, &fakeReplay{startN: 42}).Router()
		rec := doReq(t, router, http.MethodPost, "/api/replay/start",
			map[string]any{"symbol": "spy", "fromMs": 0, "toMs": 60000, "speed": 10})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		if m := decodeMap(t, rec); m["ok"] != true || m["bars"] != float64(42) {
			t.Errorf("response = %v, want ok with 42 bars", m)
		}
	})

	t.Run("start empty window", func(t *testing.T) {
		router := newTestServer(&fakeHistory{}, &fakeReplay{startErr: replay.ErrNotFound}).Router()
		rec := doReq(t, router, http.MethodPost, "/api/replay/start",
			map[string]any{"symbol": "SPY", "fromMs": 0, "toMs": 60000})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		m := decodeMap(t, rec)
		if m["ok"] != false {
			t.Errorf("ok = %v, want false", m["ok"])
		}
		if msg, ok := m["error"].(string); !ok || msg == "" {
			t.Errorf("error message missing from %v", m)
		}
	})

	t.Run("start inverted window", func(t *testing.T) {
		router := newTestServer(&fakeHistory{}, &fakeReplay{}).Router()
		rec := doReq(t, router, http.MethodPost, "/api/replay/start",
			map[string]any{"symbol": "SPY", "fromMs": 60000, "toMs": 0})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("stop idempotent", func(t *testing.T) {
		rep := &fakeReplay{startN: 1}
		router := newTestServer(&fakeHistory{}, rep).Router()
		doReq(t, router, http.MethodPost, "/api/replay/start",
			map[string]any{"symbol": "SPY", "fromMs": 0, "toMs": 60000})

		rec := doReq(t, router, http.MethodPost, "/api/replay/stop", map[string]string{"symbol": "SPY"})
		if m := decodeMap(t, rec); rec.Code != http.StatusOK || m["stopped"] != true {
			t.Errorf("first stop = %d %v, want 200 stopped", rec.Code, m)
		}
		rec = doReq(t, router, http.MethodPost, "/api/replay/stop", map[string]string{"symbol": "SPY"})
		if m := decodeMap(t, rec); rec.Code != http.StatusOK || m["ok"] != true || m["stopped"] != false {
			t.Errorf("second stop = %d %v, want 200 ok not-stopped", rec.Code, m)
		}
	})

	t.Run("speed", func(t *testing.T) {
		rep := &fakeReplay{startN: 1}
		router := newTestServer(&fakeHistory{}, rep).Router()

		rec := doReq(t, router, http.MethodPost, "/api/replay/speed",
			map[string]any{"symbol": "SPY", "speed": 4})
		if rec.Code != http.StatusNotFound {
			t.Errorf("no session: status = %d, want 404", rec.Code)
		}

		doReq(t, router, http.MethodPost, "/api/replay/start",
			map[string]any{"symbol": "SPY", "fromMs": 0, "toMs": 60000})
		rec = doReq(t, router, http.MethodPost, "/api/replay/speed",
			map[string]any{"symbol": "SPY", "speed": 4})
		if m := decodeMap(t, rec); rec.Code != http.StatusOK || m["ok"] != true {
			t.Errorf("speed = %d %v, want 200 ok", rec.Code, m)
		}

		rec = doReq(t, router, http.MethodPost, "/api/replay/speed",
			map[string]any{"symbol": "SPY", "speed": -1})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("negative speed: status = %d, want 400", rec.Code)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		router := newTestServer(&fakeHistory{}, nil).Router()
		rec := doReq(t, router, http.MethodPost, "/api/replay/start",
			map[string]any{"symbol": "SPY", "fromMs": 0, "toMs": 60000})
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	router := newTestServer(&fakeHistory{}, nil).Router()

	rec := doReq(t, router, http.MethodOptions, "/api/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("preflight status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}

func TestRequestIDHeader(t *testing.T) {
	router := newTestServer(&fakeHistory{}, nil).Router()

	rec := doReq(t, router, http.MethodGet, "/api/market/status", nil)
	if got := rec.Header().Get("X-Request-ID"); len(got) != 8 {
		t.Errorf("X-Request-ID = %q, want 8-char id", got)
	}
}
