package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradecopilot/internal/history"
	"tradecopilot/internal/logger"
	"tradecopilot/internal/marketdata/replay"
	"tradecopilot/internal/model"
	"tradecopilot/internal/session"
)

// handleHistory delegates to the history service. Backend failures degrade to
// an empty array so the chart keeps its last-known bars; only unexpected
// errors surface as 5xx.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}

	tf := model.TF1m
	if raw := q.Get("timeframe"); raw != "" {
		parsed, err := model.ParseTimeframe(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tf = parsed
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	var before int64
	if raw := q.Get("before"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			before = n
		}
	}
	sinceSeq := int64(-1)
	if raw := q.Get("sinceSeq"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			sinceSeq = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	bars, err := s.deps.History.GetHistory(ctx, history.Query{
		Symbol:    symbol,
		Timeframe: tf,
		Limit:     limit,
		Before:    before,
		SinceSeq:  sinceSeq,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			log.Printf("[api] history %s %s timed out: %v", symbol, tf, err)
			writeJSON(w, http.StatusOK, []model.Bar{})
			return
		}
		log.Printf("[api] history %s %s failed (req %s): %v", symbol, tf, logger.TraceID(r.Context()), err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if bars == nil {
		bars = []model.Bar{}
	}
	writeJSON(w, http.StatusOK, bars)
}

// handleChartTimeframe stores the active chart timeframe per symbol so the UI
// can restore it on the next connect. GET reads it back, default 1m.
func (s *Server) handleChartTimeframe(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "symbol required")
			return
		}
		s.prefMu.RLock()
		tf, ok := s.prefs[symbol]
		s.prefMu.RUnlock()
		if !ok {
			tf = model.TF1m
		}
		writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "timeframe": string(tf)})
		return
	}

	var req struct {
		Symbol    string `json:"symbol"`
		Timeframe string `json:"timeframe"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	tf, err := model.ParseTimeframe(req.Timeframe)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.prefMu.Lock()
	s.prefs[symbol] = tf
	s.prefMu.Unlock()
	log.Printf("[api] chart timeframe %s -> %s", symbol, tf)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "symbol": symbol, "timeframe": string(tf)})
}

// handleMarketStatus reports the active tick source and exchange session. The
// session fields are computed at request time so they are never stale.
func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	source, reason := "none", ""
	if s.deps.Health != nil {
		snap := s.deps.Health.Snapshot()
		source, reason = snap.Source, snap.FeedError
	}
	w.Header().Set("X-Epoch-Id", s.deps.EpochID)
	w.Header().Set("X-Epoch-Start-Ms", strconv.FormatInt(s.deps.EpochStartMs, 10))
	w.Header().Set("X-Market-Source", source)

	now := time.Now().UnixMilli()
	writeJSON(w, http.StatusOK, struct {
		Source  string `json:"source"`
		Reason  string `json:"reason,omitempty"`
		Session string `json:"session"`
		Open    bool   `json:"open"`
	}{
		Source:  source,
		Reason:  reason,
		Session: session.Label(now),
		Open:    session.IsRegularTradingHours(now),
	})
}

// replayError is the {ok:false,error} shape replay clients expect.
func replayError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}

func (s *Server) handleReplayStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Replay == nil {
		replayError(w, http.StatusServiceUnavailable, "replay disabled")
		return
	}
	var req struct {
		Symbol string  `json:"symbol"`
		FromMs int64   `json:"fromMs"`
		ToMs   int64   `json:"toMs"`
		Speed  float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		replayError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		replayError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if req.ToMs <= req.FromMs {
		replayError(w, http.StatusBadRequest, "toMs must be after fromMs")
		return
	}

	n, err := s.deps.Replay.Start(r.Context(), symbol, req.FromMs, req.ToMs, req.Speed)
	if err != nil {
		if errors.Is(err, replay.ErrNotFound) {
			replayError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("[api] replay start %s failed: %v", symbol, err)
		replayError(w, http.StatusInternalServerError, "replay start failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "symbol": symbol, "bars": n})
}

func (s *Server) handleReplayStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Replay == nil {
		replayError(w, http.StatusServiceUnavailable, "replay disabled")
		return
	}
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		replayError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		replayError(w, http.StatusBadRequest, "symbol required")
		return
	}
	// Stopping an absent session is not an error; stopped reports it.
	stopped := s.deps.Replay.Stop(symbol)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "symbol": symbol, "stopped": stopped})
}

func (s *Server) handleReplaySpeed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Replay == nil {
		replayError(w, http.StatusServiceUnavailable, "replay disabled")
		return
	}
	var req struct {
		Symbol string  `json:"symbol"`
		Speed  float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		replayError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		replayError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if req.Speed <= 0 {
		replayError(w, http.StatusBadRequest, "speed must be positive")
		return
	}
	if !s.deps.Replay.SetSpeed(symbol, req.Speed) {
		replayError(w, http.StatusNotFound, "no replay session for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "symbol": symbol, "speed": req.Speed})
}
