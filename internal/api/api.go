// Package api mounts the UI-facing HTTP surface: history queries, the SSE
// stream, chart preferences, market status, and replay control.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"tradecopilot/internal/history"
	"tradecopilot/internal/logger"
	"tradecopilot/internal/metrics"
	"tradecopilot/internal/model"
)

// History serves bar queries. Implemented by *history.Service.
type History interface {
	GetHistory(ctx context.Context, q history.Query) ([]model.Bar, error)
}

// Replay controls playback sessions. Implemented by *replay.Engine.
type Replay interface {
	Start(ctx context.Context, symbol string, fromMs, toMs int64, speed float64) (int, error)
	Stop(symbol string) bool
	SetSpeed(symbol string, speed float64) bool
}

// Config tunes the API layer.
type Config struct {
	// Timeout bounds each history fetch (TOOL_TIMEOUT_MS). Default 1500ms.
	Timeout time.Duration
}

// Deps are the collaborators the handlers delegate to. Stream is the SSE hub;
// nil Replay disables the replay endpoints.
type Deps struct {
	History      History
	Stream       http.Handler
	Replay       Replay
	Health       *metrics.HealthStatus
	EpochID      string
	EpochStartMs int64
}

// Server is the REST + SSE front of marketd.
type Server struct {
	cfg  Config
	deps Deps

	prefMu sync.RWMutex
	prefs  map[string]model.Timeframe // active chart timeframe per symbol
}

// NewServer builds the API server. Mount Router() on an http.Server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1500 * time.Millisecond
	}
	return &Server{
		cfg:   cfg,
		deps:  deps,
		prefs: make(map[string]model.Timeframe),
	}
}

// Router wires every route behind the CORS and request-ID middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(requestIDMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/chart/timeframe", s.handleChartTimeframe).
		Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	api.HandleFunc("/market/status", s.handleMarketStatus).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/replay/start", s.handleReplayStart).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/replay/stop", s.handleReplayStop).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/replay/speed", s.handleReplaySpeed).Methods(http.MethodPost, http.MethodOptions)

	if s.deps.Stream != nil {
		r.Handle("/realtime/sse", s.deps.Stream).Methods(http.MethodGet)
	}
	if s.deps.Health != nil {
		r.HandleFunc("/healthz", s.deps.Health.ServeHTTP).Methods(http.MethodGet)
	}
	return r
}

// requestIDMiddleware tags each request for log correlation.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := logger.RequestID()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithTraceID(r.Context(), id)))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
