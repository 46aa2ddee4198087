package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the market-data pipeline.
type Metrics struct {
	// Ingestion
	TicksTotal         prometheus.Counter
	MalformedTicks     prometheus.Counter
	LateTicks          prometheus.Counter
	FutureTicksClamped prometheus.Counter
	WSReconnects       prometheus.Counter
	RingBufOverflow    prometheus.Counter

	// Bar pipeline
	BarsTotal       prometheus.Counter
	MicrobarsTotal  prometheus.Counter
	RollupBarsTotal *prometheus.CounterVec // labels: tf
	RollupDur       prometheus.Histogram
	IndicatorDur    prometheus.Histogram

	// Triggers and signals
	TriggerFires    *prometheus.CounterVec // labels: rule
	SignalsAdmitted prometheus.Counter
	SignalsRejected *prometheus.CounterVec // labels: reason

	// SSE fan-out
	SSEConnections     prometheus.Gauge
	SSEEventsTotal     *prometheus.CounterVec // labels: type
	SSEDroppedTotal    prometheus.Counter
	SequenceViolations prometheus.Counter

	// History service
	HistoryRequests *prometheus.CounterVec // labels: source
	HistoryDur      prometheus.Histogram
	CoalescerHits   prometheus.Counter
	VendorErrors    prometheus.Counter
	VendorBreaker   prometheus.Gauge // 0=closed, 1=open, 2=half-open

	// Replay
	ReplaySessions prometheus.Gauge

	// Stores
	SQLiteCommitDur     prometheus.Histogram
	AuditWrites         prometheus.Counter
	AuditBufferedWrites prometheus.Counter
	AuditBreakerState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_ticks_total",
			Help: "Total trade ticks received from the feed",
		}),
		MalformedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_malformed_ticks_total",
			Help: "Ticks dropped for failing validation",
		}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_late_ticks_total",
			Help: "Ticks dropped for arriving more than one minute late",
		}),
		FutureTicksClamped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_future_ticks_clamped_total",
			Help: "Ticks with future timestamps clamped to wall clock",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_ws_reconnects_total",
			Help: "Total feed WebSocket reconnection attempts",
		}),
		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_ringbuf_overflow_total",
			Help: "Tick ring buffer push overflows (dropped ticks)",
		}),

		BarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_bars_total",
			Help: "Total finalized 1m bars emitted",
		}),
		MicrobarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_microbars_total",
			Help: "Total in-progress micro-bar snapshots emitted",
		}),
		RollupBarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_rollup_bars_total",
			Help: "Total rolled-up bars emitted (by timeframe)",
		}, []string{"tf"}),
		RollupDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketd_rollup_duration_seconds",
			Help:    "Rollup processing latency per finalized 1m bar",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		IndicatorDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketd_indicator_compute_duration_seconds",
			Help:    "Indicator spine compute latency per finalized 1m bar",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),

		TriggerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_trigger_fires_total",
			Help: "Pattern trigger fires (by rule)",
		}, []string{"rule"}),
		SignalsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_signals_admitted_total",
			Help: "Signals admitted by the risk governor",
		}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_signals_rejected_total",
			Help: "Signals rejected by the risk governor (by reason)",
		}, []string{"reason"}),

		SSEConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketd_sse_connections",
			Help: "Currently open SSE connections",
		}),
		SSEEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_sse_events_total",
			Help: "SSE events written (by event type)",
		}, []string{"type"}),
		SSEDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_sse_dropped_total",
			Help: "SSE events dropped under backpressure",
		}),
		SequenceViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_sequence_violations_total",
			Help: "Bars dropped for violating per-symbol seq ordering",
		}),

		HistoryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_history_requests_total",
			Help: "History queries served (by resolution source)",
		}, []string{"source"}),
		HistoryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketd_history_duration_seconds",
			Help:    "History query resolution latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),
		CoalescerHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_coalescer_hits_total",
			Help: "History queries coalesced onto an already-inflight call",
		}),
		VendorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_vendor_errors_total",
			Help: "Vendor history REST failures",
		}),
		VendorBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketd_vendor_circuit_breaker_state",
			Help: "Vendor REST circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),

		ReplaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketd_replay_sessions",
			Help: "Currently running replay sessions",
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketd_sqlite_commit_duration_seconds",
			Help:    "SQLite bar archive batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		AuditWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_audit_writes_total",
			Help: "Bars mirrored to the Redis audit stream",
		}),
		AuditBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketd_audit_buffered_writes_total",
			Help: "Audit writes buffered locally during circuit breaker open state",
		}),
		AuditBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketd_audit_circuit_breaker_state",
			Help: "Redis audit circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.MalformedTicks,
		m.LateTicks,
		m.FutureTicksClamped,
		m.WSReconnects,
		m.RingBufOverflow,
		m.BarsTotal,
		m.MicrobarsTotal,
		m.RollupBarsTotal,
		m.RollupDur,
		m.IndicatorDur,
		m.TriggerFires,
		m.SignalsAdmitted,
		m.SignalsRejected,
		m.SSEConnections,
		m.SSEEventsTotal,
		m.SSEDroppedTotal,
		m.SequenceViolations,
		m.HistoryRequests,
		m.HistoryDur,
		m.CoalescerHits,
		m.VendorErrors,
		m.VendorBreaker,
		m.ReplaySessions,
		m.SQLiteCommitDur,
		m.AuditWrites,
		m.AuditBufferedWrites,
		m.AuditBreakerState,
	)

	return m
}

// StatusSnapshot is the race-free view of HealthStatus used by HTTP handlers.
type StatusSnapshot struct {
	Source       string    `json:"source"` // live | sim | replay | none
	FeedError    string    `json:"reason,omitempty"`
	Session      string    `json:"session"`
	Open         bool      `json:"open"`
	FeedOK       bool      `json:"feed_connected"`
	LastTickTime time.Time `json:"last_tick_time"`
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected bool
	LastTickTime  time.Time
	Source        string // live | sim | replay | none
	FeedError     string
	SessionLabel  string
	MarketOpen    bool

	// Optional dependencies: only required when enabled.
	redisEnabled  bool
	sqliteEnabled bool

	RedisConnected bool
	SQLiteOK       bool

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		Source:    "none",
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// SetSource records the active tick source and the reason it degraded, if any.
func (h *HealthStatus) SetSource(source, reason string) {
	h.mu.Lock()
	h.Source = source
	h.FeedError = reason
	h.mu.Unlock()
}

func (h *HealthStatus) SetSession(label string, open bool) {
	h.mu.Lock()
	h.SessionLabel = label
	h.MarketOpen = open
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.redisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteEnabled(v bool) {
	h.mu.Lock()
	h.sqliteEnabled = v
	h.mu.Unlock()
}

// Snapshot returns the market-status view for /api/market/status.
func (h *HealthStatus) Snapshot() StatusSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return StatusSnapshot{
		Source:       h.Source,
		FeedError:    h.FeedError,
		Session:      h.SessionLabel,
		Open:         h.MarketOpen,
		FeedOK:       h.FeedConnected,
		LastTickTime: h.LastTickTime,
	}
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected && h.Source != "replay" {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if h.redisEnabled && !h.RedisConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if h.sqliteEnabled && !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		Source          string  `json:"source"`
		Session         string  `json:"session"`
		MarketOpen      bool    `json:"market_open"`
		FeedConnected   bool    `json:"feed_connected"`
		FeedError       string  `json:"feed_error,omitempty"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteEnabled   bool    `json:"sqlite_enabled"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Source:          h.Source,
		Session:         h.SessionLabel,
		MarketOpen:      h.MarketOpen,
		FeedConnected:   h.FeedConnected,
		FeedError:       h.FeedError,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisEnabled:    h.redisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.sqliteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
