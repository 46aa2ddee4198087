package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	_ "go.uber.org/automaxprocs"

	"tradecopilot/config"
	"tradecopilot/internal/api"
	"tradecopilot/internal/bus"
	"tradecopilot/internal/history"
	"tradecopilot/internal/logger"
	"tradecopilot/internal/marketdata/barbuilder"
	"tradecopilot/internal/marketdata/feed"
	"tradecopilot/internal/marketdata/pipeline"
	"tradecopilot/internal/marketdata/replay"
	"tradecopilot/internal/metrics"
	"tradecopilot/internal/model"
	"tradecopilot/internal/notification"
	"tradecopilot/internal/session"
	signalgov "tradecopilot/internal/signal"
	"tradecopilot/internal/sse"
	redisstore "tradecopilot/internal/store/redis"
	sqlitestore "tradecopilot/internal/store/sqlite"
	"tradecopilot/pkg/polygon"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[marketd] starting...")

	logger.Init("marketd", slog.LevelInfo)

	// ---- Load config from env ----
	cfg := config.Load()
	symbols := cfg.SymbolList()
	if len(symbols) == 0 {
		log.Fatalf("[marketd] no symbols configured (SYMBOLS=%q)", cfg.Symbols)
	}
	log.Printf("[marketd] symbols: %v, session: %s", symbols, cfg.Session)

	var rollups []model.Timeframe
	if cfg.TimeframeRollups {
		rollups = model.Timeframes[1:] // everything above 1m
	} else {
		log.Println("[marketd] timeframe rollups disabled, serving 1m only")
	}

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Event bus ----
	b := bus.New()
	b.OnListenerPanic = func(subject string, cause any) {
		log.Printf("[marketd] bus listener panic on %s: %v", subject, cause)
	}

	// ---- Risk governor ----
	governor := signalgov.NewGovernor(signalgov.DefaultLimits(), b, nil)
	governor.OnAdmit = func(*model.Signal) { prom.SignalsAdmitted.Inc() }
	governor.OnReject = func(reason string) { prom.SignalsRejected.WithLabelValues(reason).Inc() }

	// ---- Live pipeline (HOT PATH) ----
	pipe := pipeline.New(pipeline.Config{
		Symbols: symbols,
		RingCap: cfg.RingBufferCap,
		Rollups: rollups,
		Builder: barbuilder.Config{
			MicrobarInterval: time.Duration(cfg.MicrobarMS) * time.Millisecond,
		},
	}, b, governor)
	pipe.OnTick = func(t model.Tick) {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(time.Now())
	}
	pipe.OnBarFinal = func(model.Bar) { prom.BarsTotal.Inc() }
	pipe.OnMicrobar = func() { prom.MicrobarsTotal.Inc() }
	pipe.OnRollup = func(tf string) { prom.RollupBarsTotal.WithLabelValues(tf).Inc() }
	pipe.OnFire = func(rule string) { prom.TriggerFires.WithLabelValues(rule).Inc() }
	pipe.OnIndicatorDur = func(d time.Duration) { prom.IndicatorDur.Observe(d.Seconds()) }
	pipe.OnRollupDur = func(d time.Duration) { prom.RollupDur.Observe(d.Seconds()) }

	// ---- History service tiers ----
	histCfg := history.Config{
		Timeout:      time.Duration(cfg.ToolTimeoutMS) * time.Millisecond,
		DefaultLimit: cfg.HistoryInitLimit,
		Mock:         cfg.VendorMock,
	}
	var histOpts []history.Option

	// ---- SQLite bar archive (optional, off hot path) ----
	var sqlDB *sql.DB
	if cfg.SQLitePath != "" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			os.MkdirAll(dir, 0o755)
		}
		archiveWriter, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Fatalf("[marketd] sqlite archive init failed: %v", err)
		}
		defer archiveWriter.Close()
		archiveWriter.OnCommit = func(n int, elapsed time.Duration) {
			prom.SQLiteCommitDur.Observe(elapsed.Seconds())
		}
		archiveReader, err := sqlitestore.NewReader(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("[marketd] sqlite archive reader failed: %v", err)
		}
		defer archiveReader.Close()

		health.SetSQLiteEnabled(true)
		sqlDB = archiveWriter.DB()
		histOpts = append(histOpts, history.WithArchive(archiveReader), history.WithArchiver(archiveWriter))

		archiveCh := make(chan model.Bar, 5000)
		pipe.AddSink(archiveCh)
		go archiveWriter.Run(ctx, archiveCh)
		log.Printf("[marketd] sqlite archive ready at %s", cfg.SQLitePath)
	}

	// ---- Redis audit stream (optional) ----
	var auditWriter *redisstore.Writer
	if cfg.MarketAudit {
		w, err := redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[marketd] WARNING: redis audit init failed: %v (continuing without audit)", err)
		} else {
			auditWriter = w
			health.SetRedisEnabled(true)

			buffered := redisstore.NewBufferedWriter(ctx, auditWriter, 10000)
			buffered.OnBuffer = func() { prom.AuditBufferedWrites.Inc() }
			buffered.OnFlush = func(count int) {
				log.Printf("[marketd] audit stream recovered, flushed %d buffered bars", count)
			}
			buffered.OnStateChange = func(from, to gobreaker.State) {
				prom.AuditBreakerState.Set(breakerStateValue(to))
				log.Printf("[marketd] audit circuit breaker %s -> %s", from, to)
			}

			auditCh := make(chan model.Bar, 5000)
			pipe.AddSink(auditCh)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case bar := <-auditCh:
						if err := buffered.WriteBar(bar); err == nil {
							prom.AuditWrites.Inc()
						}
					}
				}
			}()
			log.Println("[marketd] redis audit stream ready")
		}
	}

	// ---- Periodic liveness checks ----
	if auditWriter != nil {
		health.StartLivenessChecker(ctx, auditWriter.Client(), sqlDB, 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, sqlDB, 10*time.Second)
	}

	// ---- Vendor history REST tier ----
	if cfg.VendorAPIKey != "" && !cfg.VendorMock {
		vendorAPI := polygon.NewClient(polygon.Config{
			APIKey:  cfg.VendorAPIKey,
			RootURL: cfg.VendorBaseURL,
		})
		vendor := history.NewVendor(vendorAPI, history.VendorConfig{})
		vendor.OnStateChange = func(from, to gobreaker.State) {
			prom.VendorBreaker.Set(breakerStateValue(to))
			log.Printf("[marketd] vendor circuit breaker %s -> %s", from, to)
		}
		histOpts = append(histOpts, history.WithVendor(vendor))
		log.Printf("[marketd] vendor history tier enabled (%s)", cfg.VendorBaseURL)
	} else if cfg.VendorMock {
		log.Println("[marketd] vendor mock enabled, serving synthetic history")
	} else {
		log.Println("[marketd] no VENDOR_API_KEY, history limited to local tiers")
	}

	hist := history.NewService(histCfg, pipe, histOpts...)
	hist.OnServed = func(source string, bars int, elapsed time.Duration) {
		prom.HistoryRequests.WithLabelValues(source).Inc()
		prom.HistoryDur.Observe(elapsed.Seconds())
	}
	hist.OnVendorError = func(error) { prom.VendorErrors.Inc() }
	hist.OnCoalesced(func() { prom.CoalescerHits.Inc() })

	// ---- Warm indicator state from history, then start the pipeline ----
	warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
	pipe.Warm(warmCtx, hist, cfg.HistoryInitLimit)
	warmCancel()

	go pipe.Run(ctx)
	log.Println("[marketd] pipeline ready")

	// ---- Drop counter deltas into Prometheus ----
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		var last pipeline.Stats
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur := pipe.Stats()
				prom.MalformedTicks.Add(float64(cur.Builder.Malformed - last.Builder.Malformed))
				prom.LateTicks.Add(float64(cur.Builder.Late - last.Builder.Late))
				prom.FutureTicksClamped.Add(float64(cur.Builder.Clamped - last.Builder.Clamped))
				prom.RingBufOverflow.Add(float64(cur.Builder.RingOverflow - last.Builder.RingOverflow))
				prom.SequenceViolations.Add(float64(cur.StoreViolations - last.StoreViolations))
				last = cur
			}
		}
	}()

	// ---- SSE hub ----
	hub := sse.NewHub(sse.Config{SeedLimit: cfg.HistoryInitLimit}, b, hist, pipe.M1Len)
	hub.OnConnect = func(active int) { prom.SSEConnections.Set(float64(active)) }
	hub.OnDisconnect = func(active int) { prom.SSEConnections.Set(float64(active)) }
	hub.OnEvent = func(name string) { prom.SSEEventsTotal.WithLabelValues(name).Inc() }
	hub.OnDrop = func() { prom.SSEDroppedTotal.Inc() }
	hub.OnSequenceViolation = func() { prom.SequenceViolations.Inc() }

	// ---- Replay engine ----
	var replayActive atomic.Bool
	updateSource := func() {
		switch {
		case replayActive.Load():
			health.SetSource("replay", "historical replay")
		case health.Snapshot().FeedOK:
			health.SetSource("live", "")
		default:
			health.SetSource("sim", "feed unavailable")
		}
	}

	replayEng := replay.NewEngine(replay.Config{}, b, hist)
	replayEng.OnActive = func(active int) {
		prom.ReplaySessions.Set(float64(active))
		replayActive.Store(active > 0)
		updateSource()
	}

	// ---- WS tick feed ----
	ws, err := feed.NewWS(feed.WSConfig{URL: cfg.FeedWSURL, Symbols: symbols})
	if err != nil {
		log.Fatalf("[marketd] feed init failed: %v", err)
	}
	ws.OnConnect = func() {
		health.SetFeedConnected(true)
		updateSource()
		log.Printf("[marketd] 📡 feed connected: %s", cfg.FeedWSURL)
	}
	ws.OnReconnect = func() { prom.WSReconnects.Inc() }
	updateSource()

	go func() {
		if err := ws.Run(ctx, pipe.TickIn()); err != nil && ctx.Err() == nil {
			log.Printf("[marketd] feed stopped: %v", err)
			health.SetFeedConnected(false)
			updateSource()
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-ws.Disconnects():
				health.SetFeedConnected(false)
				updateSource()
				log.Printf("[marketd] 🔌 feed disconnected: %v (reconnecting)", err)
			}
		}
	}()

	// ---- Session clock ----
	updateSession := func() {
		now := time.Now().UnixMilli()
		open := session.IsRegularTradingHours(now)
		if cfg.ExtendedHours() {
			open = open || session.IsExtendedHours(now)
		}
		health.SetSession(session.Label(now), open)
	}
	updateSession()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				updateSession()
			}
		}
	}()

	// ---- Signal notifications ----
	notifiers := []notification.Notifier{notification.NewLogNotifier()}
	if url := getEnv("ALERT_WEBHOOK_URL", ""); url != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(url))
		log.Println("[marketd] webhook alerts enabled")
	}
	if token := getEnv("TELEGRAM_BOT_TOKEN", ""); token != "" {
		if chatID := getEnv("TELEGRAM_CHAT_ID", ""); chatID != "" {
			notifiers = append(notifiers, notification.NewTelegramNotifier(token, chatID))
			log.Println("[marketd] telegram alerts enabled")
		}
	}
	dispatcher := notification.NewDispatcher(notifiers...)
	dispatcher.Attach(b)
	go dispatcher.Run(ctx)

	// ---- HTTP API ----
	apiSrv := api.NewServer(api.Config{
		Timeout: time.Duration(cfg.ToolTimeoutMS) * time.Millisecond,
	}, api.Deps{
		History:      hist,
		Stream:       hub,
		Replay:       replayEng,
		Health:       health,
		EpochID:      hub.EpochID(),
		EpochStartMs: hub.EpochStartMs(),
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[marketd] api listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[marketd] api server failed: %v", err)
		}
	}()

	log.Println("[marketd] ╔═══════════════════════════════════════════════════════════════╗")
	log.Println("[marketd] ║  TradeCopilot Market Data Engine                              ║")
	log.Println("[marketd] ║                                                               ║")
	log.Println("[marketd] ║  [Feed WS] → [1m Bars] → [Rollups + Indicators] → [SSE]       ║")
	log.Printf("[marketd] ║  Symbols: %-51v ║", symbols)
	log.Printf("[marketd] ║  Session: %-7s  epoch: %-27s ║", cfg.Session, hub.EpochID()[:8])
	log.Printf("[marketd] ║  API %-9s  metrics %-9s                          ║", cfg.ListenAddr, cfg.MetricsAddr)
	log.Println("[marketd] ╚═══════════════════════════════════════════════════════════════╝")

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[marketd] shutdown signal received, cleaning up...")
	cancel()

	// Give goroutines time to flush buffers
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	replayEng.Close()
	if auditWriter != nil {
		auditWriter.Close()
	}
	log.Println("[marketd] shutdown complete.")
}

// breakerStateValue maps gobreaker states onto the gauge encoding
// (0=closed, 1=open, 2=half-open).
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
