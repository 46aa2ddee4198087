package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Tick feed
	FeedWSURL string // WebSocket tick source, e.g. "ws://localhost:9001/ws"
	Symbols   string // comma-separated, e.g. "SPY,QQQ,AAPL"

	// Vendor history REST
	VendorBaseURL string
	VendorAPIKey  string
	VendorMock    bool // serve deterministic synthetic history instead of vendor REST

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string // empty disables the local bar archive
	ListenAddr    string
	MetricsAddr   string

	// Pipeline tuning
	HistoryInitLimit     int    // bars served on initial chart load (50..1000)
	HistoryInitTimeframe string // timeframe of the initial load
	ToolTimeoutMS        int    // per-request budget for history resolution (500..5000)
	RingBufferCap        int    // per-symbol recent-bar window capacity (1000..10000)
	MicrobarMS           int    // micro-bar snapshot cadence (50..1000)
	Session              string // "RTH" or "RTH_EXT"

	// Feature flags
	TimeframeRollups bool // serve rolled-up timeframes beyond 1m
	MarketAudit      bool // mirror finalized bars to the Redis audit stream
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		FeedWSURL: getEnv("FEED_WS_URL", "ws://localhost:9001/ws"),
		Symbols:   getEnv("SYMBOLS", "SPY,QQQ"),

		VendorBaseURL: getEnv("VENDOR_BASE_URL", "https://api.polygon.io"),
		VendorAPIKey:  getEnv("VENDOR_API_KEY", ""),
		VendorMock:    getEnvBool("VENDOR_MOCK", false),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", ""),
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		HistoryInitLimit:     getEnvIntClamped("HISTORY_INIT_LIMIT", 300, 50, 1000),
		HistoryInitTimeframe: getEnvTimeframe("HISTORY_INIT_TIMEFRAME", "1m"),
		ToolTimeoutMS:        getEnvIntClamped("TOOL_TIMEOUT_MS", 1500, 500, 5000),
		RingBufferCap:        getEnvIntClamped("RING_BUFFER_CAP", 5000, 1000, 10000),
		MicrobarMS:           getEnvIntClamped("MICROBAR_MS", 200, 50, 1000),
		Session:              getEnvSession("SESSION", "RTH"),

		TimeframeRollups: getEnvBool("TIMEFRAME_ROLLUPS", true),
		MarketAudit:      getEnvBool("MARKET_AUDIT", false),
	}
}

// SymbolList parses the Symbols string into a deduplicated, uppercased slice.
func (c *Config) SymbolList() []string {
	parts := strings.Split(c.Symbols, ",")
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.ToUpper(strings.TrimSpace(p))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// ExtendedHours reports whether the configured session includes pre/post market.
func (c *Config) ExtendedHours() bool {
	return c.Session == "RTH_EXT"
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	log.Printf("[config] %s: invalid bool %q, using %v", key, v, fallback)
	return fallback
}

// getEnvIntClamped parses an int and clamps it into [min, max].
// Unset or unparseable values fall back to the default.
func getEnvIntClamped(key string, fallback, min, max int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] %s: invalid int %q, using %d", key, v, fallback)
		return fallback
	}
	if n < min {
		log.Printf("[config] %s: %d below minimum, clamping to %d", key, n, min)
		return min
	}
	if n > max {
		log.Printf("[config] %s: %d above maximum, clamping to %d", key, n, max)
		return max
	}
	return n
}

var validTimeframes = map[string]bool{
	"1m": true, "2m": true, "5m": true, "10m": true,
	"15m": true, "30m": true, "1h": true,
}

func getEnvTimeframe(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if v == "60m" {
		v = "1h"
	}
	if !validTimeframes[v] {
		log.Printf("[config] %s: unknown timeframe %q, using %s", key, v, fallback)
		return fallback
	}
	return v
}

func getEnvSession(key, fallback string) string {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback
	case "RTH", "RTH_EXT":
		return v
	}
	log.Printf("[config] %s: unknown session %q, using %s", key, v, fallback)
	return fallback
}
