// Package polygon is a minimal client for the Polygon.io aggregates REST API.
// Only the minute-aggregates route used for chart backfill is implemented.
//
// Usage example:
//
//	pc := polygon.NewClient(polygon.Config{APIKey: "your_api_key"})
//	aggs, err := pc.MinuteAggs(ctx, "SPY", fromMs, toMs, 500)
//	if err != nil { log.Fatal(err) }
//	fmt.Println("bars:", len(aggs))
package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultRoot = "https://api.polygon.io"

// aggsRoute is the v2 aggregates path: /range/<multiplier>/<timespan>/<from>/<to>.
const aggsRoute = "/v2/aggs/ticker/%s/range/1/minute/%d/%d"

// Config configures the REST client.
type Config struct {
	APIKey  string
	RootURL string        // default: https://api.polygon.io
	Timeout time.Duration // default: 10s
	Debug   bool
}

// Client is a Polygon.io aggregates REST client.
type Client struct {
	apiKey     string
	rootURL    string
	debug      bool
	httpClient *http.Client
}

// NewClient initializes the client with defaults mirroring the vendor docs.
func NewClient(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		rootURL:    strings.TrimRight(cfg.RootURL, "/"),
		debug:      cfg.Debug,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Agg is one aggregate window as returned by the vendor.
type Agg struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	VWAP   float64 `json:"vw"`
	StartT int64   `json:"t"` // window start, ms epoch
	Trades int64   `json:"n"`
}

type aggsResponse struct {
	Ticker       string `json:"ticker"`
	ResultsCount int    `json:"resultsCount"`
	Results      []Agg  `json:"results"`
	Status       string `json:"status"`
}

// MinuteAggs fetches 1-minute aggregates for symbol over [fromMs, toMs] inclusive,
// ascending by window start, at most limit entries. Error strings never contain
// the API key.
func (c *Client) MinuteAggs(ctx context.Context, symbol string, fromMs, toMs int64, limit int) ([]Agg, error) {
	path := fmt.Sprintf(aggsRoute, url.PathEscape(strings.ToUpper(symbol)), fromMs, toMs)

	q := url.Values{}
	q.Set("adjusted", "true")
	q.Set("sort", "asc")
	q.Set("limit", strconv.Itoa(limit))
	safeURL := c.rootURL + path + "?" + q.Encode()
	q.Set("apiKey", c.apiKey)
	fullURL := c.rootURL + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("polygon: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.debug {
		log.Printf("[polygon] GET %s", safeURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polygon: %s: %w", safeURL, redactKey(err, c.apiKey))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("polygon: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("polygon: %s: status %d: %s", safeURL, resp.StatusCode, truncate(string(raw), 200))
	}

	var out aggsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("polygon: parse response: %w", err)
	}

	if c.debug {
		log.Printf("[polygon] %s: %d aggs (status=%s)", symbol, len(out.Results), out.Status)
	}
	return out.Results, nil
}

// redactKey scrubs the API key from transport errors, which echo the full URL.
func redactKey(err error, key string) error {
	if key == "" {
		return err
	}
	s := strings.ReplaceAll(err.Error(), key, "REDACTED")
	return fmt.Errorf("%s", s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
