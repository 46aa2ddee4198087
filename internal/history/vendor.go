package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradecopilot/internal/model"
	"tradecopilot/pkg/polygon"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// VendorSource fetches 1m bars from the vendor REST API.
// FetchM1 returns bars with window starts in [fromMs, toMs], ascending,
// at most limit entries.
type VendorSource interface {
	FetchM1(ctx context.Context, symbol string, fromMs, toMs int64, limit int) ([]model.Bar, error)
}

// VendorError wraps vendor REST failures. The service logs them (the client
// already redacts the API key) and serves empty; callers decide fallback.
type VendorError struct {
	Err error
}

func (e *VendorError) Error() string { return fmt.Sprintf("vendor history: %v", e.Err) }
func (e *VendorError) Unwrap() error { return e.Err }

// IsCircuitOpen reports whether err means the vendor breaker is rejecting
// calls without trying.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// VendorConfig tunes the breaker-and-limiter wrapper around the REST client.
type VendorConfig struct {
	// RPS paces outbound calls. Defaults to 2 requests/second.
	RPS float64
	// Burst is the limiter burst. Defaults to 4.
	Burst int
}

func (c *VendorConfig) defaults() {
	if c.RPS <= 0 {
		c.RPS = 2
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
}

// Vendor wraps the Polygon client with a circuit breaker and a rate limiter.
// Repeated failures open the breaker; while open, fetches fail fast with
// gobreaker.ErrOpenState and history degrades to empty results.
type Vendor struct {
	api     *polygon.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	// OnStateChange observes breaker transitions (for metrics). Set before use.
	OnStateChange func(from, to gobreaker.State)
}

// NewVendor wraps api. api must be non-nil.
func NewVendor(api *polygon.Client, cfg VendorConfig) *Vendor {
	cfg.defaults()
	v := &Vendor{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
	v.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vendor-history",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if v.OnStateChange != nil {
				v.OnStateChange(from, to)
			}
		},
	})
	return v
}

// State returns the breaker state (for metrics).
func (v *Vendor) State() gobreaker.State { return v.breaker.State() }

// FetchM1 fetches 1m bars through the limiter and breaker.
func (v *Vendor) FetchM1(ctx context.Context, symbol string, fromMs, toMs int64, limit int) ([]model.Bar, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := v.breaker.Execute(func() (interface{}, error) {
		return v.api.MinuteAggs(ctx, symbol, fromMs, toMs, limit)
	})
	if err != nil {
		if IsCircuitOpen(err) {
			return nil, err
		}
		return nil, &VendorError{Err: err}
	}

	aggs := res.([]polygon.Agg)
	bars := make([]model.Bar, 0, len(aggs))
	for _, a := range aggs {
		start := a.StartT
		b := model.Bar{
			Symbol:    symbol,
			Timeframe: model.TF1m,
			Seq:       model.SeqForStart(start),
			BarStart:  start,
			BarEnd:    start + 60_000,
			Open:      a.Open,
			High:      a.High,
			Low:       a.Low,
			Close:     a.Close,
			Volume:    a.Volume,
		}
		if !b.Valid() {
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}
