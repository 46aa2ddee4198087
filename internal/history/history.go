// Package history resolves chart backfill queries against a tiered set of
// sources: the live ring window, the local bar archive, the vendor REST API,
// and an optional deterministic mock. Concurrent identical queries are
// coalesced onto one underlying resolution.
package history

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradecopilot/internal/marketdata/rollup"
	"tradecopilot/internal/model"
)

// Query describes one history request.
type Query struct {
	Symbol    string
	Timeframe model.Timeframe
	Limit     int   // bars to return; defaulted and capped by the service
	Before    int64 // exclusive bar-start bound (ms); 0 bounds by now
	SinceSeq  int64 // bars must satisfy seq > SinceSeq; negative = absent
}

// Buffers is the live-pipeline view the service reads from and, for live-edge
// queries, populates: the authoritative 1m store plus per-symbol ring windows.
type Buffers interface {
	M1Len(symbol string) int
	RecentM1(symbol string, n int) []model.Bar
	M1SinceSeq(symbol string, sinceSeq int64) []model.Bar
	M1Range(symbol string, fromSeq, toSeq int64) []model.Bar
	PopulateM1(symbol string, bars []model.Bar) int
}

// Archive is the optional local bar archive consulted before the vendor.
type Archive interface {
	ReadBars(ctx context.Context, symbol string, beforeMs int64, limit int) ([]model.Bar, error)
	ReadRange(ctx context.Context, symbol string, fromMs, toMs int64) ([]model.Bar, error)
}

// Archiver persists vendor backfill for future local serving.
type Archiver interface {
	InsertBatch(bars []model.Bar) error
}

// Config tunes the service.
type Config struct {
	// Timeout bounds each underlying resolution. Zero means no budget.
	Timeout time.Duration
	// DefaultLimit is used when a query omits limit. Defaults to 300.
	DefaultLimit int
	// MaxLimit caps query limits. Defaults to 1000.
	MaxLimit int
	// Mock enables the deterministic generator when all real tiers are empty.
	Mock bool
	// NowMs overrides the clock (tests). Defaults to wall clock.
	NowMs func() int64
}

func (c *Config) defaults() {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 300
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 1000
	}
	if c.NowMs == nil {
		c.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
}

// Service answers history queries.
type Service struct {
	cfg      Config
	buffers  Buffers
	archive  Archive      // optional
	archiver Archiver     // optional
	vendor   VendorSource // optional
	mock     Mock
	flights  *coalescer

	// Hooks for metrics. Set before use.
	OnServed      func(source string, bars int, elapsed time.Duration)
	OnVendorError func(err error)
}

// Option configures optional service dependencies.
type Option func(*Service)

// WithVendor attaches the vendor REST tier.
func WithVendor(v VendorSource) Option { return func(s *Service) { s.vendor = v } }

// WithArchive attaches the local read tier.
func WithArchive(a Archive) Option { return func(s *Service) { s.archive = a } }

// WithArchiver attaches write-through archiving of vendor backfill.
func WithArchiver(a Archiver) Option { return func(s *Service) { s.archiver = a } }

// NewService creates a history service over the live buffers.
func NewService(cfg Config, buffers Buffers, opts ...Option) *Service {
	cfg.defaults()
	s := &Service{
		cfg:     cfg,
		buffers: buffers,
		flights: newCoalescer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnCoalesced registers the coalescer hit hook (for metrics).
func (s *Service) OnCoalesced(fn func()) { s.flights.OnHit = fn }

// GetHistory resolves q. Returns an empty slice, never an error, when no tier
// can serve; errors are reserved for invalid queries and caller cancellation.
func (s *Service) GetHistory(ctx context.Context, q Query) ([]model.Bar, error) {
	if q.Symbol == "" {
		return nil, fmt.Errorf("history: symbol required")
	}
	if q.Timeframe == "" {
		q.Timeframe = model.TF1m
	}
	if !q.Timeframe.Valid() {
		return nil, fmt.Errorf("history: unknown timeframe %q", q.Timeframe)
	}
	if q.Limit <= 0 {
		q.Limit = s.cfg.DefaultLimit
	}
	if q.Limit > s.cfg.MaxLimit {
		q.Limit = s.cfg.MaxLimit
	}
	if q.SinceSeq < 0 {
		q.SinceSeq = -1
	}

	key := flightKey{
		Symbol:    q.Symbol,
		Timeframe: q.Timeframe,
		Limit:     q.Limit,
		Before:    q.Before,
		SinceSeq:  q.SinceSeq,
	}
	budget := noBudget
	if s.cfg.Timeout > 0 {
		timeout := s.cfg.Timeout
		budget = func(parent context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(parent, timeout)
		}
	}
	return s.flights.do(ctx, key, budget, func(fctx context.Context) ([]model.Bar, error) {
		return s.resolve(fctx, q)
	})
}

// resolve walks the tier order for one coalesced query.
func (s *Service) resolve(ctx context.Context, q Query) ([]model.Bar, error) {
	start := time.Now()
	source := "empty"
	var out []model.Bar
	defer func() {
		if s.OnServed != nil {
			s.OnServed(source, len(out), time.Since(start))
		}
	}()

	multiplier := q.Timeframe.Minutes()
	need := q.Limit * multiplier

	// Ring tiers serve only the live edge; paginated scroll skips them.
	if q.Before == 0 && q.Timeframe == model.TF1m {
		if q.SinceSeq >= 0 {
			source = "ring"
			out = s.buffers.M1SinceSeq(q.Symbol, q.SinceSeq)
			return out, nil
		}
		if s.buffers.M1Len(q.Symbol) >= min(q.Limit, 10) {
			source = "ring"
			out = s.buffers.RecentM1(q.Symbol, q.Limit)
			return out, nil
		}
	}

	// Boundary in seq space. A now-bound query must not include the minute
	// still forming; a before-bound query excludes bar_start >= before.
	var lastSeq int64
	if q.Before > 0 {
		lastSeq = model.SeqForStart(q.Before - 1)
	} else {
		lastSeq = model.SeqForStart(s.cfg.NowMs()) - 1
	}
	firstSeq := lastSeq - int64(need) + 1
	if firstSeq < 0 {
		firstSeq = 0
	}

	finish := func(m1 []model.Bar) []model.Bar {
		if q.Before == 0 {
			s.buffers.PopulateM1(q.Symbol, m1)
		}
		bars := m1
		if q.Timeframe != model.TF1m {
			bars = rollup.FromM1Incremental(m1, q.Timeframe)
		}
		if q.SinceSeq >= 0 {
			bars = filterSince(bars, q.SinceSeq)
		}
		return trailing(bars, q.Limit)
	}

	// Local archive: serve only when it fully covers the request.
	if s.archive != nil {
		m1, err := s.archive.ReadBars(ctx, q.Symbol, (lastSeq+1)*60_000, need)
		if err != nil {
			log.Printf("[history] archive read error for %s: %v", q.Symbol, err)
		} else if len(m1) >= need {
			source = "archive"
			out = finish(m1)
			return out, nil
		}
	}

	// Vendor REST.
	if s.vendor != nil {
		m1, err := s.vendor.FetchM1(ctx, q.Symbol, firstSeq*60_000, lastSeq*60_000, need)
		switch {
		case err != nil:
			log.Printf("[history] vendor fetch failed for %s: %v", q.Symbol, err)
			if s.OnVendorError != nil {
				s.OnVendorError(err)
			}
		case len(m1) > 0:
			if s.archiver != nil {
				if aerr := s.archiver.InsertBatch(m1); aerr != nil {
					log.Printf("[history] archive write failed for %s: %v", q.Symbol, aerr)
				}
			}
			source = "vendor"
			out = finish(m1)
			return out, nil
		}
	}

	// Deterministic mock, debug only.
	if s.cfg.Mock {
		source = "mock"
		out = finish(s.mock.GenerateM1(q.Symbol, firstSeq, lastSeq))
		return out, nil
	}

	out = []model.Bar{}
	return out, nil
}

// RangeM1 returns the finalized 1m bars with bar_start in [fromMs, toMs],
// for replay. Never populates the live buffers.
func (s *Service) RangeM1(ctx context.Context, symbol string, fromMs, toMs int64) ([]model.Bar, error) {
	if symbol == "" {
		return nil, fmt.Errorf("history: symbol required")
	}
	if toMs < fromMs {
		return nil, fmt.Errorf("history: empty window [%d, %d]", fromMs, toMs)
	}
	fromSeq := model.SeqForStart(fromMs + 59_999)
	toSeq := model.SeqForStart(toMs)

	if bars := s.buffers.M1Range(symbol, fromSeq, toSeq); len(bars) > 0 {
		return bars, nil
	}

	if s.archive != nil {
		bars, err := s.archive.ReadRange(ctx, symbol, fromSeq*60_000, toSeq*60_000)
		if err != nil {
			log.Printf("[history] archive range error for %s: %v", symbol, err)
		} else if len(bars) > 0 {
			return bars, nil
		}
	}

	if s.vendor != nil {
		bars, err := s.vendor.FetchM1(ctx, symbol, fromSeq*60_000, toSeq*60_000, int(toSeq-fromSeq+1))
		if err != nil {
			log.Printf("[history] vendor range fetch failed for %s: %v", symbol, err)
			if s.OnVendorError != nil {
				s.OnVendorError(err)
			}
		} else if len(bars) > 0 {
			return bars, nil
		}
	}

	if s.cfg.Mock {
		return s.mock.GenerateM1(symbol, fromSeq, toSeq), nil
	}
	return nil, nil
}

func filterSince(bars []model.Bar, sinceSeq int64) []model.Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if b.Seq > sinceSeq {
			out = append(out, b)
		}
	}
	return out
}

func trailing(bars []model.Bar, n int) []model.Bar {
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}
