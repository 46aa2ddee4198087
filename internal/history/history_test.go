package history

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradecopilot/internal/model"
)

func m1(seq int64, close float64) model.Bar {
	start := seq * 60_000
	return model.Bar{
		Symbol:    "SPY",
		Timeframe: model.TF1m,
		Seq:       seq,
		BarStart:  start,
		BarEnd:    start + 60_000,
		Open:      close - 0.5,
		High:      close + 0.25,
		Low:       close - 1,
		Close:     close,
		Volume:    1000,
	}
}

func m1Range(fromSeq, toSeq int64) []model.Bar {
	bars := make([]model.Bar, 0, toSeq-fromSeq+1)
	for seq := fromSeq; seq <= toSeq; seq++ {
		bars = append(bars, m1(seq, 400+float64(seq%7)))
	}
	return bars
}

// fakeBuffers is an in-memory Buffers with population counting.
type fakeBuffers struct {
	mu        sync.Mutex
	bars      map[string][]model.Bar
	populated int32
}

func newFakeBuffers() *fakeBuffers {
	return &fakeBuffers{bars: make(map[string][]model.Bar)}
}

func (f *fakeBuffers) seed(symbol string, bars []model.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars[symbol] = append([]model.Bar(nil), bars...)
}

func (f *fakeBuffers) M1Len(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bars[symbol])
}

func (f *fakeBuffers) RecentM1(symbol string, n int) []model.Bar {
	f.mu.Lock()
	defer f.mu.Unlock()
	bars := f.bars[symbol]
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return append([]model.Bar(nil), bars...)
}

func (f *fakeBuffers) M1SinceSeq(symbol string, sinceSeq int64) []model.Bar {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Bar
	for _, b := range f.bars[symbol] {
		if b.Seq > sinceSeq {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeBuffers) M1Range(symbol string, fromSeq, toSeq int64) []model.Bar {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Bar
	for _, b := range f.bars[symbol] {
		if b.Seq >= fromSeq && b.Seq <= toSeq {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeBuffers) PopulateM1(symbol string, bars []model.Bar) int {
	atomic.AddInt32(&f.populated, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := append(f.bars[symbol], bars...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	f.bars[symbol] = merged
	return len(bars)
}

// fakeVendor serves canned bars and counts calls. If gate is non-nil the
// fetch blocks until the gate closes or ctx is done.
type fakeVendor struct {
	bars  []model.Bar
	calls int32
	gate  chan struct{}
	err   error
}

func (v *fakeVendor) FetchM1(ctx context.Context, symbol string, fromMs, toMs int64, limit int) ([]model.Bar, error) {
	atomic.AddInt32(&v.calls, 1)
	if v.gate != nil {
		select {
		case <-v.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if v.err != nil {
		return nil, v.err
	}
	var out []model.Bar
	for _, b := range v.bars {
		if b.BarStart >= fromMs && b.BarStart <= toMs {
			out = append(out, b)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func nowAt(seq int64) func() int64 {
	// Mid-minute: bar at seq is still forming, last finalized is seq-1.
	return func() int64 { return seq*60_000 + 30_000 }
}

func TestRingServesLiveEdge(t *testing.T) {
	buffers := newFakeBuffers()
	buffers.seed("SPY", m1Range(100, 149))
	vendor := &fakeVendor{}
	svc := NewService(Config{NowMs: nowAt(150)}, buffers, WithVendor(vendor))

	bars, err := svc.GetHistory(context.Background(), Query{Symbol: "SPY", Timeframe: model.TF1m, Limit: 20, SinceSeq: -1})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(bars) != 20 {
		t.Fatalf("got %d bars, want 20", len(bars))
	}
	if bars[0].Seq != 130 || bars[19].Seq != 149 {
		t.Errorf("window = [%d..%d], want [130..149]", bars[0].Seq, bars[19].Seq)
	}
	if atomic.LoadInt32(&vendor.calls) != 0 {
		t.Errorf("vendor called %d times for a ring-served query", vendor.calls)
	}
}

func TestSinceSeqFiltering(t *testing.T) {
	buffers := newFakeBuffers()
	buffers.seed("SPY", m1Range(100, 149))
	svc := NewService(Config{NowMs: nowAt(150)}, buffers)

	bars, err := svc.GetHistory(context.Background(), Query{Symbol: "SPY", Timeframe: model.TF1m, Limit: 300, SinceSeq: 140})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(bars) != 9 {
		t.Fatalf("got %d bars, want 9 (seq 141..149)", len(bars))
	}
	for _, b := range bars {
		if b.Seq <= 140 {
			t.Errorf("bar seq %d violates seq > 140", b.Seq)
		}
	}
}

func TestVendorPopulatesOnlyLiveEdge(t *testing.T) {
	buffers := newFakeBuffers()
	vendor := &fakeVendor{bars: m1Range(0, 200)}
	svc := NewService(Config{NowMs: nowAt(201)}, buffers, WithVendor(vendor))

	// Paginated scroll: before is set, buffers must stay untouched.
	before := int64(150 * 60_000)
	bars, err := svc.GetHistory(context.Background(), Query{Symbol: "SPY", Timeframe: model.TF1m, Limit: 10, Before: before, SinceSeq: -1})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(bars) != 10 {
		t.Fatalf("got %d bars, want 10", len(bars))
	}
	if last := bars[len(bars)-1]; last.BarStart >= before {
		t.Errorf("bar_start %d not before %d", last.BarStart, before)
	}
	if atomic.LoadInt32(&buffers.populated) != 0 {
		t.Error("before-bounded query populated the live buffers")
	}

	// Live edge: same query without before populates.
	_, err = svc.GetHistory(context.Background(), Query{Symbol: "SPY", Timeframe: model.TF1m, Limit: 10, SinceSeq: -1})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if atomic.LoadInt32(&buffers.populated) != 1 {
		t.Error("live-edge vendor fetch did not populate the buffers")
	}
}

func TestRollupTimeframe(t *testing.T) {
	buffers := newFakeBuffers()
	vendor := &fakeVendor{bars: m1Range(0, 400)}
	svc := NewService(Config{NowMs: nowAt(401)}, buffers, WithVendor(vendor))

	bars, err := svc.GetHistory(context.Background(), Query{Symbol: "SPY", Timeframe: model.TF5m, Limit: 12, SinceSeq: -1})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(bars) != 12 {
		t.Fatalf("got %d bars, want 12", len(bars))
	}
	for _, b := range bars {
		if b.Timeframe != model.TF5m {
			t.Errorf("bar %d has timeframe %s, want 5m", b.Seq, b.Timeframe)
		}
		if b.Seq != model.SeqForStart(b.BarStart) {
			t.Errorf("bar %d violates seq law", b.Seq)
		}
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Seq <= bars[i-1].Seq {
			t.Fatalf("rollup bars not strictly ascending at %d", i)
		}
	}
}

func TestArchiveBeatsVendor(t *testing.T) {
	buffers := newFakeBuffers()
	vendor := &fakeVendor{bars: m1Range(0, 200)}
	archive := &fakeArchive{bars: m1Range(0, 200)}
	svc := NewService(Config{NowMs: nowAt(201)}, buffers, WithVendor(vendor), WithArchive(archive))

	bars, err := svc.GetHistory(context.Background(), Query{Symbol: "SPY", Timeframe: model.TF1m, Limit: 50, SinceSeq: -1})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(bars) != 50 {
		t.Fatalf("got %d bars, want 50", len(bars))
	}
	if atomic.LoadInt32(&vendor.calls) != 0 {
		t.Errorf("vendor called %d times although archive covered the query", vendor.calls)
	}
}

type fakeArchive struct {
	bars []model.Bar
}

func (a *fakeArchive) ReadBars(ctx context.Context, symbol string, beforeMs int64, limit int) ([]model.Bar, error) {
	var out []model.Bar
	for _, b := range a.bars {
		if b.BarStart < beforeMs {
			out = append(out, b)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (a *fakeArchive) ReadRange(ctx context.Context, symbol string, fromMs, toMs int64) ([]model.Bar, error) {
	var out []model.Bar
	for _, b := range a.bars {
		if b.BarStart >= fromMs && b.BarStart <= toMs {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestEmptyWithoutVendorOrMock(t *testing.T) {
	svc := NewService(Config{NowMs: nowAt(100)}, newFakeBuffers())

	bars, err := svc.GetHistory(context.Background(), Query{Symbol: "SPY", Timeframe: model.TF1m, Limit: 10, SinceSeq: -1})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if bars == nil || len(bars) != 0 {
		t.Errorf("want empty non-nil slice, got %v", bars)
	}
}

func TestMockDeterminism(t *testing.T) {
	svc := NewService(Config{Mock: true, NowMs: nowAt(29_000_000)}, newFakeBuffers())
	q := Query{Symbol: "QQQ", Timeframe: model.TF1m, Limit: 100, Before: 28_000_000 * 60_000, SinceSeq: -1}

	a, err := svc.GetHistory(context.Background(), q)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	b, err := svc.GetHistory(context.Background(), q)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(a) != 100 || len(b) != 100 {
		t.Fatalf("got %d/%d bars, want 100 each", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("bar %d differs between identical queries: %+v vs %+v", i, a[i], b[i])
		}
		if !a[i].Valid() {
			t.Errorf("mock bar %d fails validation: %+v", i, a[i])
		}
	}
	for i := 1; i < len(a); i++ {
		if a[i].Open != a[i-1].Close {
			t.Errorf("mock bars not continuous at %d: close %v, next open %v", i, a[i-1].Close, a[i].Open)
		}
	}
}

func TestCoalescerSingleFlight(t *testing.T) {
	buffers := newFakeBuffers()
	vendor := &fakeVendor{bars: m1Range(0, 100), gate: make(chan struct{})}
	svc := NewService(Config{NowMs: nowAt(101)}, buffers, WithVendor(vendor))

	var hits int32
	svc.OnCoalesced(func() { atomic.AddInt32(&hits, 1) })

	const n = 5
	q := Query{Symbol: "SPY", Timeframe: model.TF1m, Limit: 5, Before: 90 * 60_000, SinceSeq: -1}

	var wg sync.WaitGroup
	results := make([][]model.Bar, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bars, err := svc.GetHistory(context.Background(), q)
			if err != nil {
				t.Errorf("GetHistory %d: %v", i, err)
			}
			results[i] = bars
		}(i)
	}

	// Wait for the other callers to join the inflight entry.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&hits) < n-1 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d coalescer hits before timeout", hits)
		}
		time.Sleep(time.Millisecond)
	}
	close(vendor.gate)
	wg.Wait()

	if got := atomic.LoadInt32(&vendor.calls); got != 1 {
		t.Errorf("vendor called %d times, want 1", got)
	}
	for i := 1; i < n; i++ {
		if len(results[i]) != len(results[0]) {
			t.Errorf("caller %d got %d bars, caller 0 got %d", i, len(results[i]), len(results[0]))
		}
	}
	if svc.flights.inflight() != 0 {
		t.Errorf("%d flights still registered after settle", svc.flights.inflight())
	}
}

func TestLastWaiterCancels(t *testing.T) {
	buffers := newFakeBuffers()
	vendor := &fakeVendor{bars: m1Range(0, 100), gate: make(chan struct{})}
	svc := NewService(Config{NowMs: nowAt(101)}, buffers, WithVendor(vendor))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := svc.GetHistory(ctx, Query{Symbol: "SPY", Timeframe: model.TF1m, Limit: 5, Before: 90 * 60_000, SinceSeq: -1})
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&vendor.calls) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("vendor never called")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("waiter error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return after cancel")
	}

	// The abandoned flight's context is cancelled, so the gated fetch exits
	// and the entry drains.
	deadline = time.Now().Add(2 * time.Second)
	for svc.flights.inflight() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("flight never drained after last waiter left")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRangeM1DoesNotPopulate(t *testing.T) {
	buffers := newFakeBuffers()
	vendor := &fakeVendor{bars: m1Range(100, 200)}
	svc := NewService(Config{NowMs: nowAt(300)}, buffers, WithVendor(vendor))

	bars, err := svc.RangeM1(context.Background(), "SPY", 120*60_000, 130*60_000)
	if err != nil {
		t.Fatalf("RangeM1: %v", err)
	}
	if len(bars) != 11 {
		t.Fatalf("got %d bars, want 11", len(bars))
	}
	if atomic.LoadInt32(&buffers.populated) != 0 {
		t.Error("RangeM1 populated the live buffers")
	}
}
