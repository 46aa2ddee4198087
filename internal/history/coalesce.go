package history

import (
	"context"
	"sync"

	"tradecopilot/internal/model"
)

// flightKey identifies one logical history query. Queries with equal keys
// share a single underlying resolution.
type flightKey struct {
	Symbol    string
	Timeframe model.Timeframe
	Limit     int
	Before    int64
	SinceSeq  int64
}

// flight is one inflight resolution shared by its waiters.
type flight struct {
	cancel  context.CancelFunc
	done    chan struct{}
	waiters int

	// set before done is closed
	bars []model.Bar
	err  error
}

// coalescer dedupes concurrent identical queries onto one underlying call.
// The entry is released when the call settles. Waiters that abandon early
// decrement a refcount; the last one to leave cancels the underlying call.
type coalescer struct {
	mu      sync.Mutex
	flights map[flightKey]*flight

	// OnHit is called when a caller joins an existing flight (for metrics).
	OnHit func()
}

func newCoalescer() *coalescer {
	return &coalescer{flights: make(map[flightKey]*flight)}
}

// do returns the result of fn for key, starting fn at most once per inflight
// key. fn runs on a context independent of any single waiter, bounded by
// budget when non-zero.
func (c *coalescer) do(ctx context.Context, key flightKey, budget contextBudget, fn func(ctx context.Context) ([]model.Bar, error)) ([]model.Bar, error) {
	c.mu.Lock()
	f, ok := c.flights[key]
	if ok {
		f.waiters++
		if c.OnHit != nil {
			c.OnHit()
		}
		c.mu.Unlock()
	} else {
		fctx, cancel := budget(context.Background())
		f = &flight{cancel: cancel, done: make(chan struct{}), waiters: 1}
		c.flights[key] = f
		c.mu.Unlock()

		go func() {
			bars, err := fn(fctx)

			c.mu.Lock()
			f.bars, f.err = bars, err
			delete(c.flights, key) // release on settle
			c.mu.Unlock()

			close(f.done)
			cancel()
		}()
	}

	select {
	case <-f.done:
		return f.bars, f.err
	case <-ctx.Done():
		c.mu.Lock()
		f.waiters--
		last := f.waiters == 0
		c.mu.Unlock()
		if last {
			f.cancel()
		}
		return nil, ctx.Err()
	}
}

// inflight reports the number of unsettled flights (for tests).
func (c *coalescer) inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

// contextBudget derives the flight context, typically context.WithTimeout.
type contextBudget func(context.Context) (context.Context, context.CancelFunc)

func noBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(ctx)
}
