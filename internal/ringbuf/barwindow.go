package ringbuf

import (
	"sort"
	"sync"
	"sync/atomic"

	"tradecopilot/internal/model"
)

// BarWindow is a bounded, seq-ordered window of finalized bars for one symbol
// and timeframe. It backs the fast path of history resolution and the seed
// phase of stream bootstraps: a circular buffer in insertion order, which for
// finalized bars is also sequence order. When full, a push evicts the oldest
// bar. Reads return copies so callers can hold results across later pushes.
//
// A single writer appends; any number of readers query.
type BarWindow struct {
	mu    sync.RWMutex
	buf   []model.Bar
	start int // index of oldest element
	size  int

	rejected atomic.Uint64 // pushes dropped for non-monotonic seq
}

// NewBarWindow creates a window with the given capacity. Capacity must be
// positive.
func NewBarWindow(capacity int) *BarWindow {
	if capacity <= 0 {
		panic("ringbuf: bar window capacity must be positive")
	}
	return &BarWindow{buf: make([]model.Bar, capacity)}
}

// Push appends a finalized bar. Bars must arrive in strictly increasing seq
// order; a bar at or before the newest held seq is dropped and counted, not
// applied. Returns false on such a drop.
func (w *BarWindow) Push(b model.Bar) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && b.Seq <= w.at(w.size-1).Seq {
		w.rejected.Add(1)
		return false
	}

	if w.size < len(w.buf) {
		*w.at(w.size) = b
		w.size++
		return true
	}
	// Full: overwrite the oldest slot and advance.
	w.buf[w.start] = b
	w.start = (w.start + 1) % len(w.buf)
	return true
}

// at returns a pointer to the i-th oldest element. Caller holds mu.
func (w *BarWindow) at(i int) *model.Bar {
	return &w.buf[(w.start+i)%len(w.buf)]
}

// Merge folds backfilled history into the window, keeping seq order and the
// trailing-cap eviction rule. Bars whose seq is already held are skipped: the
// live window is authoritative over vendor history. Returns the number of
// bars inserted. Merge rebuilds the buffer and is meant for the rare backfill
// path, not the per-minute hot path.
func (w *BarWindow) Merge(hist []model.Bar) int {
	if len(hist) == 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	merged := make([]model.Bar, 0, w.size+len(hist))
	have := make(map[int64]struct{}, w.size)
	for i := 0; i < w.size; i++ {
		b := *w.at(i)
		have[b.Seq] = struct{}{}
		merged = append(merged, b)
	}

	inserted := 0
	for _, b := range hist {
		if _, dup := have[b.Seq]; dup {
			continue
		}
		have[b.Seq] = struct{}{}
		merged = append(merged, b)
		inserted++
	}
	if inserted == 0 {
		return 0
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })

	if len(merged) > len(w.buf) {
		merged = merged[len(merged)-len(w.buf):]
	}
	w.start = 0
	w.size = copy(w.buf, merged)
	return inserted
}

// Len returns the number of bars held.
func (w *BarWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Cap returns the fixed capacity.
func (w *BarWindow) Cap() int { return len(w.buf) }

// Rejected returns the count of pushes dropped for sequence violations.
func (w *BarWindow) Rejected() uint64 { return w.rejected.Load() }

// Bounds returns the oldest and newest seq held, or ok=false when empty.
func (w *BarWindow) Bounds() (first, last int64, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.size == 0 {
		return 0, 0, false
	}
	return w.at(0).Seq, w.at(w.size - 1).Seq, true
}

// Last returns the newest bar, or ok=false when empty.
func (w *BarWindow) Last() (model.Bar, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.size == 0 {
		return model.Bar{}, false
	}
	return *w.at(w.size - 1), true
}

// RecentN returns up to n newest bars in ascending seq order.
func (w *BarWindow) RecentN(n int) []model.Bar {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n <= 0 || w.size == 0 {
		return nil
	}
	if n > w.size {
		n = w.size
	}
	out := make([]model.Bar, n)
	for i := 0; i < n; i++ {
		out[i] = *w.at(w.size - n + i)
	}
	return out
}

// SinceSeq returns all bars with seq strictly greater than seq, ascending.
func (w *BarWindow) SinceSeq(seq int64) []model.Bar {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.size == 0 {
		return nil
	}
	// First index with seq > target; the window is seq-sorted by construction.
	i := sort.Search(w.size, func(i int) bool { return w.at(i).Seq > seq })
	if i == w.size {
		return nil
	}
	out := make([]model.Bar, w.size-i)
	for j := i; j < w.size; j++ {
		out[j-i] = *w.at(j)
	}
	return out
}

// Range returns bars with fromSeq <= seq <= toSeq, ascending.
func (w *BarWindow) Range(fromSeq, toSeq int64) []model.Bar {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.size == 0 || fromSeq > toSeq {
		return nil
	}
	lo := sort.Search(w.size, func(i int) bool { return w.at(i).Seq >= fromSeq })
	hi := sort.Search(w.size, func(i int) bool { return w.at(i).Seq > toSeq })
	if lo >= hi {
		return nil
	}
	out := make([]model.Bar, hi-lo)
	for j := lo; j < hi; j++ {
		out[j-lo] = *w.at(j)
	}
	return out
}

// Covers reports whether the window still holds continuity right after seq,
// i.e. whether SinceSeq(seq) starts at the caller's watermark with nothing
// evicted in between. False means the window rolled past the watermark and an
// older tier must fill the gap.
func (w *BarWindow) Covers(seq int64) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.size == 0 {
		return false
	}
	return w.at(0).Seq <= seq+1
}
