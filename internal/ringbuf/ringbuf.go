// Package ringbuf provides the two buffers between pipeline stages: a
// lock-free single-producer single-consumer ring that decouples feed
// ingestion from the bar builder, and a seq-indexed window of finalized bars
// (see BarWindow) that serves history reads and stream bootstraps.
package ringbuf

import (
	"sync/atomic"

	"tradecopilot/internal/model"
)

// cacheLine is the typical x86-64 cache line size used for padding.
const cacheLine = 64

// TickRing is a lock-free SPSC ring buffer for trade prints. The feed
// goroutine pushes, the bar builder pops; nobody else touches it. Size is
// rounded up to a power of two for bitwise modulo.
type TickRing struct {
	buf  []model.Tick
	mask uint64

	// Separate cache lines to prevent false sharing between producer and consumer.
	_pad0 [cacheLine]byte
	head  atomic.Uint64 // written by producer
	_pad1 [cacheLine]byte
	tail  atomic.Uint64 // written by consumer
	_pad2 [cacheLine]byte

	overflow atomic.Uint64
}

// NewTickRing creates a tick ring. capacity is rounded up to the next power
// of two, minimum 2.
func NewTickRing(capacity int) *TickRing {
	n := nextPow2(capacity)
	if n < 2 {
		n = 2
	}
	return &TickRing{
		buf:  make([]model.Tick, n),
		mask: uint64(n - 1),
	}
}

// Push appends a tick. Returns false and counts the drop when the buffer is
// full. Non-blocking; a slow builder sheds ticks rather than stalling the
// feed reader.
func (r *TickRing) Push(t model.Tick) bool {
	head := r.head.Load()
	tail := r.tail.Load()

	if head-tail >= uint64(len(r.buf)) {
		r.overflow.Add(1)
		return false
	}

	r.buf[head&r.mask] = t
	r.head.Store(head + 1)
	return true
}

// Pop retrieves the next tick. Returns false when empty. Non-blocking.
func (r *TickRing) Pop() (model.Tick, bool) {
	tail := r.tail.Load()
	head := r.head.Load()

	if tail >= head {
		return model.Tick{}, false
	}

	t := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return t, true
}

// PopBatch drains up to len(dst) ticks into dst and returns the count.
// Batching keeps the builder's poll loop cheap when the feed bursts.
func (r *TickRing) PopBatch(dst []model.Tick) int {
	n := 0
	for n < len(dst) {
		t, ok := r.Pop()
		if !ok {
			break
		}
		dst[n] = t
		n++
	}
	return n
}

// Len returns the current number of buffered ticks.
func (r *TickRing) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the buffer capacity.
func (r *TickRing) Cap() int {
	return len(r.buf)
}

// Overflow returns the total number of pushes dropped on a full buffer.
func (r *TickRing) Overflow() uint64 {
	return r.overflow.Load()
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
