package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"tradecopilot/internal/model"

	"github.com/sony/gobreaker"
)

// BufferedWriter wraps the audit Writer with a circuit breaker.
// While the breaker is open, writes are buffered locally and flushed
// when the breaker closes again, so a Redis outage never stalls the
// pipeline or loses the audit trail outright.
type BufferedWriter struct {
	writer *Writer
	cb     *gobreaker.CircuitBreaker
	ctx    context.Context

	mu     sync.Mutex
	buffer [][]byte
	maxBuf int // max buffered writes before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer      func()                         // called when a write is buffered (for metrics)
	OnFlush       func(count int)                // called after flushing buffered writes
	OnStateChange func(from, to gobreaker.State) // called on breaker transitions
}

// NewBufferedWriter creates a BufferedWriter wrapping the given Writer.
func NewBufferedWriter(ctx context.Context, w *Writer, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		ctx:    ctx,
		buffer: make([][]byte, 0, 256),
		maxBuf: maxBufferSize,
	}

	bw.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-audit",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[buffered-writer] breaker %s: %s -> %s", name, from, to)
			if bw.OnStateChange != nil {
				bw.OnStateChange(from, to)
			}
			if to == gobreaker.StateClosed {
				go bw.flush()
			}
		},
	})

	return bw
}

// State returns the current breaker state (for metrics).
func (bw *BufferedWriter) State() gobreaker.State {
	return bw.cb.State()
}

// Run reads finalized 1m bars from barCh and writes them through the breaker.
// Blocks until ctx is cancelled or barCh is closed.
func (bw *BufferedWriter) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			if bar.Timeframe != model.TF1m {
				continue
			}
			bw.WriteBar(bar)
		}
	}
}

// WriteBar mirrors a bar through the circuit breaker.
// If the breaker is open, the write is buffered locally.
func (bw *BufferedWriter) WriteBar(bar model.Bar) error {
	_, err := bw.cb.Execute(func() (interface{}, error) {
		return nil, bw.writer.WriteBar(bw.ctx, bar)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		bw.bufferWrite(bar)
		return nil // buffered, not lost
	}
	return err
}

func (bw *BufferedWriter) bufferWrite(bar model.Bar) {
	data, err := json.Marshal(bar)
	if err != nil {
		log.Printf("[buffered-writer] marshal error: %v", err)
		return
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.buffer) >= bw.maxBuf {
		// Buffer full: drop oldest
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, data)

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays all buffered writes through the underlying writer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	// Take ownership of the buffer
	toFlush := bw.buffer
	bw.buffer = make([][]byte, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for _, data := range toFlush {
		var bar model.Bar
		if json.Unmarshal(data, &bar) == nil {
			bw.writer.WriteBar(bw.ctx, bar)
			flushed++
		}
	}

	log.Printf("[buffered-writer] flushed %d buffered writes", flushed)
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Underlying returns the wrapped Redis writer for direct access.
func (bw *BufferedWriter) Underlying() *Writer {
	return bw.writer
}
