package ringbuf

import (
	"sync"
	"testing"
	"time"

	"tradecopilot/internal/model"
)

func TestTickRing_BasicPushPop(t *testing.T) {
	r := NewTickRing(4)

	t1 := model.Tick{Symbol: "SPY", TS: 1000, Price: 500.10, Size: 100}
	t2 := model.Tick{Symbol: "SPY", TS: 1050, Price: 500.12, Size: 50}

	if !r.Push(t1) {
		t.Fatal("push t1 should succeed")
	}
	if !r.Push(t2) {
		t.Fatal("push t2 should succeed")
	}

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}

	got, ok := r.Pop()
	if !ok || got.TS != 1000 {
		t.Fatalf("expected ts=1000, got %v ok=%v", got.TS, ok)
	}

	got, ok = r.Pop()
	if !ok || got.TS != 1050 {
		t.Fatalf("expected ts=1050, got %v ok=%v", got.TS, ok)
	}

	_, ok = r.Pop()
	if ok {
		t.Fatal("pop from empty should return false")
	}
}

func TestTickRing_Overflow(t *testing.T) {
	r := NewTickRing(2)

	r.Push(model.Tick{TS: 1})
	r.Push(model.Tick{TS: 2})

	// Buffer is full
	ok := r.Push(model.Tick{TS: 3})
	if ok {
		t.Fatal("push to full buffer should return false")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}
}

func TestTickRing_Wraparound(t *testing.T) {
	r := NewTickRing(4)

	// Fill and drain multiple times to test wraparound
	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			if !r.Push(model.Tick{TS: int64(round*10 + i)}) {
				t.Fatalf("round %d push %d failed", round, i)
			}
		}
		for i := 0; i < 4; i++ {
			tk, ok := r.Pop()
			if !ok {
				t.Fatalf("round %d pop %d failed", round, i)
			}
			if tk.TS != int64(round*10+i) {
				t.Fatalf("round %d pop %d: expected ts=%d, got %d", round, i, round*10+i, tk.TS)
			}
		}
	}
}

func TestTickRing_PopBatch(t *testing.T) {
	r := NewTickRing(8)
	for i := 0; i < 5; i++ {
		r.Push(model.Tick{TS: int64(i)})
	}

	dst := make([]model.Tick, 3)
	if n := r.PopBatch(dst); n != 3 {
		t.Fatalf("first batch: expected 3, got %d", n)
	}
	for i := 0; i < 3; i++ {
		if dst[i].TS != int64(i) {
			t.Fatalf("batch[%d].TS = %d, want %d", i, dst[i].TS, i)
		}
	}

	if n := r.PopBatch(dst); n != 2 {
		t.Fatalf("second batch: expected 2, got %d", n)
	}
	if n := r.PopBatch(dst); n != 0 {
		t.Fatalf("empty batch: expected 0, got %d", n)
	}
}

func TestTickRing_SPSC_Concurrent(t *testing.T) {
	const count = 100_000
	r := NewTickRing(1024)

	var wg sync.WaitGroup
	wg.Add(2)

	// Producer
	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			for !r.Push(model.Tick{TS: int64(i)}) {
				// spin-wait (busy loop for test only)
			}
		}
	}()

	// Consumer
	received := make([]int64, 0, count)
	go func() {
		defer wg.Done()
		for len(received) < count {
			tk, ok := r.Pop()
			if ok {
				received = append(received, tk.TS)
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("SPSC test timed out")
	}

	// Verify ordering
	for i, v := range received {
		if v != int64(i) {
			t.Fatalf("at index %d: expected %d, got %d", i, i, v)
		}
	}
}

func TestNextPow2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {7, 8}, {8, 8}, {9, 16}, {1023, 1024},
	}
	for _, tc := range cases {
		got := nextPow2(tc.in)
		if got != tc.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
