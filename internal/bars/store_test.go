package bars

import (
	"testing"

	"tradecopilot/internal/model"
)

func bar(symbol string, seq int64) model.Bar {
	start := seq * 60_000
	return model.Bar{
		Symbol:    symbol,
		Timeframe: model.TF1m,
		Seq:       seq,
		BarStart:  start,
		BarEnd:    start + 60_000,
		Open:      100, High: 101, Low: 99, Close: 100.5,
		Volume: 1000,
	}
}

func TestStore_AppendMonotonic(t *testing.T) {
	s := NewStore()

	if !s.Append(bar("SPY", 10)) || !s.Append(bar("SPY", 11)) {
		t.Fatal("in-order appends should succeed")
	}
	if s.Append(bar("SPY", 11)) {
		t.Fatal("duplicate seq should be dropped")
	}
	if s.Append(bar("SPY", 9)) {
		t.Fatal("regressing seq should be dropped")
	}
	if s.Violations() != 2 {
		t.Fatalf("violations = %d, want 2", s.Violations())
	}
	if s.Len("SPY") != 2 {
		t.Fatalf("len = %d, want 2", s.Len("SPY"))
	}

	// Symbols are independent.
	if !s.Append(bar("QQQ", 5)) {
		t.Fatal("append on a fresh symbol should succeed")
	}
}

func TestStore_MergeBackfillUnderLive(t *testing.T) {
	s := NewStore()
	s.Append(bar("SPY", 100))
	s.Append(bar("SPY", 101))

	hist := []model.Bar{bar("SPY", 97), bar("SPY", 98), bar("SPY", 100)}
	hist[2].Close = -1 // overlapping seq, must not replace the live bar

	if n := s.Merge("SPY", hist); n != 2 {
		t.Fatalf("Merge inserted %d, want 2", n)
	}

	all := s.All("SPY")
	want := []int64{97, 98, 100, 101}
	if len(all) != len(want) {
		t.Fatalf("len(all) = %d, want %d", len(all), len(want))
	}
	for i, b := range all {
		if b.Seq != want[i] {
			t.Fatalf("all[%d].Seq = %d, want %d", i, b.Seq, want[i])
		}
	}
	if all[2].Close == -1 {
		t.Fatal("merge replaced a live bar with history")
	}

	// The live writer continues from the newest seq.
	if !s.Append(bar("SPY", 102)) {
		t.Fatal("append after merge failed")
	}
}

func TestStore_SinceSeq(t *testing.T) {
	s := NewStore()
	for _, seq := range []int64{10, 11, 13} {
		s.Append(bar("SPY", seq))
	}

	got := s.SinceSeq("SPY", 11)
	if len(got) != 1 || got[0].Seq != 13 {
		t.Fatalf("SinceSeq(11) = %d bars, first seq %v", len(got), got)
	}
	if s.SinceSeq("SPY", 13) != nil {
		t.Fatal("SinceSeq at newest should be empty")
	}
	if s.SinceSeq("IWM", 0) != nil {
		t.Fatal("SinceSeq on unknown symbol should be empty")
	}
}

func TestStore_Tail(t *testing.T) {
	s := NewStore()
	for seq := int64(1); seq <= 5; seq++ {
		s.Append(bar("SPY", seq))
	}

	got := s.Tail("SPY", 2)
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("Tail(2) wrong: %+v", got)
	}
	if got = s.Tail("SPY", 50); len(got) != 5 {
		t.Fatalf("oversized Tail returned %d bars, want 5", len(got))
	}
}

func TestStore_Before(t *testing.T) {
	s := NewStore()
	for seq := int64(10); seq <= 15; seq++ {
		s.Append(bar("SPY", seq))
	}

	// Bars strictly before seq 13's start.
	got := s.Before("SPY", 13*60_000, 2)
	if len(got) != 2 || got[0].Seq != 11 || got[1].Seq != 12 {
		t.Fatalf("Before wrong: %+v", got)
	}
	if got = s.Before("SPY", 10*60_000, 5); got != nil {
		t.Fatalf("Before oldest bar should be empty, got %d bars", len(got))
	}
}

func TestStore_ReadsReturnCopies(t *testing.T) {
	s := NewStore()
	s.Append(bar("SPY", 1))

	got := s.All("SPY")
	got[0].Close = -1

	if s.All("SPY")[0].Close == -1 {
		t.Fatal("mutating a read result leaked into the store")
	}
}

func TestStore_LastAndSymbols(t *testing.T) {
	s := NewStore()
	if _, ok := s.Last("SPY"); ok {
		t.Fatal("Last on empty store should report !ok")
	}
	s.Append(bar("SPY", 7))
	s.Append(bar("QQQ", 3))

	last, ok := s.Last("SPY")
	if !ok || last.Seq != 7 {
		t.Fatalf("Last = (%v, %v), want seq 7", last.Seq, ok)
	}

	syms := s.Symbols()
	if len(syms) != 2 || syms[0] != "QQQ" || syms[1] != "SPY" {
		t.Fatalf("Symbols = %v", syms)
	}
}
