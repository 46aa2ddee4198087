// Package bars holds the authoritative per-symbol series of finalized 1m
// bars. The bar builder is the only live writer for a symbol; the history
// service merges vendor backfill underneath the live series. Readers get
// copies and may hold them indefinitely.
package bars

import (
	"sort"
	"sync"
	"sync/atomic"

	"tradecopilot/internal/model"
)

// Store maps symbols to their canonical 1m series. Higher timeframes are
// derived by rollup and never stored here.
type Store struct {
	mu     sync.RWMutex
	series map[string]*series

	violations atomic.Uint64 // live appends dropped for non-monotonic seq
}

type series struct {
	mu   sync.RWMutex
	bars []model.Bar // ascending seq
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{series: make(map[string]*series)}
}

func (s *Store) seriesFor(symbol string, create bool) *series {
	s.mu.RLock()
	sr := s.series[symbol]
	s.mu.RUnlock()
	if sr != nil || !create {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr = s.series[symbol]; sr == nil {
		sr = &series{}
		s.series[symbol] = sr
	}
	return sr
}

// Append adds a finalized live bar. Appends must carry strictly increasing
// seq per symbol; a bar at or before the newest held seq is dropped and
// counted, not applied. Returns false on such a drop.
func (s *Store) Append(b model.Bar) bool {
	sr := s.seriesFor(b.Symbol, true)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if n := len(sr.bars); n > 0 && b.Seq <= sr.bars[n-1].Seq {
		s.violations.Add(1)
		return false
	}
	sr.bars = append(sr.bars, b)
	return true
}

// Merge folds backfilled history into the series, keeping ascending seq
// order. Bars whose seq is already present are skipped: the live series is
// authoritative over vendor history. Returns the number of bars inserted.
func (s *Store) Merge(symbol string, hist []model.Bar) int {
	if len(hist) == 0 {
		return 0
	}
	sr := s.seriesFor(symbol, true)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	have := make(map[int64]struct{}, len(sr.bars))
	for _, b := range sr.bars {
		have[b.Seq] = struct{}{}
	}

	inserted := 0
	for _, b := range hist {
		if _, dup := have[b.Seq]; dup {
			continue
		}
		have[b.Seq] = struct{}{}
		sr.bars = append(sr.bars, b)
		inserted++
	}
	if inserted > 0 {
		sort.Slice(sr.bars, func(i, j int) bool { return sr.bars[i].Seq < sr.bars[j].Seq })
	}
	return inserted
}

// Len returns the number of bars held for symbol.
func (s *Store) Len(symbol string) int {
	sr := s.seriesFor(symbol, false)
	if sr == nil {
		return 0
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return len(sr.bars)
}

// Last returns the newest bar for symbol, or ok=false when none.
func (s *Store) Last(symbol string) (model.Bar, bool) {
	sr := s.seriesFor(symbol, false)
	if sr == nil {
		return model.Bar{}, false
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	if len(sr.bars) == 0 {
		return model.Bar{}, false
	}
	return sr.bars[len(sr.bars)-1], true
}

// All returns a copy of the full series for symbol, ascending seq.
func (s *Store) All(symbol string) []model.Bar {
	sr := s.seriesFor(symbol, false)
	if sr == nil {
		return nil
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	if len(sr.bars) == 0 {
		return nil
	}
	out := make([]model.Bar, len(sr.bars))
	copy(out, sr.bars)
	return out
}

// Tail returns a copy of the newest n bars, ascending seq.
func (s *Store) Tail(symbol string, n int) []model.Bar {
	sr := s.seriesFor(symbol, false)
	if sr == nil || n <= 0 {
		return nil
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	if len(sr.bars) == 0 {
		return nil
	}
	if n > len(sr.bars) {
		n = len(sr.bars)
	}
	out := make([]model.Bar, n)
	copy(out, sr.bars[len(sr.bars)-n:])
	return out
}

// SinceSeq returns a copy of all bars with seq strictly greater than seq.
func (s *Store) SinceSeq(symbol string, seq int64) []model.Bar {
	sr := s.seriesFor(symbol, false)
	if sr == nil {
		return nil
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	i := sort.Search(len(sr.bars), func(i int) bool { return sr.bars[i].Seq > seq })
	if i == len(sr.bars) {
		return nil
	}
	out := make([]model.Bar, len(sr.bars)-i)
	copy(out, sr.bars[i:])
	return out
}

// Before returns a copy of up to limit bars with bar_start strictly before
// beforeMs, ascending seq. Used by paginated historical scrolls.
func (s *Store) Before(symbol string, beforeMs int64, limit int) []model.Bar {
	sr := s.seriesFor(symbol, false)
	if sr == nil || limit <= 0 {
		return nil
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	hi := sort.Search(len(sr.bars), func(i int) bool { return sr.bars[i].BarStart >= beforeMs })
	if hi == 0 {
		return nil
	}
	lo := hi - limit
	if lo < 0 {
		lo = 0
	}
	out := make([]model.Bar, hi-lo)
	copy(out, sr.bars[lo:hi])
	return out
}

// Symbols returns the symbols with at least one bar.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.series))
	for sym := range s.series {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Violations returns the count of live appends dropped for seq regressions.
func (s *Store) Violations() uint64 { return s.violations.Load() }
