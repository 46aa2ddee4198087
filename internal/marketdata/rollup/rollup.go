// Package rollup derives higher-timeframe bars from finalized 1m bars.
//
// Buckets align to the exchange wall clock in Eastern Time, so a 30m bucket
// is "the half hour as a trader reads it", including across DST transitions:
// the repeated fall-back hour yields two distinct buckets an hour apart in
// UTC, and minutes in the skipped spring-forward hour cannot occur at all.
// Rolled bars keep the seq of their earliest 1m constituent.
//
// FromM1 and FromM1Incremental are pure and serve the history path; Tracker
// carries forming state for the live path.
package rollup

import (
	"tradecopilot/internal/model"
	"tradecopilot/internal/session"
)

// FromM1 groups an ascending, possibly gappy slice of 1m bars into closed
// buckets of tf. A bucket counts as closed once a later bucket appears in the
// input or its final minute is present; the trailing bucket is otherwise
// treated as still forming and omitted.
func FromM1(bars []model.Bar, tf model.Timeframe) []model.Bar {
	out := rollup(bars, tf)
	if n := len(out); n > 0 && !trailingClosed(out[n-1], bars[len(bars)-1]) {
		out = out[:n-1]
	}
	return out
}

// FromM1Incremental is FromM1 with the trailing, possibly partial bucket
// included. Live chart seeds use this so the current candle is present.
func FromM1Incremental(bars []model.Bar, tf model.Timeframe) []model.Bar {
	return rollup(bars, tf)
}

// trailingClosed reports whether the last bucket is certainly complete: its
// final constituent minute is the bucket's last minute.
func trailingClosed(bucket model.Bar, lastM1 model.Bar) bool {
	return lastM1.BarEnd == bucket.BarEnd
}

func rollup(bars []model.Bar, tf model.Timeframe) []model.Bar {
	if len(bars) == 0 {
		return nil
	}
	if tf == model.TF1m {
		out := make([]model.Bar, len(bars))
		copy(out, bars)
		return out
	}

	n := tf.Minutes()
	var out []model.Bar
	cur := -1 // index into out of the bucket being merged

	for _, b := range bars {
		start := session.FloorToExchangeBucket(b.BarStart, n)
		if cur < 0 || out[cur].BarStart != start {
			out = append(out, model.Bar{
				Symbol:    b.Symbol,
				Timeframe: tf,
				Seq:       b.Seq,
				BarStart:  start,
				BarEnd:    start + int64(n)*60_000,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			})
			cur = len(out) - 1
			continue
		}
		merge(&out[cur], b)
	}
	return out
}

func merge(dst *model.Bar, b model.Bar) {
	if b.High > dst.High {
		dst.High = b.High
	}
	if b.Low < dst.Low {
		dst.Low = b.Low
	}
	dst.Close = b.Close
	dst.Volume += b.Volume
}

// Tracker resamples live 1m closes into the enabled higher timeframes,
// holding one forming bucket per (symbol, tf). Single consumer; the pipeline
// applies bars inline as they finalize.
type Tracker struct {
	tfs    []model.Timeframe
	states map[string]map[model.Timeframe]*model.Bar

	stale uint64
}

// NewTracker creates a tracker for the given timeframes. TF1m entries are
// ignored; the 1m series is the input, not a product.
func NewTracker(tfs []model.Timeframe) *Tracker {
	kept := make([]model.Timeframe, 0, len(tfs))
	for _, tf := range tfs {
		if tf != model.TF1m {
			kept = append(kept, tf)
		}
	}
	return &Tracker{
		tfs:    kept,
		states: make(map[string]map[model.Timeframe]*model.Bar),
	}
}

// Apply merges one finalized 1m bar and returns any higher-timeframe bars it
// closed, one per tf at most, in tf order. Bars must arrive in ascending
// BarStart order per symbol; an older bar is skipped and counted.
func (t *Tracker) Apply(b model.Bar) []model.Bar {
	perSym := t.states[b.Symbol]
	if perSym == nil {
		perSym = make(map[model.Timeframe]*model.Bar, len(t.tfs))
		t.states[b.Symbol] = perSym
	}

	var closed []model.Bar
	for _, tf := range t.tfs {
		start := session.FloorToExchangeBucket(b.BarStart, tf.Minutes())
		st := perSym[tf]

		if st != nil && start < st.BarStart {
			t.stale++
			continue
		}
		if st != nil && start > st.BarStart {
			closed = append(closed, *st)
			st = nil
		}
		if st == nil {
			nb := model.Bar{
				Symbol:    b.Symbol,
				Timeframe: tf,
				Seq:       b.Seq,
				BarStart:  start,
				BarEnd:    start + int64(tf.Minutes())*60_000,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			}
			perSym[tf] = &nb
			continue
		}
		merge(st, b)
	}
	return closed
}

// Forming returns a copy of the in-progress bucket for (symbol, tf).
func (t *Tracker) Forming(symbol string, tf model.Timeframe) (model.Bar, bool) {
	if st := t.states[symbol][tf]; st != nil {
		return *st, true
	}
	return model.Bar{}, false
}

// FlushAll closes and returns every forming bucket. Shutdown only.
func (t *Tracker) FlushAll() []model.Bar {
	var out []model.Bar
	for _, perSym := range t.states {
		for tf, st := range perSym {
			out = append(out, *st)
			delete(perSym, tf)
		}
	}
	return out
}

// Stale returns the count of skipped out-of-order applications.
func (t *Tracker) Stale() uint64 { return t.stale }
