package model

import "encoding/json"

// Bar is a finalized OHLCV aggregate over one timeframe interval.
//
// Seq is the bar's stable identity across the wire and across restarts:
// for 1m bars Seq = BarStart/60_000; higher-timeframe bars inherit the Seq of
// the earliest 1m bar in their bucket. Clients reconcile by Seq, so every
// producer (live builder, rollup, historical fetch, mock generator) must
// derive it the same way.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Seq       int64     `json:"seq"`
	BarStart  int64     `json:"barStart"` // ms epoch, bucket-aligned
	BarEnd    int64     `json:"barEnd"`   // BarStart + tf millis
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`

	// Marks carries the session indicator snapshot attached by the
	// authoritative 1m buffer. Nil for bars served from other sources.
	Marks *IndicatorMarks `json:"marks,omitempty"`
}

// SeqForStart derives the 1-minute sequence number for a bar start (ms).
func SeqForStart(barStartMs int64) int64 {
	return barStartMs / 60_000
}

// Valid checks the OHLC sanity invariants: l ≤ min(o,c) ≤ max(o,c) ≤ h,
// a positive span, and the seq law for 1m bars.
func (b *Bar) Valid() bool {
	if b.Symbol == "" || b.BarEnd <= b.BarStart {
		return false
	}
	if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close {
		return false
	}
	if b.Timeframe == TF1m && b.Seq != SeqForStart(b.BarStart) {
		return false
	}
	return true
}

// JSON returns the JSON-encoded bar (errors ignored for hot-path usage).
func (b *Bar) JSON() []byte {
	buf, _ := json.Marshal(b)
	return buf
}

// MicroBar is an intra-bar snapshot of the in-progress 1-minute bar, emitted
// at sub-second cadence for chart animation. It is not reorderable: TS always
// falls within [current bar_start, bar_end).
type MicroBar struct {
	Symbol string  `json:"symbol"`
	TS     int64   `json:"ts"` // ms epoch of the snapshot
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

// IndicatorMarks is the per-bar indicator snapshot the pipeline attaches to
// authoritative 1m bars: session VWAP and the standard EMA ladder.
type IndicatorMarks struct {
	VWAP   float64 `json:"vwap,omitempty"`
	EMA9   float64 `json:"ema9,omitempty"`
	EMA21  float64 `json:"ema21,omitempty"`
	EMA50  float64 `json:"ema50,omitempty"`
	EMA200 float64 `json:"ema200,omitempty"`
}
