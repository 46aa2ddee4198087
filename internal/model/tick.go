package model

// Tick represents a single trade print from the upstream feed.
// TS is a millisecond epoch timestamp assigned by the vendor.
type Tick struct {
	Symbol string  `json:"symbol"`
	TS     int64   `json:"ts"` // ms epoch
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Side   string  `json:"side,omitempty"` // "B", "S", or empty when unknown
}

// Valid reports whether the tick carries usable data. Malformed ticks are
// counted and dropped by the bar builder, never propagated.
func (t *Tick) Valid() bool {
	return t.Symbol != "" && t.TS > 0 && t.Price > 0 && t.Size >= 0
}

// BarStart returns the 1-minute bucket start (ms) this tick falls into.
func (t *Tick) BarStart() int64 {
	return t.TS - t.TS%60_000
}
