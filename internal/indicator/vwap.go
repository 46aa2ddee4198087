package indicator

import (
	"tradecopilot/internal/model"
	"tradecopilot/internal/session"
)

// SessionVWAP accumulates volume-weighted typical price, anchored at the
// session open. The owner resets it when a new session begins; SeedHistory
// does so itself by discarding bars before the last bar's session start.
type SessionVWAP struct {
	sumPV float64
	sumV  float64
}

// NewSessionVWAP creates an empty session VWAP.
func NewSessionVWAP() *SessionVWAP {
	return &SessionVWAP{}
}

func (v *SessionVWAP) Name() string { return "VWAP" }

func (v *SessionVWAP) Update(b model.Bar) { v.Next(b.High, b.Low, b.Close, b.Volume) }

// Next feeds one bar's range and volume.
func (v *SessionVWAP) Next(high, low, close, volume float64) {
	tp := (high + low + close) / 3
	v.sumPV += tp * volume
	v.sumV += volume
}

// SeedHistory accumulates only the bars belonging to the newest bar's
// session. Older sessions never contribute to a session-anchored VWAP.
func (v *SessionVWAP) SeedHistory(bars []model.Bar) {
	v.Reset()
	if len(bars) == 0 {
		return
	}
	anchor := session.SessionStart(bars[len(bars)-1].BarStart)
	for _, b := range bars {
		if b.BarStart >= anchor {
			v.Update(b)
		}
	}
}

// Value returns the session VWAP. Meaningless until volume has traded.
func (v *SessionVWAP) Value() float64 {
	if v.sumV == 0 {
		return 0
	}
	return v.sumPV / v.sumV
}

func (v *SessionVWAP) Ready() bool { return v.sumV > 0 }

// Reset clears the accumulators. Call at session open.
func (v *SessionVWAP) Reset() {
	v.sumPV = 0
	v.sumV = 0
}
