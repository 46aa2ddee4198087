package indicator

import "tradecopilot/internal/model"

// EMA calculates an Exponential Moving Average seeded by an SMA over the
// first period closes. O(1) per update, no window storage.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates an EMA with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return "EMA_" + itoa(e.period) }

func (e *EMA) Update(b model.Bar) { e.Next(b.Close) }

// Next feeds one close price.
func (e *EMA) Next(price float64) {
	e.count++

	if e.count <= e.period {
		// Accumulate for the initial SMA seed
		e.sum += price
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	e.current = (price * e.multiplier) + (e.current * (1 - e.multiplier))
}

// SeedHistory replays the closes. EMA state depends on the entire history,
// so seeding and replaying are the same computation.
func (e *EMA) SeedHistory(bars []model.Bar) {
	e.Reset()
	for _, b := range bars {
		e.Next(b.Close)
	}
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
	e.sum = 0
}
