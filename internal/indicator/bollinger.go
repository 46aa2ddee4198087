package indicator

import (
	"math"

	"tradecopilot/internal/model"
)

// Bollinger computes bands over a rolling window of closes: mid is the
// window mean, upper and lower sit k standard deviations away. The bands are
// recomputed from the window on every update, so state is purely the ring
// contents and seeding is exact.
type Bollinger struct {
	period int
	k      float64
	buf    []float64 // circular window of closes
	idx    int
	count  int

	mid, upper, lower float64
}

// NewBollinger creates bands with the given period and width multiplier.
func NewBollinger(period int, k float64) *Bollinger {
	return &Bollinger{
		period: period,
		k:      k,
		buf:    make([]float64, period),
	}
}

func (bo *Bollinger) Name() string { return "BOLL_" + itoa(bo.period) }

func (bo *Bollinger) Update(b model.Bar) { bo.Next(b.Close) }

// Next feeds one close price.
func (bo *Bollinger) Next(price float64) {
	bo.buf[bo.idx] = price
	bo.idx = (bo.idx + 1) % bo.period
	bo.count++
	if bo.count >= bo.period {
		bo.recompute()
	}
}

func (bo *Bollinger) recompute() {
	var sum float64
	for _, v := range bo.buf {
		sum += v
	}
	mean := sum / float64(bo.period)

	var varSum float64
	for _, v := range bo.buf {
		d := v - mean
		varSum += d * d
	}
	sd := math.Sqrt(varSum / float64(bo.period))

	bo.mid = mean
	bo.upper = mean + bo.k*sd
	bo.lower = mean - bo.k*sd
}

// SeedHistory fills the window with the trailing period closes.
func (bo *Bollinger) SeedHistory(bars []model.Bar) {
	bo.Reset()
	start := 0
	if len(bars) > bo.period {
		start = len(bars) - bo.period
	}
	// count reflects the full history so readiness matches a replay.
	bo.count = start
	for _, b := range bars[start:] {
		bo.Next(b.Close)
	}
}

// Value returns the mid band.
func (bo *Bollinger) Value() float64 { return bo.mid }

// Bands returns mid, upper, lower.
func (bo *Bollinger) Bands() (mid, upper, lower float64) {
	return bo.mid, bo.upper, bo.lower
}

func (bo *Bollinger) Ready() bool { return bo.count >= bo.period }

// Reset clears the window for reuse.
func (bo *Bollinger) Reset() {
	bo.idx = 0
	bo.count = 0
	bo.mid, bo.upper, bo.lower = 0, 0, 0
	for i := range bo.buf {
		bo.buf[i] = 0
	}
}
