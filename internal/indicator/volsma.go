package indicator

import "tradecopilot/internal/model"

// VolumeSMA tracks the simple moving average of bar volume over a rolling
// window. As with Bollinger, the mean is folded from the ring every update so
// seeded and replayed state are interchangeable.
type VolumeSMA struct {
	period  int
	buf     []float64 // circular window of volumes
	idx     int
	count   int
	current float64
}

// NewVolumeSMA creates a volume SMA with the given period.
func NewVolumeSMA(period int) *VolumeSMA {
	return &VolumeSMA{
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *VolumeSMA) Name() string { return "VOLSMA_" + itoa(s.period) }

func (s *VolumeSMA) Update(b model.Bar) { s.Next(b.Volume) }

// Next feeds one bar's volume.
func (s *VolumeSMA) Next(volume float64) {
	s.buf[s.idx] = volume
	s.idx = (s.idx + 1) % s.period
	s.count++
	if s.count >= s.period {
		var sum float64
		for _, v := range s.buf {
			sum += v
		}
		s.current = sum / float64(s.period)
	}
}

// SeedHistory fills the window with the trailing period volumes.
func (s *VolumeSMA) SeedHistory(bars []model.Bar) {
	s.Reset()
	start := 0
	if len(bars) > s.period {
		start = len(bars) - s.period
	}
	s.count = start
	for _, b := range bars[start:] {
		s.Next(b.Volume)
	}
}

func (s *VolumeSMA) Value() float64 { return s.current }
func (s *VolumeSMA) Ready() bool    { return s.count >= s.period }

// Reset clears the window for reuse.
func (s *VolumeSMA) Reset() {
	s.idx = 0
	s.count = 0
	s.current = 0
	for i := range s.buf {
		s.buf[i] = 0
	}
}
