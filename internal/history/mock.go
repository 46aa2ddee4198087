package history

import (
	"hash/fnv"
	"math"

	"tradecopilot/internal/model"
)

// Mock generates deterministic synthetic 1m bars for development without
// vendor credentials. Every value is a pure function of (symbol, seq), and
// each close chains into the next open, so overlapping windows stitch
// together cleanly and repeated queries return identical bars.
//
// Production deployments keep this off so market/status stays truthful.
type Mock struct{}

// GenerateM1 produces bars for seq in [fromSeq, toSeq] ascending.
func (Mock) GenerateM1(symbol string, fromSeq, toSeq int64) []model.Bar {
	if toSeq < fromSeq {
		return nil
	}
	bars := make([]model.Bar, 0, toSeq-fromSeq+1)
	for seq := fromSeq; seq <= toSeq; seq++ {
		o := mockPrice(symbol, seq)
		c := mockPrice(symbol, seq+1)
		hi := math.Max(o, c) * (1 + 0.0015*mockNoise(symbol, seq, 1))
		lo := math.Min(o, c) * (1 - 0.0015*mockNoise(symbol, seq, 2))
		vol := math.Floor(500 + 20_000*mockNoise(symbol, seq, 3))

		start := seq * 60_000
		bars = append(bars, model.Bar{
			Symbol:    symbol,
			Timeframe: model.TF1m,
			Seq:       seq,
			BarStart:  start,
			BarEnd:    start + 60_000,
			Open:      round2(o),
			High:      round2(hi),
			Low:       round2(lo),
			Close:     round2(c),
			Volume:    vol,
		})
	}
	return bars
}

// mockPrice is the reference price at a minute boundary: a per-symbol base in
// [50, 450) modulated by two slow waves plus bounded jitter.
func mockPrice(symbol string, seq int64) float64 {
	base := 50 + float64(symbolSeed(symbol)%400)
	t := float64(seq)
	wave := 0.02*math.Sin(t/390) + 0.005*math.Sin(t/37)
	jitter := (mockNoise(symbol, seq, 0) - 0.5) * 0.004
	return base * (1 + wave + jitter)
}

// mockNoise returns a deterministic uniform value in [0, 1).
func mockNoise(symbol string, seq int64, salt uint64) float64 {
	x := symbolSeed(symbol) ^ (uint64(seq)+salt*0x9E37)*0x9E3779B97F4A7C15
	// splitmix64 finalizer
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return float64(x>>11) / float64(1<<53)
}

func symbolSeed(symbol string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return h.Sum64()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
