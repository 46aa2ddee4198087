package model

import (
	"fmt"
	"strings"
)

// Timeframe identifies a bar aggregation interval. The canonical spellings are
// "1m", "2m", "5m", "10m", "15m", "30m", "1h".
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF2m  Timeframe = "2m"
	TF5m  Timeframe = "5m"
	TF10m Timeframe = "10m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
)

// Timeframes lists every supported timeframe in ascending order.
var Timeframes = []Timeframe{TF1m, TF2m, TF5m, TF10m, TF15m, TF30m, TF1h}

var tfMinutes = map[Timeframe]int{
	TF1m: 1, TF2m: 2, TF5m: 5, TF10m: 10, TF15m: 15, TF30m: 30, TF1h: 60,
}

// ParseTimeframe normalizes a user-supplied timeframe string ("5m", "5M", "60m",
// "1h"). Returns an error for anything outside the supported set.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if tf == "60m" {
		tf = TF1h
	}
	if _, ok := tfMinutes[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Minutes returns the timeframe length in minutes (0 for unknown values).
func (tf Timeframe) Minutes() int {
	return tfMinutes[tf]
}

// Millis returns the timeframe length in milliseconds.
func (tf Timeframe) Millis() int64 {
	return int64(tfMinutes[tf]) * 60_000
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := tfMinutes[tf]
	return ok
}
