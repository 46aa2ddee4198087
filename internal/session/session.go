// Package session answers exchange-calendar questions for the US equity
// session: whether a timestamp falls inside regular trading hours, where the
// session anchor (RTH open) is, and how to floor a timestamp to an N-minute
// wall-clock bucket in Eastern Time across DST transitions. All rollup and
// session-reset logic must go through this package; nothing else in the
// pipeline is allowed to do its own offset arithmetic.
package session

import (
	"fmt"
	"time"
	_ "time/tzdata" // bundle zoneinfo so ET resolves on bare containers
)

// Eastern is the exchange-local zone for US equities.
var Eastern *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("session: load America/New_York: " + err.Error())
	}
	Eastern = loc
}

// Regular trading hours in ET.
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 16
	CloseMinute = 0

	// Extended session bounds (SESSION=RTH_EXT).
	ExtOpenHour  = 4
	ExtCloseHour = 20
)

// IsRegularTradingHours reports whether the ms-epoch timestamp falls on a
// weekday with ET local time in [09:30, 16:00).
func IsRegularTradingHours(tsMs int64) bool {
	et := time.UnixMilli(tsMs).In(Eastern)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	hm := et.Hour()*60 + et.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsExtendedHours reports whether the timestamp falls in the extended session
// [04:00, 20:00) ET on a weekday. RTH is a subset of extended hours.
func IsExtendedHours(tsMs int64) bool {
	et := time.UnixMilli(tsMs).In(Eastern)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	h := et.Hour()
	return h >= ExtOpenHour && h < ExtCloseHour
}

// SessionStart returns the ms epoch of the most recent RTH open (09:30 ET) at
// or before tsMs. Session-anchored state (VWAP, opening range) resets when
// this value changes between consecutive bars.
func SessionStart(tsMs int64) int64 {
	et := time.UnixMilli(tsMs).In(Eastern)
	open := time.Date(et.Year(), et.Month(), et.Day(), OpenHour, OpenMinute, 0, 0, Eastern)
	for open.After(et) {
		open = open.AddDate(0, 0, -1)
	}
	return open.UnixMilli()
}

// FloorToExchangeBucket rounds tsMs down to the start of its N-minute
// wall-clock bucket in ET.
//
// Buckets are anchored at 00:00 local, so the bucket index is the local
// minute-of-day divided by bucketMin. The result is computed by subtracting
// whole minutes from the UTC timestamp rather than by reconstructing a local
// wall time, which keeps both DST transitions correct: on fall-back the two
// occurrences of 01:xx ET floor to two UTC instants one hour apart, and on
// spring-forward no bucket can span the skipped 02:xx hour because those wall
// times never materialize from a real UTC instant.
func FloorToExchangeBucket(tsMs int64, bucketMin int) int64 {
	if bucketMin <= 0 {
		bucketMin = 1
	}
	minuteMs := tsMs - tsMs%60_000
	et := time.UnixMilli(minuteMs).In(Eastern)
	minuteOfDay := et.Hour()*60 + et.Minute()
	delta := int64(minuteOfDay % bucketMin)
	return minuteMs - delta*60_000
}

// TodayClose returns the ms epoch of 16:00 ET on the trading day containing
// tsMs (the calendar day in ET).
func TodayClose(tsMs int64) int64 {
	et := time.UnixMilli(tsMs).In(Eastern)
	return time.Date(et.Year(), et.Month(), et.Day(), CloseHour, CloseMinute, 0, 0, Eastern).UnixMilli()
}

// NextOpen returns the next RTH open strictly after tsMs, skipping weekends.
func NextOpen(tsMs int64) int64 {
	et := time.UnixMilli(tsMs).In(Eastern)
	open := time.Date(et.Year(), et.Month(), et.Day(), OpenHour, OpenMinute, 0, 0, Eastern)
	if !open.After(et) {
		open = open.AddDate(0, 0, 1)
	}
	for wd := open.Weekday(); wd == time.Saturday || wd == time.Sunday; wd = open.Weekday() {
		open = open.AddDate(0, 0, 1)
	}
	return open.UnixMilli()
}

// Label returns a human-readable session state for the status endpoint.
func Label(tsMs int64) string {
	if IsRegularTradingHours(tsMs) {
		closeIn := time.Duration(TodayClose(tsMs)-tsMs) * time.Millisecond
		return fmt.Sprintf("open, closes in %s", closeIn.Truncate(time.Minute))
	}
	if IsExtendedHours(tsMs) {
		return "extended hours"
	}
	next := time.UnixMilli(NextOpen(tsMs)).In(Eastern)
	return fmt.Sprintf("closed, opens %s %s ET", next.Weekday().String()[:3], next.Format("15:04"))
}
