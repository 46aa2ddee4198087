package model

import "encoding/json"

// Direction of a trade setup.
type Direction string

const (
	DirLong  Direction = "long"
	DirShort Direction = "short"
)

// Signal is an admitted pattern-trigger event published on the bus and
// forwarded to clients as an alert. The risk governor assigns the ID and
// holds the signal active until it is released.
type Signal struct {
	ID         string         `json:"id"`
	Symbol     string         `json:"symbol"`
	Timeframe  Timeframe      `json:"timeframe"`
	RuleID     string         `json:"ruleId"`
	Direction  Direction      `json:"direction"`
	Confidence float64        `json:"confidence"` // [0,1]
	TS         int64          `json:"ts"`         // ms epoch of the firing bar close
	BarSeq     int64          `json:"barSeq"`
	EntryZone  [2]float64     `json:"entryZone"`
	Stop       float64        `json:"stop"`
	Ctx        map[string]any `json:"ctx,omitempty"`
}

// JSON returns the JSON-encoded signal.
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
