package sse

import "strconv"

// Event names emitted on the stream.
const (
	EventBootstrap     = "bootstrap"
	EventEpoch         = "epoch"
	EventBar           = "bar"
	EventMicrobarBatch = "microbar_batch"
	EventAlert         = "alert"
	EventTick          = "tick"
	EventPing          = "ping"
)

// Event is one server-sent event before wire encoding. ID is the bar seq for
// bar events; negative means no id line is written.
type Event struct {
	Name string
	ID   int64
	Data []byte
}

// appendWire appends the event-stream encoding:
//
//	event: <name>\n[id: <seq>\n]data: <json>\n\n
func (e Event) appendWire(buf []byte) []byte {
	buf = append(buf, "event: "...)
	buf = append(buf, e.Name...)
	buf = append(buf, '\n')
	if e.ID >= 0 {
		buf = append(buf, "id: "...)
		buf = strconv.AppendInt(buf, e.ID, 10)
		buf = append(buf, '\n')
	}
	buf = append(buf, "data: "...)
	buf = append(buf, e.Data...)
	buf = append(buf, "\n\n"...)
	return buf
}
