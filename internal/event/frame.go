package event

import "encoding/json"

// EventTypeScan is the envelope type for every frame the collector
// publishes.
const EventTypeScan = "collector.scan"

// Frame statuses. Terminal statuses are followed by a topic close.
const (
	StatusProgress  = "progress"
	StatusComplete  = "complete"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Frame is the envelope published on the bus. Its JSON encoding is
// exactly the body of one SSE data frame, so stream endpoints marshal
// it without translation.
type Frame struct {
	EventType string  `json:"event_type"`
	Status    string  `json:"status"`
	Payload   Payload `json:"payload"`
}

// Payload carries the per-task progress snapshot. TotalEvents is nil
// while stages run and is set on the terminal frame, where it counts
// the asset events the scan produced.
type Payload struct {
	TaskID          string `json:"task_id"`
	Seq             uint64 `json:"seq"`
	Collector       string `json:"collector,omitempty"`
	Stage           string `json:"stage,omitempty"`
	EventsProcessed int64  `json:"events_processed"`
	TotalEvents     *int64 `json:"total_events,omitempty"`
	Output          string `json:"output,omitempty"`
}

// Terminal reports whether the frame's status ends the task lifecycle.
func (f Frame) Terminal() bool {
	switch f.Status {
	case StatusComplete, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Encode marshals the frame as one wire-ready JSON document.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
