package models

// Event types pushed over the SSE stream.
const (
	EventConnected  = "connected"
	EventTaskUpdate = "task_update"
	EventCheckpoint = "checkpoint"
	EventActivity   = "activity"
)

// Event is one SSE payload. Type is always set; the remaining fields are
// populated per event type and omitted from the wire format when zero.
type Event struct {
	Type          string `json:"type"`
	TaskID        string `json:"task_id,omitempty"`
	Stream        string `json:"stream,omitempty"`
	Agent         string `json:"agent,omitempty"`
	Status        string `json:"status,omitempty"`
	Sequence      int64  `json:"sequence,omitempty"`
	MergeConflict bool   `json:"merge_conflict,omitempty"`
	Archived      bool   `json:"archived,omitempty"`
}
