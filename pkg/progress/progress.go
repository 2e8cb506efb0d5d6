// Package progress tracks live generation runs and streams normalized
// progress events to subscribers.
package progress

// Status is the high-level state carried by every event.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Snapshot is the fractional progress attached to an in-progress event.
type Snapshot struct {
	Percentage  float64 `json:"percentage"`
	CurrentStep int     `json:"current_step"`
	CurrentValue int    `json:"current_value"`
	MaxValue    int     `json:"max_value"`
}

// Event is one element of a run's progress stream. Terminal statuses
// (completed, error) close the stream after delivery.
type Event struct {
	TaskID   string         `json:"task_id"`
	Status   Status         `json:"status"`
	Progress *Snapshot      `json:"progress,omitempty"`
	Label    string         `json:"label,omitempty"`
	Node     string         `json:"node,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Details  string         `json:"details,omitempty"`
}
