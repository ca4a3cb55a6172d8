// Package jobs tracks the lifecycle of routed tasks and broadcasts
// their progress to subscribers.
package jobs

import "time"

// Status is a job's lifecycle state.
type Status string

const (
	Queued     Status = "Queued"
	InProgress Status = "InProgress"
	Completed  Status = "Completed"
	Cancelled  Status = "Cancelled"
	Failed     Status = "Failed"
)

// Terminal reports whether the status absorbs all further transitions.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// Job is one tracked routing request. The tracker owns all Job values;
// other components hold ids and receive copies.
type Job struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"` // [0,100]
	ETA       string    `json:"estimated_time_remaining,omitempty"`
	StartTime time.Time `json:"start_time"`
	Model     string    `json:"model"`
	Error     string    `json:"error,omitempty"`
	Results   []string  `json:"results,omitempty"`
}

// EventType discriminates bus payloads.
type EventType string

const (
	// EventStatus marks a state-machine transition.
	EventStatus EventType = "status"
	// EventProgress marks a progress percentage update.
	EventProgress EventType = "progress"
)

// Event is one observable job update. Events for a single job are
// delivered in the order they were produced.
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id"`
	Status   Status    `json:"status"`
	Progress int       `json:"progress"`
	ETA      string    `json:"estimated_time_remaining,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}
