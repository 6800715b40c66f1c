package domain

import "time"

// MessageKind classifies a queued message for reporting only.
type MessageKind string

const (
	KindPlain MessageKind = "plain"
	KindEvent MessageKind = "event"
	KindTask  MessageKind = "task"
)

// QueuedMessage is an outbound message waiting in a session's queue.
// Only its position in the queue changes after enqueue.
type QueuedMessage struct {
	ID          string      `json:"id"`
	Destination string      `json:"number"`
	Body        string      `json:"message"`
	EnqueuedAt  time.Time   `json:"timestamp"`
	Kind        MessageKind `json:"type,omitempty"`

	EventID   string `json:"event_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	StaffID   string `json:"staff_id,omitempty"`
	DayNumber int    `json:"day_number,omitempty"`
}
