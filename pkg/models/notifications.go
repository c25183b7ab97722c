package models

// NotificationPriority mirrors the priorities understood by desktop
// notification daemons.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
)

// Notification is a user-facing message. Posting a notification whose ID is
// already outstanding replaces the prior one; sinks must preserve that
// coalescing contract.
type Notification struct {
	ID       string               `json:"id"`
	Title    string               `json:"title"`
	Body     string               `json:"body"`
	Priority NotificationPriority `json:"priority"`
	Error    bool                 `json:"error,omitempty"`
}
