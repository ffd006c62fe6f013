package models

import "time"

// WorkflowHistory is an append-only audit record of one transition. Rows are
// only ever inserted.
type WorkflowHistory struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	FromNodeID string         `json:"from_node_id"`
	ToNodeID   *string        `json:"to_node_id,omitempty"` // Nil when the step parked as waiting
	UserID     string         `json:"user_id"`
	Decision   *Decision      `json:"decision,omitempty"`
	Feedback   string         `json:"feedback,omitempty"`
	FormData   map[string]any `json:"form_data,omitempty"`
	BranchID   string         `json:"branch_id"`
	CreatedAt  time.Time      `json:"created_at"`
}
