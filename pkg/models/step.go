package models

import "time"

// StepStatus represents the lifecycle state of an active step.
type StepStatus string

const (
	StepStatusActive    StepStatus = "active"
	StepStatusWaiting   StepStatus = "waiting" // Arrived at a sync node before its siblings
	StepStatusCompleted StepStatus = "completed"
	StepStatusCancelled StepStatus = "cancelled" // Rolled back past its fork point
)

// ActiveStep is the unit of concurrent execution: one position of one branch
// of one instance. At most one step exists per (instance, node, branch);
// re-entry reactivates the existing row rather than duplicating it.
type ActiveStep struct {
	ID                string             `json:"id"`
	InstanceID        string             `json:"instance_id" validate:"required"`
	NodeID            string             `json:"node_id"     validate:"required"`
	BranchID          string             `json:"branch_id"`
	Status            StepStatus         `json:"status"`
	AssignedUserID    *string            `json:"assigned_user_id,omitempty"`
	Decision          *Decision          `json:"decision,omitempty"` // Latest decision taken on this step
	AggregateDecision *AggregateDecision `json:"aggregate_decision,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Open reports whether the step still counts against instance completion.
func (s *ActiveStep) Open() bool {
	return s.Status == StepStatusActive || s.Status == StepStatusWaiting
}
