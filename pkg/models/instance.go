package models

import "time"

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusActive    InstanceStatus = "active"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// SubjectRef links an instance to the business object it runs against.
// Exactly one of ProjectID/TaskID is set.
type SubjectRef struct {
	ProjectID *string `json:"project_id,omitempty"`
	TaskID    *string `json:"task_id,omitempty"`
}

// Valid reports whether exactly one subject reference is set.
func (s SubjectRef) Valid() bool {
	return (s.ProjectID != nil) != (s.TaskID != nil)
}

// Key returns a stable identifier for the subject, for logging and notes.
func (s SubjectRef) Key() string {
	if s.ProjectID != nil {
		return "project:" + *s.ProjectID
	}

	if s.TaskID != nil {
		return "task:" + *s.TaskID
	}

	return ""
}

// WorkflowInstance is one execution of a template against one subject. All
// routing prefers StartedSnapshot over the live template, so later template
// edits never affect in-flight instances.
type WorkflowInstance struct {
	ID                string             `json:"id"`
	TemplateID        string             `json:"template_id" validate:"required"`
	Subject           SubjectRef         `json:"subject"`
	Status            InstanceStatus     `json:"status"`
	CurrentNodeID     *string            `json:"current_node_id,omitempty"` // Legacy linear pointer
	StartedBy         string             `json:"started_by"`
	StartedSnapshot   *GraphSnapshot     `json:"started_snapshot,omitempty"`
	CompletedSnapshot *CompletedSnapshot `json:"completed_snapshot,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

// Active reports whether the instance still accepts advancing events.
func (i *WorkflowInstance) Active() bool {
	return i.Status == InstanceStatusActive
}
