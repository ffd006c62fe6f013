// Package models defines the core domain records for approval-workflow execution.
package models

import "time"

// WorkflowTemplate is a named workflow graph definition. Templates are created
// inactive, activated by an editor, and never hard-deleted while instances
// reference them (soft delete renames and deactivates instead).
type WorkflowTemplate struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"        validate:"required,min=3"`
	Description string                `json:"description"`
	Active      bool                  `json:"active"`
	Nodes       []*WorkflowNode       `json:"nodes"`
	Connections []*WorkflowConnection `json:"connections"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	DeletedAt   *time.Time            `json:"deleted_at,omitempty"`
}

// HasNodes reports whether the template carries at least one node, which is
// required before an instance may start from it.
func (t *WorkflowTemplate) HasNodes() bool {
	return len(t.Nodes) > 0
}

// StartNode returns the template's start node, or nil when the graph is
// malformed and has none.
func (t *WorkflowTemplate) StartNode() *WorkflowNode {
	for _, node := range t.Nodes {
		if node.Type == NodeTypeStart {
			return node
		}
	}

	return nil
}
