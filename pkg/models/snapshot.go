package models

import "time"

// GraphSnapshot freezes a template's graph at the moment an instance starts.
// Once captured, template edits (including deletion) never change in-flight
// routing.
type GraphSnapshot struct {
	Nodes       []*WorkflowNode       `json:"nodes"`
	Connections []*WorkflowConnection `json:"connections"`
	CapturedAt  time.Time             `json:"captured_at"`
}

// SnapshotFromTemplate captures the template's current nodes and connections.
func SnapshotFromTemplate(template *WorkflowTemplate, capturedAt time.Time) *GraphSnapshot {
	nodes := make([]*WorkflowNode, len(template.Nodes))
	for i, node := range template.Nodes {
		cloned := *node
		nodes[i] = &cloned
	}

	connections := make([]*WorkflowConnection, len(template.Connections))
	for i, connection := range template.Connections {
		cloned := *connection
		connections[i] = &cloned
	}

	return &GraphSnapshot{
		Nodes:       nodes,
		Connections: connections,
		CapturedAt:  capturedAt,
	}
}

// HandoffRecord attributes one completed transition at a node to a user.
type HandoffRecord struct {
	UserID   string    `json:"user_id"`
	Decision *Decision `json:"decision,omitempty"`
	Feedback string    `json:"feedback,omitempty"`
	HandedAt time.Time `json:"handed_at"`
}

// CompletedSnapshot extends the started snapshot with per-node handoff
// history, captured once when the instance completes.
type CompletedSnapshot struct {
	GraphSnapshot

	HandoffsByNode map[string][]HandoffRecord `json:"handoffs_by_node"`
}
