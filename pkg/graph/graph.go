// Package graph provides read-only lookup over a workflow graph.
//
// A Model is built from either a live template or a started snapshot, never a
// mix of the two; callers pick the source once and route against it for the
// whole operation.
package graph

import (
	"github.com/calvora/stagehand/pkg/models"
)

// Model indexes a (nodes, connections) pair for routing. It never mutates the
// underlying rows.
type Model struct {
	nodes    map[string]*models.WorkflowNode
	outgoing map[string][]*models.WorkflowConnection
	incoming map[string][]*models.WorkflowConnection
	start    *models.WorkflowNode
}

// New builds a model over the given nodes and connections.
func New(nodes []*models.WorkflowNode, connections []*models.WorkflowConnection) *Model {
	model := &Model{
		nodes:    make(map[string]*models.WorkflowNode, len(nodes)),
		outgoing: make(map[string][]*models.WorkflowConnection),
		incoming: make(map[string][]*models.WorkflowConnection),
	}

	for _, node := range nodes {
		model.nodes[node.ID] = node

		if node.Type == models.NodeTypeStart {
			model.start = node
		}
	}

	for _, connection := range connections {
		model.outgoing[connection.FromNodeID] = append(model.outgoing[connection.FromNodeID], connection)
		model.incoming[connection.ToNodeID] = append(model.incoming[connection.ToNodeID], connection)
	}

	return model
}

// FromTemplate builds a model over a live template's graph.
func FromTemplate(template *models.WorkflowTemplate) *Model {
	return New(template.Nodes, template.Connections)
}

// FromSnapshot builds a model over a started snapshot.
func FromSnapshot(snapshot *models.GraphSnapshot) *Model {
	return New(snapshot.Nodes, snapshot.Connections)
}

// NodeByID returns the node with the given id, or nil.
func (m *Model) NodeByID(id string) *models.WorkflowNode {
	return m.nodes[id]
}

// StartNode returns the graph's start node, or nil for a malformed graph.
func (m *Model) StartNode() *models.WorkflowNode {
	return m.start
}

// Outgoing returns the edges leaving the node, in definition order.
func (m *Model) Outgoing(nodeID string) []*models.WorkflowConnection {
	return m.outgoing[nodeID]
}

// Incoming returns the edges entering the node, in definition order.
func (m *Model) Incoming(nodeID string) []*models.WorkflowConnection {
	return m.incoming[nodeID]
}

// OutgoingPlain returns the outgoing edges carrying no decision or condition
// tag. Two or more of these make the node a fork point.
func (m *Model) OutgoingPlain(nodeID string) []*models.WorkflowConnection {
	var plain []*models.WorkflowConnection

	for _, connection := range m.outgoing[nodeID] {
		if connection.IsPlain() {
			plain = append(plain, connection)
		}
	}

	return plain
}

// IsForkPoint reports whether the node has two or more outgoing plain edges.
func (m *Model) IsForkPoint(nodeID string) bool {
	return len(m.OutgoingPlain(nodeID)) >= 2
}

// DownstreamSync walks plain edges from the node and returns the first sync
// node found, or nil. The walk is bounded by the graph size, so cycles
// terminate.
func (m *Model) DownstreamSync(nodeID string) *models.WorkflowNode {
	visited := make(map[string]bool)
	queue := []string{nodeID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if visited[current] {
			continue
		}

		visited[current] = true

		for _, connection := range m.outgoing[current] {
			next := m.nodes[connection.ToNodeID]
			if next == nil {
				continue
			}

			if next.Type == models.NodeTypeSync {
				return next
			}

			queue = append(queue, next.ID)
		}
	}

	return nil
}

// HasPathWithout reports whether to is reachable from from without touching a
// node of the given type (from itself included). Used to detect rejection
// targets that cycle straight back without an intervening form node.
func (m *Model) HasPathWithout(from, to string, without models.NodeType) bool {
	visited := make(map[string]bool)
	queue := []string{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current == to {
			return true
		}

		if visited[current] {
			continue
		}

		visited[current] = true

		node := m.nodes[current]
		if node != nil && node.Type == without {
			continue
		}

		for _, connection := range m.outgoing[current] {
			queue = append(queue, connection.ToNodeID)
		}
	}

	return false
}
