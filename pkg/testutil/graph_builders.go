// Package testutil provides test data builders for workflow graphs.
package testutil

import (
	"github.com/calvora/stagehand/pkg/models"
	"github.com/google/uuid"
)

// CreateTestNode creates a test WorkflowNode with default values that can be
// overridden.
func CreateTestNode(overrides ...func(*models.WorkflowNode)) *models.WorkflowNode {
	node := &models.WorkflowNode{
		ID:        uuid.New().String(),
		Type:      models.NodeTypeRole,
		Name:      "Test Node",
		PositionX: 100,
		PositionY: 200,
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithID sets the node ID.
func WithID(id string) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.ID = id
	}
}

// WithType sets the node type.
func WithType(nodeType models.NodeType) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.Type = nodeType
	}
}

// WithName sets the node name.
func WithName(name string) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.Name = name
	}
}

// WithEntity sets the role or department the node authorizes against.
func WithEntity(entityID string) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.EntityID = &entityID
	}
}

// WithFormTemplate sets the form template the node collects.
func WithFormTemplate(formTemplateID string) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.FormTemplateID = &formTemplateID
	}
}

// WithPosition sets the node position.
func WithPosition(x, y int) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.PositionX = x
		n.PositionY = y
	}
}

// CreateTestTemplate creates an active test template with the given nodes and
// connections, stamping the template id onto every row.
func CreateTestTemplate(nodes []*models.WorkflowNode, connections []*models.WorkflowConnection) *models.WorkflowTemplate {
	template := &models.WorkflowTemplate{
		ID:          uuid.New().String(),
		Name:        "Test Workflow",
		Description: "A workflow for testing",
		Active:      true,
		Nodes:       nodes,
		Connections: connections,
	}

	for _, node := range nodes {
		node.TemplateID = template.ID
	}

	for _, connection := range connections {
		connection.TemplateID = template.ID
	}

	return template
}

// Connect creates a plain edge between two nodes.
func Connect(fromNodeID, toNodeID string) *models.WorkflowConnection {
	return &models.WorkflowConnection{
		ID:         uuid.New().String(),
		FromNodeID: fromNodeID,
		ToNodeID:   toNodeID,
	}
}

// ConnectIf creates a conditioned edge between two nodes.
func ConnectIf(fromNodeID, toNodeID, condition string) *models.WorkflowConnection {
	return &models.WorkflowConnection{
		ID:         uuid.New().String(),
		FromNodeID: fromNodeID,
		ToNodeID:   toNodeID,
		Condition:  condition,
	}
}

// LinearTemplate builds start -> role(reviewer) -> approval(approver) -> end,
// the smallest useful approval chain.
func LinearTemplate() *models.WorkflowTemplate {
	nodes := []*models.WorkflowNode{
		CreateTestNode(WithID("start"), WithType(models.NodeTypeStart), WithName("Start")),
		CreateTestNode(WithID("review"), WithType(models.NodeTypeRole), WithName("Review"), WithEntity("reviewer")),
		CreateTestNode(WithID("approve"), WithType(models.NodeTypeApproval), WithName("Approve"), WithEntity("approver")),
		CreateTestNode(WithID("end"), WithType(models.NodeTypeEnd), WithName("End")),
	}

	connections := []*models.WorkflowConnection{
		Connect("start", "review"),
		Connect("review", "approve"),
		Connect("approve", "end"),
	}

	return CreateTestTemplate(nodes, connections)
}

// ForkTemplate builds start -> review -> {legal, finance} -> sync -> end: one
// fork of two approval branches joined at a sync node. The sync carries an
// approved edge to end and, when withRejectionEdge is set, an any_rejected
// edge back to review.
func ForkTemplate(withRejectionEdge bool) *models.WorkflowTemplate {
	nodes := []*models.WorkflowNode{
		CreateTestNode(WithID("start"), WithType(models.NodeTypeStart), WithName("Start")),
		CreateTestNode(WithID("review"), WithType(models.NodeTypeForm), WithName("Prepare Request"), WithEntity("reviewer")),
		CreateTestNode(WithID("legal"), WithType(models.NodeTypeApproval), WithName("Legal Approval"), WithEntity("legal")),
		CreateTestNode(WithID("finance"), WithType(models.NodeTypeApproval), WithName("Finance Approval"), WithEntity("finance")),
		CreateTestNode(WithID("sync"), WithType(models.NodeTypeSync), WithName("Await Approvals")),
		CreateTestNode(WithID("end"), WithType(models.NodeTypeEnd), WithName("End")),
	}

	connections := []*models.WorkflowConnection{
		Connect("start", "review"),
		Connect("review", "legal"),
		Connect("review", "finance"),
		Connect("legal", "sync"),
		Connect("finance", "sync"),
		ConnectIf("sync", "end", models.ConditionApproved),
	}

	if withRejectionEdge {
		connections = append(connections, ConnectIf("sync", "review", models.ConditionAnyRejected))
	}

	return CreateTestTemplate(nodes, connections)
}
