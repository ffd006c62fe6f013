package models

// NodeType classifies a workflow node.
type NodeType string

const (
	NodeTypeStart       NodeType = "start"
	NodeTypeRole        NodeType = "role"       // Handled by any user holding the referenced role
	NodeTypeDepartment  NodeType = "department" // Handled by any user in the referenced department
	NodeTypeApproval    NodeType = "approval"   // Explicit approve/reject decision point
	NodeTypeForm        NodeType = "form"       // Collects a form payload
	NodeTypeConditional NodeType = "conditional"
	NodeTypeSync        NodeType = "sync" // Join point for concurrent branches
	NodeTypeEnd         NodeType = "end"
)

// Edge condition tags. An empty condition is a plain edge; a node with two or
// more outgoing plain edges is a fork point.
const (
	ConditionApproved    = "approved"
	ConditionRejected    = "rejected"
	ConditionAnyRejected = "any_rejected"
)

// WorkflowNode belongs to exactly one template. EntityID references a role or
// department for authorization on role/department/approval nodes.
type WorkflowNode struct {
	ID             string   `json:"id"              validate:"required"`
	TemplateID     string   `json:"template_id"`
	Type           NodeType `json:"type"            validate:"required"`
	Name           string   `json:"name"            validate:"required,min=1"`
	EntityID       *string  `json:"entity_id,omitempty"`
	FormTemplateID *string  `json:"form_template_id,omitempty"`
	PositionX      int      `json:"position_x"`
	PositionY      int      `json:"position_y"`
}

// IsDecisionNode reports whether advancing past the node carries an explicit
// approve/reject decision.
func (n *WorkflowNode) IsDecisionNode() bool {
	return n.Type == NodeTypeApproval
}

// IsWorkNode reports whether the node represents a human work assignment.
func (n *WorkflowNode) IsWorkNode() bool {
	switch n.Type {
	case NodeTypeRole, NodeTypeDepartment, NodeTypeApproval, NodeTypeForm:
		return true
	default:
		return false
	}
}

// WorkflowConnection is a directed edge between two nodes of one template.
// Condition is empty for plain edges, a decision tag (approved/rejected/
// any_rejected), or a form-field predicate such as "amount>=1000".
type WorkflowConnection struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`
	FromNodeID string `json:"from_node_id" validate:"required"`
	ToNodeID   string `json:"to_node_id"   validate:"required"`
	Condition  string `json:"condition,omitempty"`
}

// IsPlain reports whether the edge carries no decision or condition tag.
func (c *WorkflowConnection) IsPlain() bool {
	return c.Condition == ""
}
