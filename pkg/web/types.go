// Package web provides HTTP request and response types for the workflow API.
package web

import (
	"github.com/calvora/stagehand/pkg/engine"
	"github.com/calvora/stagehand/pkg/models"
)

// CreateTemplateRequest represents the request body for creating a new
// workflow template. Templates are always created as inactive drafts.
type CreateTemplateRequest struct {
	Name        string                       `json:"name"        validate:"required,min=3"`
	Description string                       `json:"description"`
	Nodes       []*models.WorkflowNode       `json:"nodes"`
	Connections []*models.WorkflowConnection `json:"connections"`
}

// UpdateTemplateRequest represents the request body for replacing a draft
// template's definition. All fields are optional to support partial updates.
type UpdateTemplateRequest struct {
	Name        *string                      `json:"name,omitempty"        validate:"omitempty,min=3"`
	Description *string                      `json:"description,omitempty"`
	Nodes       []*models.WorkflowNode       `json:"nodes,omitempty"`
	Connections []*models.WorkflowConnection `json:"connections,omitempty"`
}

// StartInstanceRequest represents the request body for starting an instance.
// Exactly one of project_id and task_id must be set.
type StartInstanceRequest struct {
	TemplateID string  `json:"template_id" validate:"required"`
	ProjectID  *string `json:"project_id,omitempty"`
	TaskID     *string `json:"task_id,omitempty"`
	StartedBy  string  `json:"started_by"  validate:"required"`
}

// Subject builds the subject reference from the request body.
func (r StartInstanceRequest) Subject() models.SubjectRef {
	return models.SubjectRef{ProjectID: r.ProjectID, TaskID: r.TaskID}
}

// AdvanceInstanceRequest represents the request body for advancing a step.
// StepID is required only when the instance has more than one active step.
type AdvanceInstanceRequest struct {
	StepID    string           `json:"step_id,omitempty"`
	ActorID   string           `json:"actor_id"            validate:"required"`
	Decision  *models.Decision `json:"decision,omitempty"`
	Feedback  string           `json:"feedback,omitempty"`
	FormData  map[string]any   `json:"form_data,omitempty"`
	Assignees map[string]string `json:"assignees,omitempty"` // node id -> user id overrides
}

// CancelInstanceRequest represents the request body for cancelling an instance.
type CancelInstanceRequest struct {
	CancelledBy string `json:"cancelled_by" validate:"required"`
	Reason      string `json:"reason,omitempty"`
}

// AdvanceResponse is the outcome of one advance call.
type AdvanceResponse struct {
	NextNodes []string             `json:"next_nodes"`
	NewSteps  []*models.ActiveStep `json:"new_steps"`
	Waiting   bool                 `json:"waiting"`
	Completed bool                 `json:"completed"`
}

// TransformAdvanceResponse flattens the engine result for API consumers:
// target nodes shrink to their ids, everything else passes through.
func TransformAdvanceResponse(result *engine.AdvanceResult) AdvanceResponse {
	response := AdvanceResponse{
		NextNodes: make([]string, 0, len(result.NextNodes)),
		NewSteps:  result.NewSteps,
		Waiting:   result.Waiting,
		Completed: result.Completed,
	}

	for _, node := range result.NextNodes {
		response.NextNodes = append(response.NextNodes, node.ID)
	}

	return response
}
