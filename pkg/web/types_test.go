package web_test

import (
	"testing"

	"github.com/calvora/stagehand/pkg/engine"
	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartInstanceRequest_Validation(t *testing.T) {
	t.Parallel()

	v := validator.New()
	projectID := "project-1"

	tests := []struct {
		name    string
		request web.StartInstanceRequest
		wantErr bool
	}{
		{
			name: "valid request",
			request: web.StartInstanceRequest{
				TemplateID: "tpl-1",
				ProjectID:  &projectID,
				StartedBy:  "alice",
			},
		},
		{
			name: "missing template id",
			request: web.StartInstanceRequest{
				ProjectID: &projectID,
				StartedBy: "alice",
			},
			wantErr: true,
		},
		{
			name: "missing started by",
			request: web.StartInstanceRequest{
				TemplateID: "tpl-1",
				ProjectID:  &projectID,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := v.Struct(tt.request)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestStartInstanceRequest_Subject(t *testing.T) {
	t.Parallel()

	projectID := "project-1"
	taskID := "task-1"

	project := web.StartInstanceRequest{ProjectID: &projectID}.Subject()
	assert.True(t, project.Valid())
	assert.Equal(t, "project:project-1", project.Key())

	task := web.StartInstanceRequest{TaskID: &taskID}.Subject()
	assert.True(t, task.Valid())
	assert.Equal(t, "task:task-1", task.Key())

	assert.False(t, web.StartInstanceRequest{}.Subject().Valid())
	assert.False(t, web.StartInstanceRequest{ProjectID: &projectID, TaskID: &taskID}.Subject().Valid())
}

func TestTransformAdvanceResponse(t *testing.T) {
	t.Parallel()

	result := &engine.AdvanceResult{
		NextNodes: []*models.WorkflowNode{
			{ID: "legal", Type: models.NodeTypeApproval},
			{ID: "finance", Type: models.NodeTypeApproval},
		},
		NewSteps: []*models.ActiveStep{
			{ID: "step-1", NodeID: "legal"},
			{ID: "step-2", NodeID: "finance"},
		},
	}

	response := web.TransformAdvanceResponse(result)
	assert.Equal(t, []string{"legal", "finance"}, response.NextNodes)
	assert.Len(t, response.NewSteps, 2)
	assert.False(t, response.Waiting)
	assert.False(t, response.Completed)

	empty := web.TransformAdvanceResponse(&engine.AdvanceResult{Waiting: true})
	assert.Empty(t, empty.NextNodes)
	assert.True(t, empty.Waiting)
}
