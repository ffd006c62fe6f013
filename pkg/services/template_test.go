package services

import (
	"testing"

	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/persistence/memory"
	"github.com/calvora/stagehand/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTemplateService() (*Template, *memory.Persistence) {
	store := memory.NewPersistence()

	return NewTemplate(store), store
}

func TestTemplate_CreateStartsInactive(t *testing.T) {
	service, _ := newTemplateService()

	template := testutil.LinearTemplate()
	template.ID = ""
	template.Active = true

	created, err := service.Create(t.Context(), template)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.Active, "new templates are drafts")
}

func TestTemplate_CreateRejectsShortName(t *testing.T) {
	service, _ := newTemplateService()

	template := testutil.LinearTemplate()
	template.Name = "ab"

	_, err := service.Create(t.Context(), template)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestTemplate_ActivateValidatesGraph(t *testing.T) {
	service, _ := newTemplateService()

	tests := []struct {
		name    string
		mutate  func(*models.WorkflowTemplate)
		wantErr error
	}{
		{
			name:    "no nodes",
			mutate:  func(tpl *models.WorkflowTemplate) { tpl.Nodes = nil; tpl.Connections = nil },
			wantErr: ErrNodesRequired,
		},
		{
			name: "no start node",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Nodes = tpl.Nodes[1:]
				tpl.Connections = tpl.Connections[1:]
			},
			wantErr: ErrStartNodeRequired,
		},
		{
			name: "no end node",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Nodes = tpl.Nodes[:len(tpl.Nodes)-1]
				tpl.Connections = tpl.Connections[:len(tpl.Connections)-1]
			},
			wantErr: ErrEndNodeRequired,
		},
		{
			name: "dangling connection",
			mutate: func(tpl *models.WorkflowTemplate) {
				tpl.Connections = append(tpl.Connections, testutil.Connect("approve", "nowhere"))
			},
			wantErr: ErrDanglingConnection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			template := testutil.LinearTemplate()
			template.Active = false
			tt.mutate(template)

			created, err := service.Create(t.Context(), template)
			require.NoError(t, err)

			_, err = service.Activate(t.Context(), created.ID)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTemplate_ActivateRequiresJoinableSync(t *testing.T) {
	service, _ := newTemplateService()

	template := testutil.ForkTemplate(false)
	template.Active = false

	// Drop one of the sync's two incoming edges.
	var kept []*models.WorkflowConnection

	for _, connection := range template.Connections {
		if connection.FromNodeID == "finance" && connection.ToNodeID == "sync" {
			continue
		}

		kept = append(kept, connection)
	}

	template.Connections = kept
	// Keep the graph otherwise consistent for the dangling check.
	template.Connections = append(template.Connections, testutil.Connect("finance", "end"))

	created, err := service.Create(t.Context(), template)
	require.NoError(t, err)

	_, err = service.Activate(t.Context(), created.ID)
	require.ErrorIs(t, err, ErrSyncWithoutBranches)
}

func TestTemplate_ActivateThenUpdateConflicts(t *testing.T) {
	service, _ := newTemplateService()

	template := testutil.LinearTemplate()
	template.Active = false

	created, err := service.Create(t.Context(), template)
	require.NoError(t, err)

	activated, err := service.Activate(t.Context(), created.ID)
	require.NoError(t, err)
	assert.True(t, activated.Active)

	_, err = service.Update(t.Context(), activated)
	require.ErrorIs(t, err, ErrTemplateActive)
	assert.True(t, IsConflictError(err))

	deactivated, err := service.Deactivate(t.Context(), created.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)

	_, err = service.Update(t.Context(), deactivated)
	require.NoError(t, err)
}

func TestTemplate_DeleteSoftDeletesWhenReferenced(t *testing.T) {
	service, store := newTemplateService()

	template := testutil.LinearTemplate()
	template.Active = false

	created, err := service.Create(t.Context(), template)
	require.NoError(t, err)

	_, err = service.Activate(t.Context(), created.ID)
	require.NoError(t, err)

	projectID := "project-1"
	instance := &models.WorkflowInstance{
		TemplateID: created.ID,
		Subject:    models.SubjectRef{ProjectID: &projectID},
		Status:     models.InstanceStatusActive,
	}
	require.NoError(t, store.InstanceRepository().Save(t.Context(), instance))

	require.NoError(t, service.Delete(t.Context(), created.ID))

	// Hidden from reads, but the row survives for the instance's sake.
	_, err = service.Get(t.Context(), created.ID)
	require.ErrorIs(t, err, ErrTemplateNotFound)

	// The pre-snapshot instance got a snapshot synthesized before the
	// template disappeared, so it can still route.
	reloaded, err := store.InstanceRepository().GetByID(t.Context(), instance.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.StartedSnapshot)
	assert.Len(t, reloaded.StartedSnapshot.Nodes, 4)
	assert.Len(t, reloaded.StartedSnapshot.Connections, 3)
}

func TestTemplate_DeleteRemovesUnreferenced(t *testing.T) {
	service, _ := newTemplateService()

	template := testutil.LinearTemplate()
	template.Active = false

	created, err := service.Create(t.Context(), template)
	require.NoError(t, err)

	require.NoError(t, service.Delete(t.Context(), created.ID))

	_, err = service.Get(t.Context(), created.ID)
	require.ErrorIs(t, err, ErrTemplateNotFound)
}
