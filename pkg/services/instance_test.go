package services

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/calvora/stagehand/pkg/engine"
	"github.com/calvora/stagehand/pkg/identity"
	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/persistence"
	"github.com/calvora/stagehand/pkg/persistence/memory"
	"github.com/calvora/stagehand/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstanceService(t *testing.T) (*Instance, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	directory := identity.NewStaticDirectory([]identity.User{
		{ID: "alice", Roles: []string{"reviewer"}, Level: 1},
		{ID: "dave", Roles: []string{"approver"}, Level: 2},
	}, time.Now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewInstance(store, engine.New(store, directory, logger)), store
}

func startTestInstance(t *testing.T, service *Instance, store *memory.Persistence) *models.WorkflowInstance {
	t.Helper()

	template := testutil.LinearTemplate()
	require.NoError(t, store.TemplateRepository().Save(t.Context(), template))

	projectID := "project-1"
	instance, err := service.Start(t.Context(), template.ID, models.SubjectRef{ProjectID: &projectID}, "alice")
	require.NoError(t, err)

	return instance
}

func TestInstance_GetReturnsDetail(t *testing.T) {
	service, store := newInstanceService(t)
	instance := startTestInstance(t, service, store)

	detail, err := service.Get(t.Context(), instance.ID)
	require.NoError(t, err)

	assert.Equal(t, instance.ID, detail.Instance.ID)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, "review", detail.Steps[0].NodeID)
	require.Len(t, detail.History, 1)
	assert.Equal(t, "start", detail.History[0].FromNodeID)
}

func TestInstance_GetNotFound(t *testing.T) {
	service, _ := newInstanceService(t)

	_, err := service.Get(t.Context(), "missing")
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func TestInstance_AdvanceThroughService(t *testing.T) {
	service, store := newInstanceService(t)
	instance := startTestInstance(t, service, store)

	result, err := service.Advance(t.Context(), engine.AdvanceRequest{
		InstanceID: instance.ID,
		ActorID:    "alice",
	})
	require.NoError(t, err)
	require.Len(t, result.NextNodes, 1)
	assert.Equal(t, "approve", result.NextNodes[0].ID)

	pending, err := service.PendingFor(t.Context(), "dave")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "approve", pending[0].NodeID)
}

func TestInstance_ListBySubject(t *testing.T) {
	service, store := newInstanceService(t)
	instance := startTestInstance(t, service, store)

	listed, err := service.ListBySubject(t.Context(), instance.Subject)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, instance.ID, listed[0].ID)

	_, err = service.ListBySubject(t.Context(), models.SubjectRef{})
	require.ErrorIs(t, err, engine.ErrInvalidSubject)
}

func TestInstance_CancelThroughService(t *testing.T) {
	service, store := newInstanceService(t)
	instance := startTestInstance(t, service, store)

	require.NoError(t, service.Cancel(t.Context(), instance.ID, "alice", "no longer needed"))

	detail, err := service.Get(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, detail.Instance.Status)
}
