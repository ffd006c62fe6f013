package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/calvora/stagehand/pkg/identity"
	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/persistence/memory"
	"github.com/calvora/stagehand/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUsers() []identity.User {
	return []identity.User{
		{ID: "alice", Roles: []string{"reviewer"}, Level: 1},
		{ID: "bob", Roles: []string{"legal"}, Level: 2},
		{ID: "carol", Roles: []string{"finance"}, Level: 3},
		{ID: "dave", Roles: []string{"approver"}, Level: 2},
		{ID: "root", Superadmin: true, Level: 10},
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	directory := identity.NewStaticDirectory(testUsers(), time.Now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(store, directory, logger, opts...), store
}

func testSubject() models.SubjectRef {
	projectID := "project-1"

	return models.SubjectRef{ProjectID: &projectID}
}

func saveTemplate(t *testing.T, store *memory.Persistence, template *models.WorkflowTemplate) {
	t.Helper()
	require.NoError(t, store.TemplateRepository().Save(t.Context(), template))
}

func stepAt(t *testing.T, store *memory.Persistence, instanceID, nodeID string, statuses ...models.StepStatus) *models.ActiveStep {
	t.Helper()

	steps, err := store.StepRepository().ListAtNode(t.Context(), instanceID, nodeID, statuses...)
	require.NoError(t, err)
	require.Len(t, steps, 1, "expected exactly one step at node %s", nodeID)

	return steps[0]
}

func TestStartInstance_InvalidSubject(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	saveTemplate(t, store, template)

	_, err := engine.StartInstance(t.Context(), template.ID, models.SubjectRef{}, "alice")
	require.ErrorIs(t, err, ErrInvalidSubject)

	projectID := "p"
	taskID := "t"
	both := models.SubjectRef{ProjectID: &projectID, TaskID: &taskID}

	_, err = engine.StartInstance(t.Context(), template.ID, both, "alice")
	require.ErrorIs(t, err, ErrInvalidSubject)
}

func TestStartInstance_TemplateInactive(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	template.Active = false
	saveTemplate(t, store, template)

	_, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.ErrorIs(t, err, ErrTemplateInactive)
}

func TestStartInstance_TemplateNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.StartInstance(t.Context(), "missing", testSubject(), "alice")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestStartInstance_CreatesInitialStep(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	assert.Equal(t, models.InstanceStatusActive, instance.Status)
	assert.NotNil(t, instance.StartedSnapshot)
	require.NotNil(t, instance.CurrentNodeID)
	assert.Equal(t, "review", *instance.CurrentNodeID)

	step := stepAt(t, store, instance.ID, "review", models.StepStatusActive)
	assert.Equal(t, "main", step.BranchID)
}

func TestAdvance_LinearFlowToCompletion(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	result, err := engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID,
		ActorID:    "alice",
	})
	require.NoError(t, err)
	require.Len(t, result.NextNodes, 1)
	assert.Equal(t, "approve", result.NextNodes[0].ID)

	result, err = engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID,
		ActorID:    "dave",
		Decision:   models.DecisionApproved,
	})
	require.NoError(t, err)
	assert.True(t, result.Completed)

	reloaded, err := store.InstanceRepository().GetByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, reloaded.Status)
	assert.NotNil(t, reloaded.CompletedAt)
	require.NotNil(t, reloaded.CompletedSnapshot)
	assert.NotEmpty(t, reloaded.CompletedSnapshot.HandoffsByNode["approve"])
}

func TestAdvance_UnauthorizedUser(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	// bob holds legal, not reviewer.
	_, err = engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID,
		ActorID:    "bob",
	})
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err))

	// Nothing advanced.
	step := stepAt(t, store, instance.ID, "review", models.StepStatusActive)
	assert.Equal(t, models.StepStatusActive, step.Status)
}

func TestAdvance_SuperadminBypassesAuthorization(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	result, err := engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID,
		ActorID:    "root",
	})
	require.NoError(t, err)
	require.Len(t, result.NextNodes, 1)
	assert.Equal(t, "approve", result.NextNodes[0].ID)
}

func TestAdvance_InstanceNotActive(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	require.NoError(t, engine.CancelInstance(t.Context(), instance.ID, "root", "superseded"))

	_, err = engine.Advance(t.Context(), AdvanceRequest{InstanceID: instance.ID, ActorID: "alice"})
	require.ErrorIs(t, err, ErrInstanceNotActive)
}

func TestAdvance_SnapshotShieldsInFlightInstances(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	// Rewire the live template so review leads straight to end.
	template.Connections = []*models.WorkflowConnection{
		testutil.Connect("start", "review"),
		testutil.Connect("review", "end"),
	}
	saveTemplate(t, store, template)

	result, err := engine.Advance(t.Context(), AdvanceRequest{InstanceID: instance.ID, ActorID: "alice"})
	require.NoError(t, err)

	// The snapshot still routes through the approval node.
	require.Len(t, result.NextNodes, 1)
	assert.Equal(t, "approve", result.NextNodes[0].ID)
	assert.False(t, result.Completed)
}

func TestAdvance_RoleWithNoEligibleUsers(t *testing.T) {
	engine, store := newTestEngine(t)

	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("start"), testutil.WithType(models.NodeTypeStart)),
		testutil.CreateTestNode(testutil.WithID("review"), testutil.WithType(models.NodeTypeRole), testutil.WithEntity("reviewer")),
		testutil.CreateTestNode(testutil.WithID("ghost"), testutil.WithType(models.NodeTypeRole), testutil.WithName("Ghost Check"), testutil.WithEntity("nonexistent-role")),
		testutil.CreateTestNode(testutil.WithID("end"), testutil.WithType(models.NodeTypeEnd)),
	}
	connections := []*models.WorkflowConnection{
		testutil.Connect("start", "review"),
		testutil.Connect("review", "ghost"),
		testutil.Connect("ghost", "end"),
	}
	template := testutil.CreateTestTemplate(nodes, connections)
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	_, err = engine.Advance(t.Context(), AdvanceRequest{InstanceID: instance.ID, ActorID: "alice"})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "nonexistent-role")

	// The failed call leaves no partial effects: the advancing step is
	// still open and the misconfigured node got no step.
	step := stepAt(t, store, instance.ID, "review", models.StepStatusActive)
	assert.Nil(t, step.Decision)

	ghost, err := store.StepRepository().ListAtNode(t.Context(), instance.ID, "ghost")
	require.NoError(t, err)
	assert.Empty(t, ghost)

	open, err := store.StepRepository().ListByInstance(t.Context(), instance.ID,
		models.StepStatusActive, models.StepStatusWaiting)
	require.NoError(t, err)
	require.Len(t, open, 1, "a failed advance must not leave the instance without an open step")
}

func TestStartInstance_RoleWithNoEligibleUsers(t *testing.T) {
	engine, store := newTestEngine(t)

	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("start"), testutil.WithType(models.NodeTypeStart)),
		testutil.CreateTestNode(testutil.WithID("ghost"), testutil.WithType(models.NodeTypeRole), testutil.WithEntity("nonexistent-role")),
		testutil.CreateTestNode(testutil.WithID("end"), testutil.WithType(models.NodeTypeEnd)),
	}
	connections := []*models.WorkflowConnection{
		testutil.Connect("start", "ghost"),
		testutil.Connect("ghost", "end"),
	}
	template := testutil.CreateTestTemplate(nodes, connections)
	saveTemplate(t, store, template)

	_, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	// No orphan instance row either.
	instances, err := store.InstanceRepository().ListByTemplate(t.Context(), template.ID)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestAdvance_RejectionNeverCompletes(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	_, err = engine.Advance(t.Context(), AdvanceRequest{InstanceID: instance.ID, ActorID: "alice"})
	require.NoError(t, err)

	// The approval node's only edge goes to end; a rejection must not slip
	// through it and close the workflow.
	_, err = engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID,
		ActorID:    "dave",
		Decision:   models.DecisionRejected,
	})
	require.ErrorIs(t, err, ErrRejectedCompletion)

	reloaded, err := store.InstanceRepository().GetByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusActive, reloaded.Status)
}

func TestAdvance_RejectionReactivatesEarlierStep(t *testing.T) {
	engine, store := newTestEngine(t)

	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("start"), testutil.WithType(models.NodeTypeStart)),
		testutil.CreateTestNode(testutil.WithID("review"), testutil.WithType(models.NodeTypeForm), testutil.WithEntity("reviewer")),
		testutil.CreateTestNode(testutil.WithID("approve"), testutil.WithType(models.NodeTypeApproval), testutil.WithEntity("approver")),
		testutil.CreateTestNode(testutil.WithID("end"), testutil.WithType(models.NodeTypeEnd)),
	}
	connections := []*models.WorkflowConnection{
		testutil.Connect("start", "review"),
		testutil.Connect("review", "approve"),
		testutil.ConnectIf("approve", "end", models.ConditionApproved),
		testutil.ConnectIf("approve", "review", models.ConditionRejected),
	}
	template := testutil.CreateTestTemplate(nodes, connections)
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	_, err = engine.Advance(t.Context(), AdvanceRequest{InstanceID: instance.ID, ActorID: "alice"})
	require.NoError(t, err)

	result, err := engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID,
		ActorID:    "dave",
		Decision:   models.DecisionRejected,
		Feedback:   "budget section missing",
	})
	require.NoError(t, err)
	require.Len(t, result.NewSteps, 1)
	assert.Equal(t, "review", result.NewSteps[0].NodeID)

	// Same row, revived: the unique constraint makes re-entry idempotent.
	step := stepAt(t, store, instance.ID, "review", models.StepStatusActive)
	assert.Equal(t, result.NewSteps[0].ID, step.ID)
	assert.Nil(t, step.Decision)
}

func TestCancelInstance(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	require.NoError(t, engine.CancelInstance(t.Context(), instance.ID, "root", "duplicate request"))

	reloaded, err := store.InstanceRepository().GetByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, reloaded.Status)

	err = engine.CancelInstance(t.Context(), instance.ID, "root", "again")
	require.ErrorIs(t, err, ErrInstanceNotActive)
}

func TestPendingStepsFor(t *testing.T) {
	engine, store := newTestEngine(t)
	template := testutil.LinearTemplate()
	saveTemplate(t, store, template)

	_, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	pending, err := engine.PendingStepsFor(t.Context(), "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "review", pending[0].NodeID)

	pending, err = engine.PendingStepsFor(t.Context(), "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = engine.PendingStepsFor(t.Context(), "root")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
