package engine

import (
	"testing"

	"github.com/calvora/stagehand/pkg/branch"
	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvance_HardRollbackCancelsSiblings(t *testing.T) {
	engine, store := newTestEngine(t)

	// No rejection edge on the sync: a rejection cannot be surfaced there.
	instance := startForkInstance(t, engine, store, false)

	legal := stepAt(t, store, instance.ID, "legal", models.StepStatusActive)
	finance := stepAt(t, store, instance.ID, "finance", models.StepStatusActive)

	_, err := engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID, StepID: legal.ID, ActorID: "bob", Decision: models.DecisionApproved,
	})
	require.NoError(t, err)

	result, err := engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID,
		StepID:     finance.ID,
		ActorID:    "carol",
		Decision:   models.DecisionRejected,
		Feedback:   "missing cost breakdown",
	})
	require.NoError(t, err)
	require.Len(t, result.NewSteps, 1)
	assert.Equal(t, "review", result.NewSteps[0].NodeID)
	assert.Equal(t, "main", result.NewSteps[0].BranchID)
	assert.False(t, result.Completed)

	// bob's parked arrival was swept with the fork.
	parked, err := store.StepRepository().ListAtNode(t.Context(), instance.ID, "sync", models.StepStatusCancelled)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, legal.BranchID, parked[0].BranchID)

	// Only the recreated review step remains open.
	open, err := store.StepRepository().ListByInstance(t.Context(), instance.ID,
		models.StepStatusActive, models.StepStatusWaiting)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "review", open[0].NodeID)
}

func TestAdvance_RejectionPreservedViaSyncEdge(t *testing.T) {
	engine, store := newTestEngine(t)

	// The sync carries an any_rejected edge back to review.
	instance := startForkInstance(t, engine, store, true)

	legal := stepAt(t, store, instance.ID, "legal", models.StepStatusActive)
	finance := stepAt(t, store, instance.ID, "finance", models.StepStatusActive)

	_, err := engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID, StepID: legal.ID, ActorID: "bob", Decision: models.DecisionApproved,
	})
	require.NoError(t, err)

	result, err := engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID, StepID: finance.ID, ActorID: "carol", Decision: models.DecisionRejected,
	})
	require.NoError(t, err)

	// The rejection arrived at the sync like any sibling; nothing cancelled.
	require.Len(t, result.NewSteps, 1)
	leader := result.NewSteps[0]
	assert.Equal(t, "sync", leader.NodeID)
	require.NotNil(t, leader.AggregateDecision)
	assert.Equal(t, models.AggregateAnyRejected, *leader.AggregateDecision)

	cancelled, err := store.StepRepository().ListByInstance(t.Context(), instance.ID, models.StepStatusCancelled)
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestAdvance_RejectionPreservedWhenSiblingProgressed(t *testing.T) {
	engine, store := newTestEngine(t)

	// Two-stage legal branch, sync without a rejection edge: only the
	// sibling's in-branch progress argues for preservation.
	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("start"), testutil.WithType(models.NodeTypeStart)),
		testutil.CreateTestNode(testutil.WithID("review"), testutil.WithType(models.NodeTypeForm), testutil.WithEntity("reviewer")),
		testutil.CreateTestNode(testutil.WithID("legal-draft"), testutil.WithType(models.NodeTypeRole), testutil.WithEntity("legal")),
		testutil.CreateTestNode(testutil.WithID("legal-sign"), testutil.WithType(models.NodeTypeApproval), testutil.WithEntity("legal")),
		testutil.CreateTestNode(testutil.WithID("finance"), testutil.WithType(models.NodeTypeApproval), testutil.WithEntity("finance")),
		testutil.CreateTestNode(testutil.WithID("sync"), testutil.WithType(models.NodeTypeSync)),
		testutil.CreateTestNode(testutil.WithID("end"), testutil.WithType(models.NodeTypeEnd)),
	}
	connections := []*models.WorkflowConnection{
		testutil.Connect("start", "review"),
		testutil.Connect("review", "legal-draft"),
		testutil.Connect("review", "finance"),
		testutil.Connect("legal-draft", "legal-sign"),
		testutil.Connect("legal-sign", "sync"),
		testutil.Connect("finance", "sync"),
		testutil.ConnectIf("sync", "end", models.ConditionApproved),
	}
	template := testutil.CreateTestTemplate(nodes, connections)
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	_, err = engine.Advance(t.Context(), AdvanceRequest{InstanceID: instance.ID, ActorID: "alice"})
	require.NoError(t, err)

	draft := stepAt(t, store, instance.ID, "legal-draft", models.StepStatusActive)
	finance := stepAt(t, store, instance.ID, "finance", models.StepStatusActive)

	// bob moves within his branch: that is real progress.
	_, err = engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID, StepID: draft.ID, ActorID: "bob",
	})
	require.NoError(t, err)

	result, err := engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID, StepID: finance.ID, ActorID: "carol", Decision: models.DecisionRejected,
	})
	require.NoError(t, err)
	assert.True(t, result.Waiting)

	// bob's in-flight work survived the rejection.
	sign := stepAt(t, store, instance.ID, "legal-sign", models.StepStatusActive)
	assert.Equal(t, models.StepStatusActive, sign.Status)
}

func TestAdvance_ExplicitRejectionEdgeBeatsPreservation(t *testing.T) {
	engine, store := newTestEngine(t)

	template := testutil.ForkTemplate(true)
	template.Connections = append(template.Connections,
		testutil.ConnectIf("finance", "review", models.ConditionRejected))
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	_, err = engine.Advance(t.Context(), AdvanceRequest{InstanceID: instance.ID, ActorID: "alice"})
	require.NoError(t, err)

	legal := stepAt(t, store, instance.ID, "legal", models.StepStatusActive)
	finance := stepAt(t, store, instance.ID, "finance", models.StepStatusActive)

	result, err := engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID, StepID: finance.ID, ActorID: "carol", Decision: models.DecisionRejected,
	})
	require.NoError(t, err)
	require.Len(t, result.NewSteps, 1)
	assert.Equal(t, "review", result.NewSteps[0].NodeID)

	// The drawn rejection route wins: the sibling branch is rolled back, not
	// parked for the sync.
	reloadedLegal, err := store.StepRepository().GetByID(t.Context(), legal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCancelled, reloadedLegal.Status)
}

func TestAdvance_HardRollbackSweepsNestedGenerations(t *testing.T) {
	engine, store := newTestEngine(t)

	// The legal branch forks again before its sync, so a finance rejection
	// must cancel the grandchild steps along with the direct siblings.
	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("start"), testutil.WithType(models.NodeTypeStart)),
		testutil.CreateTestNode(testutil.WithID("review"), testutil.WithType(models.NodeTypeForm), testutil.WithEntity("reviewer")),
		testutil.CreateTestNode(testutil.WithID("fan"), testutil.WithType(models.NodeTypeRole), testutil.WithEntity("legal")),
		testutil.CreateTestNode(testutil.WithID("clause-a"), testutil.WithType(models.NodeTypeApproval), testutil.WithEntity("legal")),
		testutil.CreateTestNode(testutil.WithID("clause-b"), testutil.WithType(models.NodeTypeApproval), testutil.WithEntity("legal")),
		testutil.CreateTestNode(testutil.WithID("finance"), testutil.WithType(models.NodeTypeApproval), testutil.WithEntity("finance")),
		testutil.CreateTestNode(testutil.WithID("inner-sync"), testutil.WithType(models.NodeTypeSync)),
		testutil.CreateTestNode(testutil.WithID("sync"), testutil.WithType(models.NodeTypeSync)),
		testutil.CreateTestNode(testutil.WithID("end"), testutil.WithType(models.NodeTypeEnd)),
	}
	connections := []*models.WorkflowConnection{
		testutil.Connect("start", "review"),
		testutil.Connect("review", "fan"),
		testutil.Connect("review", "finance"),
		testutil.Connect("fan", "clause-a"),
		testutil.Connect("fan", "clause-b"),
		testutil.Connect("clause-a", "inner-sync"),
		testutil.Connect("clause-b", "inner-sync"),
		testutil.Connect("inner-sync", "sync"),
		testutil.Connect("finance", "sync"),
		testutil.ConnectIf("sync", "end", models.ConditionApproved),
	}
	template := testutil.CreateTestTemplate(nodes, connections)
	saveTemplate(t, store, template)

	instance, err := engine.StartInstance(t.Context(), template.ID, testSubject(), "alice")
	require.NoError(t, err)

	_, err = engine.Advance(t.Context(), AdvanceRequest{InstanceID: instance.ID, ActorID: "alice"})
	require.NoError(t, err)

	// bob fans the legal branch out into a nested generation.
	fan := stepAt(t, store, instance.ID, "fan", models.StepStatusActive)
	_, err = engine.Advance(t.Context(), AdvanceRequest{InstanceID: instance.ID, StepID: fan.ID, ActorID: "bob"})
	require.NoError(t, err)

	clauseA := stepAt(t, store, instance.ID, "clause-a", models.StepStatusActive)
	clauseB := stepAt(t, store, instance.ID, "clause-b", models.StepStatusActive)
	assert.True(t, branch.IsForked(clauseA.BranchID))
	require.NotEqual(t, branch.Generation(clauseA.BranchID), branch.Generation(fan.BranchID))

	finance := stepAt(t, store, instance.ID, "finance", models.StepStatusActive)

	result, err := engine.Advance(t.Context(), AdvanceRequest{
		InstanceID: instance.ID, StepID: finance.ID, ActorID: "carol", Decision: models.DecisionRejected,
	})
	require.NoError(t, err)
	require.Len(t, result.NewSteps, 1)
	assert.Equal(t, "review", result.NewSteps[0].NodeID)

	// Both grandchild steps were swept with the fork.
	for _, id := range []string{clauseA.ID, clauseB.ID} {
		reloaded, err := store.StepRepository().GetByID(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StepStatusCancelled, reloaded.Status)
	}

	open, err := store.StepRepository().ListByInstance(t.Context(), instance.ID,
		models.StepStatusActive, models.StepStatusWaiting)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "review", open[0].NodeID)
}
