package engine

import (
	"testing"

	"github.com/calvora/stagehand/pkg/graph"
	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeIDs(nodes []*models.WorkflowNode) []string {
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}

	return ids
}

func TestResolveNext_PlainEdgesFork(t *testing.T) {
	template := testutil.ForkTemplate(false)
	g := graph.FromTemplate(template)

	targets, err := resolveNext(g, g.NodeByID("review"), "", nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"legal", "finance"}, nodeIDs(targets))
}

func TestResolveNext_DecisionEdges(t *testing.T) {
	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("approve"), testutil.WithType(models.NodeTypeApproval)),
		testutil.CreateTestNode(testutil.WithID("next"), testutil.WithType(models.NodeTypeRole)),
		testutil.CreateTestNode(testutil.WithID("rework"), testutil.WithType(models.NodeTypeForm)),
	}
	connections := []*models.WorkflowConnection{
		testutil.ConnectIf("approve", "next", models.ConditionApproved),
		testutil.ConnectIf("approve", "rework", models.ConditionRejected),
	}
	g := graph.New(nodes, connections)

	targets, err := resolveNext(g, g.NodeByID("approve"), models.DecisionApproved, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"next"}, nodeIDs(targets))

	targets, err = resolveNext(g, g.NodeByID("approve"), models.DecisionRejected, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"rework"}, nodeIDs(targets))
}

func TestResolveNext_DecisionFallsBackToPlainEdge(t *testing.T) {
	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("approve"), testutil.WithType(models.NodeTypeApproval)),
		testutil.CreateTestNode(testutil.WithID("next"), testutil.WithType(models.NodeTypeRole)),
	}
	connections := []*models.WorkflowConnection{
		testutil.Connect("approve", "next"),
	}
	g := graph.New(nodes, connections)

	targets, err := resolveNext(g, g.NodeByID("approve"), models.DecisionApproved, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"next"}, nodeIDs(targets))
}

func TestResolveNext_ConditionalPredicates(t *testing.T) {
	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("route"), testutil.WithType(models.NodeTypeConditional)),
		testutil.CreateTestNode(testutil.WithID("cfo"), testutil.WithType(models.NodeTypeApproval)),
		testutil.CreateTestNode(testutil.WithID("manager"), testutil.WithType(models.NodeTypeApproval)),
	}
	connections := []*models.WorkflowConnection{
		testutil.ConnectIf("route", "cfo", "amount>=10000"),
		testutil.Connect("route", "manager"),
	}
	g := graph.New(nodes, connections)

	targets, err := resolveNext(g, g.NodeByID("route"), "", nil, map[string]any{"amount": 25000})
	require.NoError(t, err)
	assert.Equal(t, []string{"cfo"}, nodeIDs(targets))

	// Below threshold: the single unlabeled edge is the default.
	targets, err = resolveNext(g, g.NodeByID("route"), "", nil, map[string]any{"amount": 500})
	require.NoError(t, err)
	assert.Equal(t, []string{"manager"}, nodeIDs(targets))

	// Unknown field: no match, default again.
	targets, err = resolveNext(g, g.NodeByID("route"), "", nil, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"manager"}, nodeIDs(targets))
}

func TestResolveNext_ConditionalWithoutDefaultErrors(t *testing.T) {
	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("route"), testutil.WithType(models.NodeTypeConditional)),
		testutil.CreateTestNode(testutil.WithID("cfo"), testutil.WithType(models.NodeTypeApproval)),
	}
	connections := []*models.WorkflowConnection{
		testutil.ConnectIf("route", "cfo", "amount>=10000"),
	}
	g := graph.New(nodes, connections)

	_, err := resolveNext(g, g.NodeByID("route"), "", nil, map[string]any{"amount": 1})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestResolveNext_ChainsThroughConditionals(t *testing.T) {
	// A node routing into a conditional resolves straight through it.
	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("review"), testutil.WithType(models.NodeTypeForm)),
		testutil.CreateTestNode(testutil.WithID("route"), testutil.WithType(models.NodeTypeConditional)),
		testutil.CreateTestNode(testutil.WithID("cfo"), testutil.WithType(models.NodeTypeApproval)),
		testutil.CreateTestNode(testutil.WithID("manager"), testutil.WithType(models.NodeTypeApproval)),
	}
	connections := []*models.WorkflowConnection{
		testutil.Connect("review", "route"),
		testutil.ConnectIf("route", "cfo", "amount>=10000"),
		testutil.Connect("route", "manager"),
	}
	g := graph.New(nodes, connections)

	targets, err := resolveNext(g, g.NodeByID("review"), "", nil, map[string]any{"amount": 99999})
	require.NoError(t, err)
	assert.Equal(t, []string{"cfo"}, nodeIDs(targets))
}

func TestResolveNext_ConditionalCycleIsBounded(t *testing.T) {
	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("a"), testutil.WithType(models.NodeTypeConditional)),
		testutil.CreateTestNode(testutil.WithID("b"), testutil.WithType(models.NodeTypeConditional)),
	}
	connections := []*models.WorkflowConnection{
		testutil.Connect("a", "b"),
		testutil.Connect("b", "a"),
	}
	g := graph.New(nodes, connections)

	_, err := resolveNext(g, g.NodeByID("a"), "", nil, nil)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestResolveNext_SyncRoutesByAggregate(t *testing.T) {
	template := testutil.ForkTemplate(true)
	g := graph.FromTemplate(template)
	sync := g.NodeByID("sync")

	allApproved := models.AggregateAllApproved
	targets, err := resolveNext(g, sync, "", &allApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"end"}, nodeIDs(targets))

	anyRejected := models.AggregateAnyRejected
	targets, err = resolveNext(g, sync, "", &anyRejected, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"review"}, nodeIDs(targets))
}

func TestResolveNext_SyncRejectedFallsThroughWithoutRejectionEdge(t *testing.T) {
	template := testutil.ForkTemplate(false)
	g := graph.FromTemplate(template)

	anyRejected := models.AggregateAnyRejected
	targets, err := resolveNext(g, g.NodeByID("sync"), "", &anyRejected, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"end"}, nodeIDs(targets))
}

func TestValidateRejectionTargets(t *testing.T) {
	template := testutil.ForkTemplate(true)
	g := graph.FromTemplate(template)

	// Routing into the sync is always acceptable.
	err := validateRejectionTargets(g, g.NodeByID("finance"), []*models.WorkflowNode{g.NodeByID("sync")})
	require.NoError(t, err)

	// No targets at all is a configuration hole.
	err = validateRejectionTargets(g, g.NodeByID("finance"), nil)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	// A self-loop cannot resolve a rejection.
	err = validateRejectionTargets(g, g.NodeByID("finance"), []*models.WorkflowNode{g.NodeByID("finance")})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	// Routing back to the form node is fine: the form intervenes by being
	// the target itself.
	err = validateRejectionTargets(g, g.NodeByID("finance"), []*models.WorkflowNode{g.NodeByID("review")})
	require.NoError(t, err)
}

func TestValidateRejectionTargets_CycleWithoutForm(t *testing.T) {
	nodes := []*models.WorkflowNode{
		testutil.CreateTestNode(testutil.WithID("a"), testutil.WithType(models.NodeTypeRole)),
		testutil.CreateTestNode(testutil.WithID("b"), testutil.WithType(models.NodeTypeApproval)),
	}
	connections := []*models.WorkflowConnection{
		testutil.Connect("a", "b"),
		testutil.ConnectIf("b", "a", models.ConditionRejected),
	}
	g := graph.New(nodes, connections)

	// b rejects to a, and a leads straight back to b with no form between:
	// an unbreakable rejection loop.
	err := validateRejectionTargets(g, g.NodeByID("b"), []*models.WorkflowNode{g.NodeByID("a")})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}
