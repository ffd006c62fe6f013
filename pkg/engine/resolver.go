package engine

import (
	"github.com/calvora/stagehand/pkg/forms"
	"github.com/calvora/stagehand/pkg/graph"
	"github.com/calvora/stagehand/pkg/models"
)

// maxConditionalHops bounds transparent conditional chaining so a cycle of
// conditional nodes cannot loop forever.
const maxConditionalHops = 10

// resolveNext computes the node(s) an advancing event moves to. aggregate is
// the stored aggregate decision when the current node is a sync; formData is
// the accumulated form payload for conditional/form predicates.
//
// Conditional nodes are chained through transparently: callers never see a
// conditional as a stopping point.
func resolveNext(
	g *graph.Model,
	node *models.WorkflowNode,
	decision models.Decision,
	aggregate *models.AggregateDecision,
	formData map[string]any,
) ([]*models.WorkflowNode, error) {
	targets, err := resolveDirect(g, node, decision, aggregate, formData)
	if err != nil {
		return nil, err
	}

	return chainConditionals(g, node, targets, formData)
}

// resolveDirect applies one routing step without conditional chaining.
func resolveDirect(
	g *graph.Model,
	node *models.WorkflowNode,
	decision models.Decision,
	aggregate *models.AggregateDecision,
	formData map[string]any,
) ([]*models.WorkflowNode, error) {
	edges := g.Outgoing(node.ID)

	switch {
	case node.Type == models.NodeTypeConditional:
		return resolveConditional(g, node, edges, decision, formData)

	case node.Type == models.NodeTypeApproval && decision != "":
		return resolveDecision(g, edges, decision), nil

	case node.Type == models.NodeTypeSync:
		return resolveSync(g, edges, aggregate), nil

	default:
		// Every plain edge is followed; two or more is a fork.
		return targetsOf(g, plainEdges(edges)), nil
	}
}

// resolveConditional evaluates form-data predicates on the outgoing edges in
// order; the first match wins. With no match it falls back to the single
// unlabeled default edge, then to legacy decision-tag matching.
func resolveConditional(
	g *graph.Model,
	node *models.WorkflowNode,
	edges []*models.WorkflowConnection,
	decision models.Decision,
	formData map[string]any,
) ([]*models.WorkflowNode, error) {
	for _, edge := range edges {
		if !forms.IsPredicate(edge.Condition) {
			continue
		}

		matched, err := forms.MatchPredicate(edge.Condition, formData)
		if err != nil {
			return nil, NewConfigError(node.ID, "invalid edge condition %q: %v", edge.Condition, err)
		}

		if matched {
			return targetsOf(g, []*models.WorkflowConnection{edge}), nil
		}
	}

	if plain := plainEdges(edges); len(plain) > 0 {
		return targetsOf(g, plain[:1]), nil
	}

	if decision != "" {
		if matched := resolveDecision(g, edges, decision); len(matched) > 0 {
			return matched, nil
		}
	}

	return nil, NewConfigError(node.ID, "conditional node has no matching edge and no default")
}

// resolveDecision selects the edges whose condition equals the decision,
// falling back to the unlabeled default edges.
func resolveDecision(g *graph.Model, edges []*models.WorkflowConnection, decision models.Decision) []*models.WorkflowNode {
	var matched []*models.WorkflowConnection

	for _, edge := range edges {
		if edge.Condition == string(decision) {
			matched = append(matched, edge)
		}
	}

	if len(matched) == 0 {
		matched = plainEdges(edges)
	}

	return targetsOf(g, matched)
}

// resolveSync routes using the stored aggregate decision set when the join
// released, not the triggering user's decision. A rejected aggregate prefers
// a rejection-outcome edge and falls through to the approved/default path
// when none is configured.
func resolveSync(
	g *graph.Model,
	edges []*models.WorkflowConnection,
	aggregate *models.AggregateDecision,
) []*models.WorkflowNode {
	if aggregate != nil && aggregate.Rejected() {
		for _, condition := range []string{models.ConditionAnyRejected, models.ConditionRejected} {
			for _, edge := range edges {
				if edge.Condition == condition {
					return targetsOf(g, []*models.WorkflowConnection{edge})
				}
			}
		}
	}

	for _, edge := range edges {
		if edge.Condition == models.ConditionApproved {
			return targetsOf(g, []*models.WorkflowConnection{edge})
		}
	}

	return targetsOf(g, plainEdges(edges))
}

// chainConditionals re-resolves through any conditional target until only
// non-conditional nodes remain, bounded by maxConditionalHops.
func chainConditionals(
	g *graph.Model,
	origin *models.WorkflowNode,
	targets []*models.WorkflowNode,
	formData map[string]any,
) ([]*models.WorkflowNode, error) {
	for hop := 0; hop < maxConditionalHops; hop++ {
		var (
			resolved    []*models.WorkflowNode
			conditional bool
		)

		for _, target := range targets {
			if target.Type != models.NodeTypeConditional {
				resolved = append(resolved, target)

				continue
			}

			conditional = true

			next, err := resolveDirect(g, target, "", nil, formData)
			if err != nil {
				return nil, err
			}

			resolved = append(resolved, next...)
		}

		if !conditional {
			return dedupe(resolved), nil
		}

		targets = resolved
	}

	return nil, NewConfigError(origin.ID, "conditional chain exceeds %d hops", maxConditionalHops)
}

func plainEdges(edges []*models.WorkflowConnection) []*models.WorkflowConnection {
	var plain []*models.WorkflowConnection

	for _, edge := range edges {
		if edge.IsPlain() {
			plain = append(plain, edge)
		}
	}

	return plain
}

func targetsOf(g *graph.Model, edges []*models.WorkflowConnection) []*models.WorkflowNode {
	var targets []*models.WorkflowNode

	for _, edge := range edges {
		if node := g.NodeByID(edge.ToNodeID); node != nil {
			targets = append(targets, node)
		}
	}

	return targets
}

func dedupe(nodes []*models.WorkflowNode) []*models.WorkflowNode {
	seen := make(map[string]bool, len(nodes))

	var out []*models.WorkflowNode

	for _, node := range nodes {
		if !seen[node.ID] {
			seen[node.ID] = true
			out = append(out, node)
		}
	}

	return out
}

// validateRejectionTargets enforces the misconfiguration policy for rejected
// decisions: a rejection must never silently terminate or loop the workflow.
func validateRejectionTargets(g *graph.Model, current *models.WorkflowNode, targets []*models.WorkflowNode) error {
	if len(targets) == 0 {
		return NewConfigError(current.ID, "rejected decision resolves to no next node; configure a rejection path")
	}

	for _, target := range targets {
		if target.ID == current.ID {
			return NewConfigError(current.ID, "rejected decision loops back to the same node")
		}

		if target.Type == models.NodeTypeSync {
			continue
		}

		if g.HasPathWithout(target.ID, current.ID, models.NodeTypeForm) {
			return NewConfigError(current.ID,
				"rejection target %s cycles back without an intervening form node", target.ID)
		}
	}

	return nil
}
