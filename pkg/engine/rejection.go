package engine

import (
	"context"
	"fmt"

	"github.com/calvora/stagehand/pkg/branch"
	"github.com/calvora/stagehand/pkg/events"
	"github.com/calvora/stagehand/pkg/graph"
	"github.com/calvora/stagehand/pkg/models"
)

// handleRejection resolves a rejected decision on a forked branch. The
// configured rollback policy chooses between routing the rejection into the
// downstream sync, so sibling work survives and the join aggregates it, and a
// hard rollback that cancels the fork's generation and re-creates the target
// step on the parent branch.
func (e *Engine) handleRejection(
	ctx context.Context,
	instance *models.WorkflowInstance,
	g *graph.Model,
	step *models.ActiveStep,
	node *models.WorkflowNode,
	targets []*models.WorkflowNode,
	req AdvanceRequest,
) (*materializeOutcome, error) {
	parent := branchParentOf(step.BranchID)
	generation := branch.Generation(step.BranchID)

	sync := g.DownstreamSync(node.ID)

	progress, err := e.siblingProgress(ctx, instance.ID, step.BranchID, parent, generation)
	if err != nil {
		return nil, err
	}

	explicit := explicitTarget(targets, sync)

	rejection := RejectionContext{
		RejectedNode:    node,
		TargetNode:      explicit,
		SyncNode:        sync,
		SyncHasRejected: sync != nil && hasRejectionEdge(g, sync.ID),
		SiblingProgress: progress,
	}

	if sync != nil && e.rollback(rejection) {
		return e.preserveViaSync(ctx, instance, g, sync, step, req)
	}

	return e.hardRollback(ctx, instance, g, step, node, explicit, parent, generation, req)
}

// preserveViaSync sends the rejecting branch into the sync like any other
// arrival; the join's aggregate decision carries the rejection forward.
func (e *Engine) preserveViaSync(
	ctx context.Context,
	instance *models.WorkflowInstance,
	g *graph.Model,
	sync *models.WorkflowNode,
	step *models.ActiveStep,
	req AdvanceRequest,
) (*materializeOutcome, error) {
	outcome := &materializeOutcome{}

	if err := e.arriveAtSync(ctx, instance, g, sync, arrival{
		branchID: step.BranchID,
		userID:   req.ActorID,
		decision: req.Decision,
	}, outcome); err != nil {
		return nil, err
	}

	if len(outcome.routedTo) == 0 {
		outcome.routedTo = []*models.WorkflowNode{sync}
	}

	e.postSubjectNote(ctx, instance, fmt.Sprintf(
		"Branch rejected at %q; concurrent work preserved, outcome pending at sync", nodeLabel(g, step.NodeID)))

	return outcome, nil
}

// hardRollback cancels every open step of the fork's generation (nested
// generations included) and re-creates the rollback target as an active step
// on the parent branch.
func (e *Engine) hardRollback(
	ctx context.Context,
	instance *models.WorkflowInstance,
	g *graph.Model,
	step *models.ActiveStep,
	node *models.WorkflowNode,
	explicit *models.WorkflowNode,
	parent, generation string,
	req AdvanceRequest,
) (*materializeOutcome, error) {
	target := explicit
	if target == nil {
		origin, err := e.forkOrigin(ctx, instance.ID, parent, generation)
		if err != nil {
			return nil, err
		}

		target = g.NodeByID(origin)
		if target == nil {
			return nil, NewConfigError(node.ID, "rejection has no reachable rollback target")
		}
	}

	cancelled, err := e.cancelFork(ctx, instance.ID, parent, generation)
	if err != nil {
		return nil, err
	}

	assignee, err := e.assigneeFor(ctx, target, req)
	if err != nil {
		return nil, err
	}

	newStep, err := e.createOrReactivate(ctx, instance.ID, target.ID, parent,
		models.StepStatusActive, assignee, nil)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, instance.ID, events.RollbackPerformed{
		BaseEvent:      events.NewBaseEvent(events.RollbackPerformedEvent, instance.ID),
		RejectedNodeID: node.ID,
		TargetNodeID:   target.ID,
		Generation:     generation,
		Cancelled:      cancelled,
	})

	e.postSubjectNote(ctx, instance, fmt.Sprintf(
		"Rejection at %q rolled the workflow back to %q; %d concurrent steps cancelled",
		nodeLabel(g, node.ID), target.Name, cancelled))

	e.logger.InfoContext(ctx, "Hard rollback performed",
		"instance_id", instance.ID, "rejected_node_id", node.ID,
		"target_node_id", target.ID, "generation", generation, "cancelled", cancelled)

	return &materializeOutcome{
		newSteps: []*models.ActiveStep{newStep},
		routedTo: []*models.WorkflowNode{target},
	}, nil
}

// siblingProgress reports whether any sibling branch of the generation has
// moved between work nodes inside its branch. Neither the fork-creation
// record nor a decision parked at the sync counts: a sibling that only
// approved and waits is still safe to roll back.
func (e *Engine) siblingProgress(ctx context.Context, instanceID, rejectedBranch, parent, generation string) (bool, error) {
	records, err := e.persistence.HistoryRepository().ListByInstance(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to load history: %w", err)
	}

	ids := make([]string, 0, len(records)+1)
	ids = append(ids, rejectedBranch)

	for _, record := range records {
		ids = append(ids, record.BranchID)
	}

	arena := branch.NewArena(ids)

	siblings := make(map[string]bool)
	for _, id := range arena.SiblingsOf(rejectedBranch) {
		siblings[id] = true
	}

	origin := ""

	for _, record := range records {
		if branch.SameFork(record.BranchID, parent, generation) {
			origin = record.FromNodeID

			break
		}
	}

	for _, record := range records {
		if !siblings[record.BranchID] {
			continue
		}

		// Parked arrivals record no destination.
		if record.ToNodeID == nil {
			continue
		}

		if record.FromNodeID != origin {
			return true, nil
		}
	}

	return false, nil
}

// forkOrigin recovers the node the fork sprang from: the FromNodeID of the
// generation's earliest history record. The fork-creation records are written
// with the child branch ids, so the first one points back at the origin.
func (e *Engine) forkOrigin(ctx context.Context, instanceID, parent, generation string) (string, error) {
	records, err := e.persistence.HistoryRepository().ListByInstance(ctx, instanceID)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}

	for _, record := range records {
		if branch.SameFork(record.BranchID, parent, generation) {
			return record.FromNodeID, nil
		}
	}

	return "", fmt.Errorf("no fork record found for generation %s", generation)
}

// cancelFork cancels every open step whose branch belongs to the fork's
// generation, walking ancestry so nested fork generations are swept too.
func (e *Engine) cancelFork(ctx context.Context, instanceID, parent, generation string) (int, error) {
	steps := e.persistence.StepRepository()

	open, err := steps.ListByInstance(ctx, instanceID, models.StepStatusActive, models.StepStatusWaiting)
	if err != nil {
		return 0, fmt.Errorf("failed to list open steps: %w", err)
	}

	ids := make([]string, 0, len(open))
	for _, step := range open {
		ids = append(ids, step.BranchID)
	}

	arena := branch.NewArena(ids)

	cancelled := 0

	for _, step := range open {
		if !arena.InFork(step.BranchID, parent, generation) {
			continue
		}

		step.Status = models.StepStatusCancelled

		if err := steps.Update(ctx, step); err != nil {
			return cancelled, fmt.Errorf("failed to cancel step %s: %w", step.ID, err)
		}

		cancelled++
	}

	return cancelled, nil
}

// explicitTarget picks the resolver target that is an explicit rejection
// route, skipping the sync node itself.
func explicitTarget(targets []*models.WorkflowNode, sync *models.WorkflowNode) *models.WorkflowNode {
	for _, target := range targets {
		if target.Type == models.NodeTypeSync {
			continue
		}

		if sync != nil && target.ID == sync.ID {
			continue
		}

		return target
	}

	return nil
}

func hasRejectionEdge(g *graph.Model, syncNodeID string) bool {
	for _, edge := range g.Outgoing(syncNodeID) {
		if edge.Condition == models.ConditionAnyRejected || edge.Condition == models.ConditionRejected {
			return true
		}
	}

	return false
}

func nodeLabel(g *graph.Model, nodeID string) string {
	if node := g.NodeByID(nodeID); node != nil && node.Name != "" {
		return node.Name
	}

	return nodeID
}

func (e *Engine) postSubjectNote(ctx context.Context, instance *models.WorkflowInstance, note string) {
	if err := e.subjects.PostUpdate(ctx, instance.Subject, note); err != nil {
		e.logger.ErrorContext(ctx, "Failed to post subject note",
			"instance_id", instance.ID, "subject", instance.Subject.Key(), "error", err)
	}
}
