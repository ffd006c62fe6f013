package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calvora/stagehand/pkg/branch"
	"github.com/calvora/stagehand/pkg/events"
	"github.com/calvora/stagehand/pkg/graph"
	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/persistence"
)

// materializeOutcome reports what entering the resolved nodes produced.
type materializeOutcome struct {
	newSteps []*models.ActiveStep
	waiting  bool
	// routedTo overrides the resolver's targets when the rejection resolver
	// redirected the flow (into a sync, or back past the fork).
	routedTo []*models.WorkflowNode
}

// arrival is the advancing event as seen by a sync node: the branch it came
// in on, who triggered it and with what decision. The decision is threaded
// explicitly because the advancing step's history record is written after
// materialization. planned carries all branch ids of an in-flight fork, so
// the join counts siblings whose step rows have not landed yet — a branch
// that leads straight into the sync never gets a row of its own.
type arrival struct {
	branchID string
	userID   string
	decision models.Decision
	planned  []string
}

// materialize creates the steps for the resolved target nodes. Two or more
// targets fork the advancing branch into child branches under a fresh flow
// generation; a single target continues on the same branch.
func (e *Engine) materialize(
	ctx context.Context,
	instance *models.WorkflowInstance,
	g *graph.Model,
	fromStep *models.ActiveStep,
	targets []*models.WorkflowNode,
	req AdvanceRequest,
) (*materializeOutcome, error) {
	outcome := &materializeOutcome{}

	if len(targets) >= 2 {
		generation := branch.NewGeneration()

		children := make([]string, len(targets))
		for i := range targets {
			children[i] = branch.Child(fromStep.BranchID, i, generation)
		}

		for i, target := range targets {
			if err := e.enterNode(ctx, instance, g, target, children[i], children, req, outcome); err != nil {
				return nil, err
			}
		}

		return outcome, nil
	}

	for _, target := range targets {
		if err := e.enterNode(ctx, instance, g, target, fromStep.BranchID, nil, req, outcome); err != nil {
			return nil, err
		}
	}

	return outcome, nil
}

// enterNode materializes one target node on one branch. End nodes create no
// step; sync nodes go through the join protocol; work nodes get an active
// step, reactivating any prior row at the same position.
func (e *Engine) enterNode(
	ctx context.Context,
	instance *models.WorkflowInstance,
	g *graph.Model,
	node *models.WorkflowNode,
	branchID string,
	planned []string,
	req AdvanceRequest,
	outcome *materializeOutcome,
) error {
	switch node.Type {
	case models.NodeTypeEnd:
		return nil

	case models.NodeTypeSync:
		return e.arriveAtSync(ctx, instance, g, node, arrival{
			branchID: branchID,
			userID:   req.ActorID,
			decision: req.Decision,
			planned:  planned,
		}, outcome)

	default:
		assignee, err := e.assigneeFor(ctx, node, req)
		if err != nil {
			return err
		}

		step, err := e.createOrReactivate(ctx, instance.ID, node.ID, branchID, models.StepStatusActive, assignee, nil)
		if err != nil {
			return err
		}

		outcome.newSteps = append(outcome.newSteps, step)

		return nil
	}
}

// assigneeFor picks the assigned user for a new step. An explicit override
// wins; otherwise role and department nodes stay unassigned for any eligible
// member to pick up, after verifying at least one such member exists.
func (e *Engine) assigneeFor(ctx context.Context, node *models.WorkflowNode, req AdvanceRequest) (*string, error) {
	if userID, ok := req.Assignees[node.ID]; ok && userID != "" {
		return &userID, nil
	}

	if node.EntityID == nil {
		return nil, nil
	}

	switch node.Type {
	case models.NodeTypeRole, models.NodeTypeApproval:
		users, err := e.directory.UsersWithRole(ctx, *node.EntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to list users with role %s: %w", *node.EntityID, err)
		}

		if len(users) == 0 {
			return nil, NewConfigError(node.ID, "no users hold role %q required by %q", *node.EntityID, node.Name)
		}

	case models.NodeTypeDepartment:
		users, err := e.directory.UsersInDepartment(ctx, *node.EntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to list users in department %s: %w", *node.EntityID, err)
		}

		if len(users) == 0 {
			return nil, NewConfigError(node.ID, "no users in department %q required by %q", *node.EntityID, node.Name)
		}
	}

	return nil, nil
}

// validateTargetAssignees runs the eligible-user checks for every resolved
// work target, so a misconfigured node fails the call before the advancing
// step is touched.
func (e *Engine) validateTargetAssignees(ctx context.Context, targets []*models.WorkflowNode, req AdvanceRequest) error {
	for _, target := range targets {
		if target.Type == models.NodeTypeEnd || target.Type == models.NodeTypeSync {
			continue
		}

		if _, err := e.assigneeFor(ctx, target, req); err != nil {
			return err
		}
	}

	return nil
}

// createOrReactivate inserts the step at (instance, node, branch), or revives
// the existing row when the flow re-enters a position it has visited. The
// unique constraint in the store makes re-entry idempotent under races.
func (e *Engine) createOrReactivate(
	ctx context.Context,
	instanceID, nodeID, branchID string,
	status models.StepStatus,
	assignee *string,
	aggregate *models.AggregateDecision,
) (*models.ActiveStep, error) {
	steps := e.persistence.StepRepository()

	step := &models.ActiveStep{
		InstanceID:        instanceID,
		NodeID:            nodeID,
		BranchID:          branchID,
		Status:            status,
		AssignedUserID:    assignee,
		AggregateDecision: aggregate,
	}

	err := steps.Create(ctx, step)
	if err == nil {
		return step, nil
	}

	if !errors.Is(err, persistence.ErrDuplicateStep) {
		return nil, fmt.Errorf("failed to create step at node %s: %w", nodeID, err)
	}

	existing, err := steps.Find(ctx, instanceID, nodeID, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing step at node %s: %w", nodeID, err)
	}

	if existing == nil {
		return nil, persistence.NewStepError("reactivate", instanceID, nodeID, branchID, persistence.ErrStepNotFound)
	}

	existing.Status = status
	existing.AssignedUserID = assignee
	existing.Decision = nil
	existing.AggregateDecision = aggregate
	existing.UpdatedAt = time.Now().UTC()

	if err := steps.Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to reactivate step at node %s: %w", nodeID, err)
	}

	return existing, nil
}

// arriveAtSync runs the join protocol for one branch reaching a sync node.
// Count-and-release is serialized by the lock on (instance, sync node); a
// losing contender parks its branch as waiting and returns, letting the final
// arrival release the join.
func (e *Engine) arriveAtSync(
	ctx context.Context,
	instance *models.WorkflowInstance,
	g *graph.Model,
	sync *models.WorkflowNode,
	arr arrival,
	outcome *materializeOutcome,
) error {
	parent, forked := branch.Parent(arr.branchID)
	if !forked {
		// A sync entered outside any fork degrades to a pass-through
		// position held by the arriving user.
		step, err := e.createOrReactivate(ctx, instance.ID, sync.ID, arr.branchID,
			models.StepStatusActive, &arr.userID, nil)
		if err != nil {
			return err
		}

		outcome.newSteps = append(outcome.newSteps, step)

		return nil
	}

	generation := branch.Generation(arr.branchID)

	acquired, err := e.locks.Acquire(ctx, instance.ID, sync.ID)
	if err != nil {
		return fmt.Errorf("failed to acquire sync lock: %w", err)
	}

	if !acquired {
		// A sibling holds the lock; it will see this branch once the row
		// lands, or the next arrival counts it.
		return e.parkWaiting(ctx, instance, sync, arr, generation, outcome)
	}

	defer func() {
		if err := e.locks.Release(ctx, instance.ID, sync.ID); err != nil {
			e.logger.ErrorContext(ctx, "Failed to release sync lock",
				"instance_id", instance.ID, "sync_node_id", sync.ID, "error", err)
		}
	}()

	waiting, err := e.waitingSiblings(ctx, instance.ID, sync.ID, parent, generation)
	if err != nil {
		return err
	}

	expected, err := e.expectedArrivals(ctx, instance.ID, parent, generation, arr)
	if err != nil {
		return err
	}

	arrived := len(waiting) + 1
	if arrived < expected {
		return e.parkWaiting(ctx, instance, sync, arr, generation, outcome)
	}

	return e.releaseJoin(ctx, instance, g, sync, arr, parent, generation, waiting, outcome)
}

// parkWaiting records the branch's arrival as a waiting step.
func (e *Engine) parkWaiting(
	ctx context.Context,
	instance *models.WorkflowInstance,
	sync *models.WorkflowNode,
	arr arrival,
	generation string,
	outcome *materializeOutcome,
) error {
	if _, err := e.createOrReactivate(ctx, instance.ID, sync.ID, arr.branchID,
		models.StepStatusWaiting, &arr.userID, nil); err != nil {
		return err
	}

	outcome.waiting = true

	expected, err := e.expectedArrivals(ctx, instance.ID, branchParentOf(arr.branchID), generation, arr)
	if err != nil {
		return err
	}

	waiting, err := e.waitingSiblings(ctx, instance.ID, sync.ID, branchParentOf(arr.branchID), generation)
	if err != nil {
		return err
	}

	e.publish(ctx, instance.ID, events.BranchWaiting{
		BaseEvent:  events.NewBaseEvent(events.BranchWaitingEvent, instance.ID),
		SyncNodeID: sync.ID,
		BranchID:   arr.branchID,
		Arrived:    len(waiting),
		Expected:   expected,
	})

	e.logger.InfoContext(ctx, "Branch waiting at sync",
		"instance_id", instance.ID, "sync_node_id", sync.ID,
		"branch_id", arr.branchID, "arrived", len(waiting), "expected", expected)

	return nil
}

func branchParentOf(id string) string {
	parent, _ := branch.Parent(id)

	return parent
}

// releaseJoin completes the parked sibling steps, computes the aggregate
// decision, elects the leader and creates the single post-join step at the
// sync node on the parent branch. The join releases exactly once; the parked
// rows transition to completed inside the same lock hold.
func (e *Engine) releaseJoin(
	ctx context.Context,
	instance *models.WorkflowInstance,
	g *graph.Model,
	sync *models.WorkflowNode,
	arr arrival,
	parent, generation string,
	waiting []*models.ActiveStep,
	outcome *materializeOutcome,
) error {
	now := time.Now().UTC()
	steps := e.persistence.StepRepository()

	for _, sibling := range waiting {
		sibling.Status = models.StepStatusCompleted
		sibling.UpdatedAt = now

		if err := steps.Update(ctx, sibling); err != nil {
			return fmt.Errorf("failed to complete waiting step %s: %w", sibling.ID, err)
		}
	}

	aggregate, participants, err := e.aggregateForGeneration(ctx, instance.ID, parent, generation, arr)
	if err != nil {
		return err
	}

	leaderID, err := e.electLeader(ctx, participants)
	if err != nil {
		return err
	}

	if leaderID == "" {
		leaderID = arr.userID
	}

	leaderStep, err := e.createOrReactivate(ctx, instance.ID, sync.ID, parent,
		models.StepStatusActive, &leaderID, &aggregate)
	if err != nil {
		return err
	}

	outcome.newSteps = append(outcome.newSteps, leaderStep)
	outcome.routedTo = []*models.WorkflowNode{sync}

	e.publish(ctx, instance.ID, events.JoinReleased{
		BaseEvent:  events.NewBaseEvent(events.JoinReleasedEvent, instance.ID),
		SyncNodeID: sync.ID,
		Generation: generation,
		Aggregate:  aggregate,
		LeaderID:   leaderID,
	})

	e.logger.InfoContext(ctx, "Join released",
		"instance_id", instance.ID, "sync_node_id", sync.ID,
		"generation", generation, "aggregate", string(aggregate), "leader_id", leaderID)

	return nil
}

// waitingSiblings lists the parked steps at the sync node belonging to this
// fork's generation. Stale rows from earlier generations never count.
func (e *Engine) waitingSiblings(ctx context.Context, instanceID, syncNodeID, parent, generation string) ([]*models.ActiveStep, error) {
	parked, err := e.persistence.StepRepository().ListAtNode(ctx, instanceID, syncNodeID, models.StepStatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting steps: %w", err)
	}

	var siblings []*models.ActiveStep

	for _, step := range parked {
		if branch.SameFork(step.BranchID, parent, generation) {
			siblings = append(siblings, step)
		}
	}

	return siblings, nil
}

// expectedArrivals counts the distinct sibling branches of the fork for this
// generation: the branches with non-cancelled step rows, the arriving branch
// itself, and any branches the in-flight fork is still creating. Deriving the
// width from the branches rather than the sync's incoming edge count keeps
// the join correct when extra edges (a rejection route, say) enter the sync.
func (e *Engine) expectedArrivals(ctx context.Context, instanceID, parent, generation string, arr arrival) (int, error) {
	all, err := e.persistence.StepRepository().ListByInstance(ctx, instanceID,
		models.StepStatusActive, models.StepStatusWaiting, models.StepStatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to list steps: %w", err)
	}

	branches := make(map[string]bool)

	for _, step := range all {
		if branch.SameFork(step.BranchID, parent, generation) {
			branches[step.BranchID] = true
		}
	}

	if branch.SameFork(arr.branchID, parent, generation) {
		branches[arr.branchID] = true
	}

	for _, id := range arr.planned {
		if branch.SameFork(id, parent, generation) {
			branches[id] = true
		}
	}

	return len(branches), nil
}

// aggregateForGeneration folds the latest decision of every sibling branch
// into the aggregate outcome. The arriving branch's decision is supplied
// directly because its history record is not written yet.
func (e *Engine) aggregateForGeneration(
	ctx context.Context,
	instanceID, parent, generation string,
	arr arrival,
) (models.AggregateDecision, []string, error) {
	records, err := e.persistence.HistoryRepository().ListByInstance(ctx, instanceID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load history: %w", err)
	}

	latest := make(map[string]models.Decision)
	branches := make(map[string]bool)

	var participants []string

	seen := make(map[string]bool)

	for _, record := range records {
		if !branch.SameFork(record.BranchID, parent, generation) {
			continue
		}

		branches[record.BranchID] = true

		if record.Decision == nil {
			continue
		}

		latest[record.BranchID] = *record.Decision

		// Only deciders are leader candidates; the fork-creation records
		// carry the upstream actor and do not count.
		if record.UserID != "" && !seen[record.UserID] {
			seen[record.UserID] = true
			participants = append(participants, record.UserID)
		}
	}

	if branch.SameFork(arr.branchID, parent, generation) {
		branches[arr.branchID] = true

		if arr.decision != "" {
			latest[arr.branchID] = arr.decision
		}
	}

	if arr.userID != "" && !seen[arr.userID] {
		participants = append(participants, arr.userID)
	}

	aggregate := models.AggregateNoApprovals

	allApproved := len(branches) > 0

	for id := range branches {
		decision, ok := latest[id]

		switch {
		case ok && decision == models.DecisionRejected:
			return models.AggregateAnyRejected, participants, nil
		case !ok || decision != models.DecisionApproved:
			allApproved = false
		}
	}

	if allApproved {
		aggregate = models.AggregateAllApproved
	}

	return aggregate, participants, nil
}

// electLeader runs the configured leader policy over the branch participants.
func (e *Engine) electLeader(ctx context.Context, userIDs []string) (string, error) {
	candidates := make([]LeaderCandidate, 0, len(userIDs))

	for _, userID := range userIDs {
		level, err := e.directory.RoleHierarchyLevel(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("failed to load hierarchy level for %s: %w", userID, err)
		}

		candidates = append(candidates, LeaderCandidate{UserID: userID, Level: level})
	}

	return e.leader(candidates), nil
}
