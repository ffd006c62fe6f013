package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"time"

	"github.com/calvora/stagehand/pkg/branch"
	"github.com/calvora/stagehand/pkg/eventbus"
	"github.com/calvora/stagehand/pkg/events"
	"github.com/calvora/stagehand/pkg/forms"
	"github.com/calvora/stagehand/pkg/graph"
	"github.com/calvora/stagehand/pkg/identity"
	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/otelhelper"
	"github.com/calvora/stagehand/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Engine advances workflow instances through their graphs. Every transition
// is driven synchronously by an external advancing event against one active
// step; the engine computes the next execution state and applies the side
// effects in a fixed order.
type Engine struct {
	persistence persistence.Persistence
	directory   identity.Directory
	subjects    SubjectLinker
	schemas     forms.SchemaResolver
	bus         eventbus.EventBus
	locks       persistence.LockManager
	logger      *slog.Logger
	tracer      trace.Tracer
	leader      LeaderPolicy
	rollback    RollbackPolicy
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus publishes lifecycle events to the given bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithSubjectLinker wires the project/task collaborator.
func WithSubjectLinker(subjects SubjectLinker) Option {
	return func(e *Engine) { e.subjects = subjects }
}

// WithSchemaResolver wires form template schema resolution.
func WithSchemaResolver(schemas forms.SchemaResolver) Option {
	return func(e *Engine) { e.schemas = schemas }
}

// WithLeaderPolicy replaces the sync-leader election policy.
func WithLeaderPolicy(policy LeaderPolicy) Option {
	return func(e *Engine) { e.leader = policy }
}

// WithRollbackPolicy replaces the rejection rollback-vs-preserve policy.
func WithRollbackPolicy(policy RollbackPolicy) Option {
	return func(e *Engine) { e.rollback = policy }
}

// WithLockManager replaces the sync-node lock source, e.g. with a Redis lock
// manager shared across processes that do not share a database.
func WithLockManager(locks persistence.LockManager) Option {
	return func(e *Engine) { e.locks = locks }
}

// WithTracer records spans around engine operations.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// New creates an engine over the given persistence and directory.
func New(p persistence.Persistence, directory identity.Directory, logger *slog.Logger, opts ...Option) *Engine {
	engine := &Engine{
		persistence: p,
		directory:   directory,
		subjects:    NoopSubjectLinker{},
		locks:       p.Locks(),
		logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer("stagehand"),
		leader:      HighestLevelLeader(rand.New(rand.NewSource(time.Now().UnixNano()))),
		rollback:    PreserveSiblingWork,
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// AdvanceRequest carries one advancing event against one active step.
type AdvanceRequest struct {
	InstanceID string
	StepID     string // Optional; resolved from the instance when empty
	ActorID    string
	Decision   models.Decision // Optional
	Feedback   string
	FormData   map[string]any
	Assignees  map[string]string // node id -> user id overrides for new steps
}

// AdvanceResult reports what one advancing event produced.
type AdvanceResult struct {
	NextNodes []*models.WorkflowNode
	NewSteps  []*models.ActiveStep
	Waiting   bool // Parked at a sync node, join not released
	Completed bool
}

// StartInstance validates the template, captures the snapshot and creates the
// initial step(s) at the node(s) reachable from start.
func (e *Engine) StartInstance(
	ctx context.Context,
	templateID string,
	subject models.SubjectRef,
	startedBy string,
) (_ *models.WorkflowInstance, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.StartInstance",
		attribute.String(otelhelper.TemplateIDKey, templateID))

	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	if !subject.Valid() {
		return nil, ErrInvalidSubject
	}

	template, err := e.persistence.TemplateRepository().GetByID(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", templateID, err)
	}

	if template == nil {
		return nil, ErrTemplateNotFound
	}

	if !template.Active {
		return nil, ErrTemplateInactive
	}

	if !template.HasNodes() {
		return nil, NewConfigError("", "template %q has no nodes", template.Name)
	}

	snapshot := models.SnapshotFromTemplate(template, time.Now().UTC())
	g := graph.FromSnapshot(snapshot)

	startNode := g.StartNode()
	if startNode == nil {
		return nil, NewConfigError("", "template %q has no start node", template.Name)
	}

	targets, err := resolveNext(g, startNode, "", nil, nil)
	if err != nil {
		return nil, err
	}

	if len(targets) == 0 {
		return nil, NewConfigError(startNode.ID, "start node has no outgoing edges")
	}

	// All validation runs before the instance row exists, so a misconfigured
	// template never leaves an instance with no open step.
	if err := e.validateTargetAssignees(ctx, targets, AdvanceRequest{ActorID: startedBy}); err != nil {
		return nil, err
	}

	instance := &models.WorkflowInstance{
		TemplateID:      template.ID,
		Subject:         subject,
		Status:          models.InstanceStatusActive,
		StartedBy:       startedBy,
		StartedSnapshot: snapshot,
	}

	if err := e.persistence.InstanceRepository().Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	startStep := &models.ActiveStep{
		InstanceID: instance.ID,
		NodeID:     startNode.ID,
		BranchID:   branch.Root,
		Status:     models.StepStatusCompleted,
	}

	outcome, err := e.materialize(ctx, instance, g, startStep, targets, AdvanceRequest{ActorID: startedBy})
	if err != nil {
		return nil, err
	}

	for _, created := range outcome.newSteps {
		nodeID := created.NodeID

		err := e.persistence.HistoryRepository().Append(ctx, &models.WorkflowHistory{
			InstanceID: instance.ID,
			FromNodeID: startNode.ID,
			ToNodeID:   &nodeID,
			UserID:     startedBy,
			BranchID:   created.BranchID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to append history: %w", err)
		}
	}

	if len(targets) == 1 {
		instance.CurrentNodeID = &targets[0].ID

		if err := e.persistence.InstanceRepository().Save(ctx, instance); err != nil {
			return nil, fmt.Errorf("failed to update instance pointer: %w", err)
		}
	}

	e.assignSubjectUsers(ctx, instance, outcome.newSteps)

	nodeIDs := make([]string, 0, len(targets))
	for _, target := range targets {
		nodeIDs = append(nodeIDs, target.ID)
	}

	e.publish(ctx, instance.ID, events.InstanceStarted{
		BaseEvent:  events.NewBaseEvent(events.InstanceStartedEvent, instance.ID),
		TemplateID: template.ID,
		Subject:    subject,
		StartedBy:  startedBy,
		NodeIDs:    nodeIDs,
	})

	e.logger.InfoContext(ctx, "Instance started",
		"instance_id", instance.ID, "template_id", template.ID, "initial_nodes", nodeIDs)

	return instance, nil
}

// Advance is the single state-transition entry point. Effects apply in order:
// mark current step completed, resolve next nodes, materialize/join, write
// history, write dependent audit records, completion check, instance status.
func (e *Engine) Advance(ctx context.Context, req AdvanceRequest) (_ *AdvanceResult, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.Advance",
		attribute.String(otelhelper.InstanceIDKey, req.InstanceID),
		attribute.String(otelhelper.StepIDKey, req.StepID))

	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	if req.Decision != "" && !req.Decision.Valid() {
		return nil, ErrInvalidDecision
	}

	instance, err := e.persistence.InstanceRepository().GetByID(ctx, req.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %s: %w", req.InstanceID, err)
	}

	if instance == nil {
		return nil, ErrInstanceNotFound
	}

	if !instance.Active() {
		return nil, ErrInstanceNotActive
	}

	g, err := e.graphFor(ctx, instance)
	if err != nil {
		return nil, err
	}

	step, err := e.stepForRequest(ctx, instance, req)
	if err != nil {
		return nil, err
	}

	node := g.NodeByID(step.NodeID)
	if node == nil {
		return nil, NewConfigError(step.NodeID, "step references a node missing from the snapshot")
	}

	// All checks run before any state mutation.
	if err := e.authorize(ctx, node, step, req.ActorID); err != nil {
		return nil, err
	}

	if node.Type == models.NodeTypeForm && node.FormTemplateID != nil {
		if err := forms.Validate(e.schemas, *node.FormTemplateID, req.FormData); err != nil {
			return nil, err
		}
	}

	formData := e.accumulatedFormData(ctx, instance, req)

	targets, err := resolveNext(g, node, req.Decision, step.AggregateDecision, formData)
	if err != nil {
		return nil, err
	}

	if req.Decision == models.DecisionRejected {
		if err := validateRejectionTargets(g, node, targets); err != nil {
			return nil, err
		}
	}

	if err := e.validateTargetAssignees(ctx, targets, req); err != nil {
		return nil, err
	}

	// Mark the current step completed.
	now := time.Now().UTC()
	step.Status = models.StepStatusCompleted

	if req.Decision != "" {
		decision := req.Decision
		step.Decision = &decision
	}

	step.UpdatedAt = now
	if err := e.persistence.StepRepository().Update(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to complete step %s: %w", step.ID, err)
	}

	var outcome *materializeOutcome

	if req.Decision == models.DecisionRejected && branch.IsForked(step.BranchID) {
		outcome, err = e.handleRejection(ctx, instance, g, step, node, targets, req)
	} else {
		outcome, err = e.materialize(ctx, instance, g, step, targets, req)
	}

	if err != nil {
		// A failure after the step was committed as completed would leave
		// the instance with no open step; reopen it so the call stays
		// atomic from the caller's view.
		e.reopenStep(ctx, step)

		return nil, err
	}

	if len(outcome.routedTo) > 0 {
		targets = outcome.routedTo
	}

	if err := e.writeHistory(ctx, instance, step, targets, req, outcome); err != nil {
		return nil, err
	}

	e.assignSubjectUsers(ctx, instance, outcome.newSteps)

	completed, err := e.finishIfComplete(ctx, instance, g, len(outcome.newSteps) > 0, req.Decision)
	if err != nil {
		return nil, err
	}

	if len(targets) == 1 && !outcome.waiting {
		instance.CurrentNodeID = &targets[0].ID
	} else {
		instance.CurrentNodeID = nil
	}

	if !completed {
		if err := e.persistence.InstanceRepository().Save(ctx, instance); err != nil {
			return nil, fmt.Errorf("failed to update instance: %w", err)
		}
	}

	nextIDs := make([]string, 0, len(targets))
	for _, target := range targets {
		nextIDs = append(nextIDs, target.ID)
	}

	e.publish(ctx, instance.ID, events.StepAdvanced{
		BaseEvent:  events.NewBaseEvent(events.StepAdvancedEvent, instance.ID),
		StepID:     step.ID,
		NodeID:     step.NodeID,
		BranchID:   step.BranchID,
		UserID:     req.ActorID,
		Decision:   step.Decision,
		NextNodeID: nextIDs,
	})

	e.logger.InfoContext(ctx, "Step advanced",
		"instance_id", instance.ID,
		"node_id", step.NodeID,
		"branch_id", step.BranchID,
		"decision", string(req.Decision),
		"new_steps", len(outcome.newSteps),
		"waiting", outcome.waiting,
		"completed", completed,
	)

	return &AdvanceResult{
		NextNodes: targets,
		NewSteps:  outcome.newSteps,
		Waiting:   outcome.waiting,
		Completed: completed,
	}, nil
}

// CancelInstance forces the instance to cancelled, leaving steps as-is for
// audit.
func (e *Engine) CancelInstance(ctx context.Context, instanceID, cancelledBy, reason string) error {
	instance, err := e.persistence.InstanceRepository().GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance %s: %w", instanceID, err)
	}

	if instance == nil {
		return ErrInstanceNotFound
	}

	if !instance.Active() {
		return ErrInstanceNotActive
	}

	instance.Status = models.InstanceStatusCancelled
	if err := e.persistence.InstanceRepository().Save(ctx, instance); err != nil {
		return fmt.Errorf("failed to cancel instance: %w", err)
	}

	if err := e.subjects.ReleaseAssignments(ctx, instance.Subject); err != nil {
		e.logger.ErrorContext(ctx, "Failed to release subject assignments", "error", err)
	}

	e.publish(ctx, instance.ID, events.InstanceCancelled{
		BaseEvent:   events.NewBaseEvent(events.InstanceCancelledEvent, instance.ID),
		CancelledBy: cancelledBy,
		Reason:      reason,
	})

	return nil
}

// PendingStepsFor returns the active and waiting work steps the user may act
// on: assigned directly, eligible via role or department, or superadmin.
func (e *Engine) PendingStepsFor(ctx context.Context, userID string) ([]*models.ActiveStep, error) {
	open, err := e.persistence.StepRepository().ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open steps: %w", err)
	}

	super, err := e.directory.IsSuperadmin(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check superadmin: %w", err)
	}

	graphs := make(map[string]*graph.Model)

	var pending []*models.ActiveStep

	for _, step := range open {
		g, ok := graphs[step.InstanceID]
		if !ok {
			instance, err := e.persistence.InstanceRepository().GetByID(ctx, step.InstanceID)
			if err != nil || instance == nil {
				continue
			}

			g, err = e.graphFor(ctx, instance)
			if err != nil {
				continue
			}

			graphs[step.InstanceID] = g
		}

		node := g.NodeByID(step.NodeID)
		if node == nil || !node.IsWorkNode() {
			continue
		}

		eligible, err := e.eligibleFor(ctx, node, step, userID, super)
		if err != nil {
			return nil, err
		}

		if eligible {
			pending = append(pending, step)
		}
	}

	return pending, nil
}

// graphFor builds the routing model, preferring the started snapshot over the
// live template.
func (e *Engine) graphFor(ctx context.Context, instance *models.WorkflowInstance) (*graph.Model, error) {
	if instance.StartedSnapshot != nil {
		return graph.FromSnapshot(instance.StartedSnapshot), nil
	}

	// Pre-snapshot legacy instance: fall back to the live template.
	template, err := e.persistence.TemplateRepository().GetByID(ctx, instance.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", instance.TemplateID, err)
	}

	if template == nil {
		return nil, fmt.Errorf("instance %s has no snapshot and template %s is gone: %w",
			instance.ID, instance.TemplateID, ErrTemplateNotFound)
	}

	return graph.FromTemplate(template), nil
}

// stepForRequest resolves the advancing step, falling back to the legacy
// current-node pointer and finally to a sole active step.
func (e *Engine) stepForRequest(ctx context.Context, instance *models.WorkflowInstance, req AdvanceRequest) (*models.ActiveStep, error) {
	steps := e.persistence.StepRepository()

	if req.StepID != "" {
		step, err := steps.GetByID(ctx, req.StepID)
		if err != nil {
			return nil, fmt.Errorf("failed to load step %s: %w", req.StepID, err)
		}

		if step == nil || step.InstanceID != instance.ID {
			return nil, ErrStepNotFound
		}

		if step.Status != models.StepStatusActive {
			return nil, ErrStepNotAdvanceable
		}

		return step, nil
	}

	active, err := steps.ListByInstance(ctx, instance.ID, models.StepStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active steps: %w", err)
	}

	if instance.CurrentNodeID != nil {
		for _, step := range active {
			if step.NodeID == *instance.CurrentNodeID {
				return step, nil
			}
		}
	}

	switch len(active) {
	case 0:
		return nil, ErrStepNotFound
	case 1:
		return active[0], nil
	default:
		return nil, ErrAmbiguousStep
	}
}

// reopenStep reverts the advancing step to active after a failed
// materialization. Best effort; a revert failure is logged, not returned.
func (e *Engine) reopenStep(ctx context.Context, step *models.ActiveStep) {
	step.Status = models.StepStatusActive
	step.Decision = nil
	step.UpdatedAt = time.Now().UTC()

	if err := e.persistence.StepRepository().Update(ctx, step); err != nil {
		e.logger.ErrorContext(ctx, "Failed to reopen step after failed advance",
			"instance_id", step.InstanceID, "step_id", step.ID, "error", err)
	}
}

// authorize rejects the advancing user before any state mutation.
func (e *Engine) authorize(ctx context.Context, node *models.WorkflowNode, step *models.ActiveStep, userID string) error {
	super, err := e.directory.IsSuperadmin(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to check superadmin: %w", err)
	}

	if super {
		return nil
	}

	if step.AssignedUserID != nil && *step.AssignedUserID == userID {
		return nil
	}

	switch node.Type {
	case models.NodeTypeRole, models.NodeTypeApproval:
		if node.EntityID == nil {
			return nil
		}

		has, err := e.directory.UserHasRole(ctx, userID, *node.EntityID)
		if err != nil {
			return fmt.Errorf("failed to check role: %w", err)
		}

		if !has {
			return &AuthorizationError{UserID: userID, NodeName: node.Name, Missing: "role " + *node.EntityID}
		}

		return nil

	case models.NodeTypeDepartment:
		if node.EntityID == nil {
			return nil
		}

		departments, err := e.directory.UserDepartments(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to check departments: %w", err)
		}

		if !slices.Contains(departments, *node.EntityID) {
			return &AuthorizationError{UserID: userID, NodeName: node.Name, Missing: "department " + *node.EntityID}
		}

		return nil

	default:
		if step.AssignedUserID != nil {
			return &AuthorizationError{UserID: userID, NodeName: node.Name}
		}

		return nil
	}
}

func (e *Engine) eligibleFor(ctx context.Context, node *models.WorkflowNode, step *models.ActiveStep, userID string, super bool) (bool, error) {
	if super {
		return true, nil
	}

	if step.AssignedUserID != nil {
		return *step.AssignedUserID == userID, nil
	}

	if node.EntityID == nil {
		return true, nil
	}

	switch node.Type {
	case models.NodeTypeDepartment:
		departments, err := e.directory.UserDepartments(ctx, userID)
		if err != nil {
			return false, err
		}

		return slices.Contains(departments, *node.EntityID), nil
	default:
		return e.directory.UserHasRole(ctx, userID, *node.EntityID)
	}
}

// accumulatedFormData merges form payloads from history under the incoming
// request, so conditional predicates downstream of a form node see earlier
// answers.
func (e *Engine) accumulatedFormData(ctx context.Context, instance *models.WorkflowInstance, req AdvanceRequest) map[string]any {
	records, err := e.persistence.HistoryRepository().ListByInstance(ctx, instance.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to load history for form data", "error", err)

		return req.FormData
	}

	merged := make(map[string]any)

	for _, record := range records {
		for key, value := range record.FormData {
			merged[key] = value
		}
	}

	for key, value := range req.FormData {
		merged[key] = value
	}

	if len(merged) == 0 {
		return nil
	}

	return merged
}

func (e *Engine) writeHistory(
	ctx context.Context,
	instance *models.WorkflowInstance,
	step *models.ActiveStep,
	targets []*models.WorkflowNode,
	req AdvanceRequest,
	outcome *materializeOutcome,
) error {
	history := e.persistence.HistoryRepository()

	record := func(toNodeID *string, branchID string) *models.WorkflowHistory {
		entry := &models.WorkflowHistory{
			InstanceID: instance.ID,
			FromNodeID: step.NodeID,
			ToNodeID:   toNodeID,
			UserID:     req.ActorID,
			Feedback:   req.Feedback,
			FormData:   req.FormData,
			BranchID:   branchID,
		}

		if req.Decision != "" {
			decision := req.Decision
			entry.Decision = &decision
		}

		return entry
	}

	if len(outcome.newSteps) == 0 {
		// Terminal or parked: one record on the advancing branch. A parked
		// branch records no destination until the join releases.
		var to *string

		if len(targets) > 0 && !outcome.waiting {
			to = &targets[0].ID
		}

		return history.Append(ctx, record(to, step.BranchID))
	}

	for _, created := range outcome.newSteps {
		nodeID := created.NodeID
		if err := history.Append(ctx, record(&nodeID, created.BranchID)); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
	}

	return nil
}

// assignSubjectUsers mirrors the new steps' assignees onto the subject.
func (e *Engine) assignSubjectUsers(ctx context.Context, instance *models.WorkflowInstance, steps []*models.ActiveStep) {
	var users []string

	for _, step := range steps {
		if step.AssignedUserID != nil && !slices.Contains(users, *step.AssignedUserID) {
			users = append(users, *step.AssignedUserID)
		}
	}

	if len(users) == 0 {
		return
	}

	if err := e.subjects.ReassignActiveUsers(ctx, instance.Subject, users); err != nil {
		e.logger.ErrorContext(ctx, "Failed to reassign subject users", "error", err)
	}
}

// publish sends a lifecycle event, logging instead of failing the operation.
func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, key, event); err != nil {
		payload, _ := json.Marshal(event)
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", string(event.GetType()), "payload", string(payload), "error", err)
	}
}
