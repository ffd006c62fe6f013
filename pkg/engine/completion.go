package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/calvora/stagehand/pkg/events"
	"github.com/calvora/stagehand/pkg/graph"
	"github.com/calvora/stagehand/pkg/models"
)

// finishIfComplete closes the instance when the advancing event produced no
// new steps and no step remains open. A rejected decision can never trip the
// gate; a rejection reaching here means a routing hole, and the advance fails
// loudly instead of completing the workflow.
func (e *Engine) finishIfComplete(
	ctx context.Context,
	instance *models.WorkflowInstance,
	g *graph.Model,
	createdSteps bool,
	decision models.Decision,
) (bool, error) {
	if createdSteps {
		return false, nil
	}

	open, err := e.persistence.StepRepository().ListByInstance(ctx, instance.ID,
		models.StepStatusActive, models.StepStatusWaiting)
	if err != nil {
		return false, fmt.Errorf("failed to list open steps: %w", err)
	}

	if len(open) > 0 {
		return false, nil
	}

	if decision == models.DecisionRejected {
		return false, ErrRejectedCompletion
	}

	completed, err := e.completedSnapshot(ctx, instance)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	instance.Status = models.InstanceStatusCompleted
	instance.CompletedAt = &now
	instance.CompletedSnapshot = completed
	instance.CurrentNodeID = nil

	if err := e.persistence.InstanceRepository().Save(ctx, instance); err != nil {
		return false, fmt.Errorf("failed to complete instance: %w", err)
	}

	if err := e.subjects.ReleaseAssignments(ctx, instance.Subject); err != nil {
		e.logger.ErrorContext(ctx, "Failed to release subject assignments",
			"instance_id", instance.ID, "error", err)
	}

	resolved, err := e.subjects.ResolveOpenIssues(ctx, instance.Subject)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to resolve subject issues",
			"instance_id", instance.ID, "error", err)
	}

	e.postSubjectNote(ctx, instance, "Approval workflow completed")

	e.publish(ctx, instance.ID, events.InstanceCompleted{
		BaseEvent:      events.NewBaseEvent(events.InstanceCompletedEvent, instance.ID),
		TemplateID:     instance.TemplateID,
		ResolvedIssues: resolved,
	})

	e.logger.InfoContext(ctx, "Instance completed",
		"instance_id", instance.ID, "template_id", instance.TemplateID, "resolved_issues", resolved)

	return true, nil
}

// completedSnapshot extends the started snapshot with per-node handoff
// attribution rebuilt from the history trail.
func (e *Engine) completedSnapshot(ctx context.Context, instance *models.WorkflowInstance) (*models.CompletedSnapshot, error) {
	records, err := e.persistence.HistoryRepository().ListByInstance(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	handoffs := make(map[string][]models.HandoffRecord)

	for _, record := range records {
		handoffs[record.FromNodeID] = append(handoffs[record.FromNodeID], models.HandoffRecord{
			UserID:   record.UserID,
			Decision: record.Decision,
			Feedback: record.Feedback,
			HandedAt: record.CreatedAt,
		})
	}

	snapshot := instance.StartedSnapshot
	if snapshot == nil {
		// Pre-snapshot legacy instance: freeze the live template now so the
		// completed record is still self-contained.
		template, err := e.persistence.TemplateRepository().GetByID(ctx, instance.TemplateID)
		if err != nil || template == nil {
			return nil, fmt.Errorf("failed to load template for completion snapshot: %w", err)
		}

		snapshot = models.SnapshotFromTemplate(template, time.Now().UTC())
	}

	return &models.CompletedSnapshot{
		GraphSnapshot:  *snapshot,
		HandoffsByNode: handoffs,
	}, nil
}
