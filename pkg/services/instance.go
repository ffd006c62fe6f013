package services

import (
	"context"
	"fmt"

	"github.com/calvora/stagehand/pkg/engine"
	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/persistence"
)

// Instance exposes instance execution and its read surface as one service.
type Instance struct {
	persistence persistence.Persistence
	engine      *engine.Engine
}

// NewInstance creates a new instance service.
func NewInstance(persistence persistence.Persistence, executionEngine *engine.Engine) *Instance {
	return &Instance{
		persistence: persistence,
		engine:      executionEngine,
	}
}

// InstanceDetail is one instance with its full execution state.
type InstanceDetail struct {
	Instance *models.WorkflowInstance  `json:"instance"`
	Steps    []*models.ActiveStep      `json:"steps"`
	History  []*models.WorkflowHistory `json:"history"`
}

// Start creates and starts a new instance of a template.
func (s *Instance) Start(ctx context.Context, templateID string, subject models.SubjectRef, startedBy string) (*models.WorkflowInstance, error) {
	return s.engine.StartInstance(ctx, templateID, subject, startedBy)
}

// Advance applies one advancing event to an instance.
func (s *Instance) Advance(ctx context.Context, req engine.AdvanceRequest) (*engine.AdvanceResult, error) {
	return s.engine.Advance(ctx, req)
}

// Cancel force-cancels a running instance.
func (s *Instance) Cancel(ctx context.Context, instanceID, cancelledBy, reason string) error {
	return s.engine.CancelInstance(ctx, instanceID, cancelledBy, reason)
}

// Get returns one instance with its steps and history.
func (s *Instance) Get(ctx context.Context, id string) (*InstanceDetail, error) {
	instance, err := s.persistence.InstanceRepository().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	if instance == nil {
		return nil, persistence.ErrInstanceNotFound
	}

	steps, err := s.persistence.StepRepository().ListByInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list instance steps: %w", err)
	}

	history, err := s.persistence.HistoryRepository().ListByInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list instance history: %w", err)
	}

	return &InstanceDetail{
		Instance: instance,
		Steps:    steps,
		History:  history,
	}, nil
}

// ListBySubject returns the instances running against one project or task.
func (s *Instance) ListBySubject(ctx context.Context, subject models.SubjectRef) ([]*models.WorkflowInstance, error) {
	if !subject.Valid() {
		return nil, engine.ErrInvalidSubject
	}

	return s.persistence.InstanceRepository().ListBySubject(ctx, subject)
}

// ListByTemplate returns the instances started from one template.
func (s *Instance) ListByTemplate(ctx context.Context, templateID string) ([]*models.WorkflowInstance, error) {
	return s.persistence.InstanceRepository().ListByTemplate(ctx, templateID)
}

// PendingFor returns the open steps a user may act on.
func (s *Instance) PendingFor(ctx context.Context, userID string) ([]*models.ActiveStep, error) {
	return s.engine.PendingStepsFor(ctx, userID)
}
