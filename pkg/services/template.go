package services

import (
	"context"
	"fmt"
	"time"

	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

// Template handles workflow template lifecycle: draft, activation, soft and
// hard deletion.
type Template struct {
	persistence persistence.Persistence
	validator   *validator.Validate
}

// NewTemplate creates a new template service.
func NewTemplate(persistence persistence.Persistence) *Template {
	return &Template{
		persistence: persistence,
		validator:   validator.New(),
	}
}

// HealthCheck checks the health of the persistence layer.
func (t *Template) HealthCheck(ctx context.Context) (string, bool) {
	if t.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := t.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// List returns all non-deleted templates.
func (t *Template) List(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	return t.persistence.TemplateRepository().List(ctx)
}

// Get returns one template by id.
func (t *Template) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	template, err := t.persistence.TemplateRepository().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	if template == nil {
		return nil, ErrTemplateNotFound
	}

	return template, nil
}

// Create stores a new template as an inactive draft.
func (t *Template) Create(ctx context.Context, template *models.WorkflowTemplate) (*models.WorkflowTemplate, error) {
	if template == nil {
		return nil, ErrTemplateNil
	}

	if err := t.validator.Struct(template); err != nil {
		return nil, NewValidationError("create_template", "VALIDATION_FAILED", err.Error(), ErrInvalidRequest)
	}

	template.ID = ""
	template.Active = false
	template.DeletedAt = nil

	if err := t.persistence.TemplateRepository().Save(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	return template, nil
}

// Update replaces a draft template's definition. Active templates must be
// deactivated first, so an editor cannot change routing under users mid-click;
// in-flight instances are immune either way through their snapshot.
func (t *Template) Update(ctx context.Context, template *models.WorkflowTemplate) (*models.WorkflowTemplate, error) {
	if template == nil {
		return nil, ErrTemplateNil
	}

	existing, err := t.Get(ctx, template.ID)
	if err != nil {
		return nil, err
	}

	if existing.Active {
		return nil, ErrTemplateActive
	}

	if err := t.validator.Struct(template); err != nil {
		return nil, NewValidationError("update_template", "VALIDATION_FAILED", err.Error(), ErrInvalidRequest)
	}

	template.Active = false
	template.CreatedAt = existing.CreatedAt
	template.DeletedAt = nil

	if err := t.persistence.TemplateRepository().Save(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to update template: %w", err)
	}

	return template, nil
}

// Activate validates the graph and opens the template for new instances.
func (t *Template) Activate(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	template, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := t.validateForActivation(template); err != nil {
		return nil, fmt.Errorf("template validation failed: %w", err)
	}

	template.Active = true

	if err := t.persistence.TemplateRepository().Save(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to activate template: %w", err)
	}

	return template, nil
}

// Deactivate closes the template for new instances; running ones continue on
// their snapshots.
func (t *Template) Deactivate(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	template, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	template.Active = false

	if err := t.persistence.TemplateRepository().Save(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to deactivate template: %w", err)
	}

	return template, nil
}

// Delete removes a template. While instances still reference it the template
// is soft-deleted (renamed, deactivated and hidden); with no references it is
// removed outright. Either way, instances that predate snapshot capture get
// one synthesized from the live graph first — once the template is hidden
// they have nothing left to route against.
func (t *Template) Delete(ctx context.Context, id string) error {
	template, err := t.Get(ctx, id)
	if err != nil {
		return err
	}

	instances, err := t.persistence.InstanceRepository().ListByTemplate(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check template references: %w", err)
	}

	now := time.Now().UTC()

	for _, instance := range instances {
		if instance.StartedSnapshot != nil {
			continue
		}

		instance.StartedSnapshot = models.SnapshotFromTemplate(template, now)

		if err := t.persistence.InstanceRepository().Save(ctx, instance); err != nil {
			return fmt.Errorf("failed to snapshot instance %s: %w", instance.ID, err)
		}
	}

	if len(instances) > 0 {
		template.Active = false
		template.DeletedAt = &now
		template.Name = fmt.Sprintf("%s (deleted %s)", template.Name, now.Format("2006-01-02"))

		if err := t.persistence.TemplateRepository().Save(ctx, template); err != nil {
			return fmt.Errorf("failed to soft-delete template: %w", err)
		}

		return nil
	}

	if err := t.persistence.TemplateRepository().Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	return nil
}

// validateForActivation ensures the graph is runnable before instances may
// start from it.
func (t *Template) validateForActivation(template *models.WorkflowTemplate) error {
	if template.Name == "" {
		return ErrTemplateNameRequired
	}

	if len(template.Nodes) == 0 {
		return ErrNodesRequired
	}

	nodesByID := make(map[string]*models.WorkflowNode, len(template.Nodes))

	var startCount, endCount int

	for _, node := range template.Nodes {
		nodesByID[node.ID] = node

		switch node.Type {
		case models.NodeTypeStart:
			startCount++
		case models.NodeTypeEnd:
			endCount++
		}
	}

	if startCount != 1 {
		return ErrStartNodeRequired
	}

	if endCount == 0 {
		return ErrEndNodeRequired
	}

	incoming := make(map[string]int)

	for _, connection := range template.Connections {
		if nodesByID[connection.FromNodeID] == nil || nodesByID[connection.ToNodeID] == nil {
			return fmt.Errorf("%w: %s -> %s", ErrDanglingConnection, connection.FromNodeID, connection.ToNodeID)
		}

		incoming[connection.ToNodeID]++
	}

	for _, node := range template.Nodes {
		if node.Type == models.NodeTypeSync && incoming[node.ID] < 2 {
			return fmt.Errorf("%w: %s", ErrSyncWithoutBranches, node.ID)
		}
	}

	return nil
}
