// Package persistence provides the data storage abstraction for workflow
// templates, instances, steps and history.
package persistence

import (
	"context"

	"github.com/calvora/stagehand/pkg/models"
)

// Persistence bundles the repositories of one datastore.
type Persistence interface {
	TemplateRepository() TemplateRepository
	InstanceRepository() InstanceRepository
	StepRepository() StepRepository
	HistoryRepository() HistoryRepository
	Locks() LockManager

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// TemplateRepository stores workflow templates and their graphs.
type TemplateRepository interface {
	List(ctx context.Context) ([]*models.WorkflowTemplate, error)

	// GetByID loads a template with its nodes and connections. Returns
	// (nil, nil) when absent.
	GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	Save(ctx context.Context, template *models.WorkflowTemplate) error

	// Delete hard-deletes the template and its graph rows.
	Delete(ctx context.Context, id string) error
}

// InstanceRepository stores workflow instances.
type InstanceRepository interface {
	// GetByID returns (nil, nil) when absent.
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	Save(ctx context.Context, instance *models.WorkflowInstance) error
	ListByTemplate(ctx context.Context, templateID string) ([]*models.WorkflowInstance, error)
	ListBySubject(ctx context.Context, subject models.SubjectRef) ([]*models.WorkflowInstance, error)
}

// StepRepository stores active steps. Create enforces the
// (instance_id, node_id, branch_id) unique constraint; callers handle
// ErrDuplicateStep by reactivating the existing row.
type StepRepository interface {
	GetByID(ctx context.Context, id string) (*models.ActiveStep, error)
	Create(ctx context.Context, step *models.ActiveStep) error
	Update(ctx context.Context, step *models.ActiveStep) error

	// Find returns the step for (instance, node, branch), or (nil, nil).
	Find(ctx context.Context, instanceID, nodeID, branchID string) (*models.ActiveStep, error)

	// ListByInstance returns the instance's steps, filtered to the given
	// statuses when any are supplied.
	ListByInstance(ctx context.Context, instanceID string, statuses ...models.StepStatus) ([]*models.ActiveStep, error)

	// ListAtNode returns the instance's steps positioned at one node.
	ListAtNode(ctx context.Context, instanceID, nodeID string, statuses ...models.StepStatus) ([]*models.ActiveStep, error)

	// ListOpen returns every active or waiting step across instances,
	// used by the pending-work query.
	ListOpen(ctx context.Context) ([]*models.ActiveStep, error)
}

// HistoryRepository stores the append-only transition audit trail.
type HistoryRepository interface {
	Append(ctx context.Context, record *models.WorkflowHistory) error
	ListByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowHistory, error)
}

// LockManager provides the named mutual-exclusion primitive serializing
// count-and-release at a sync node. Acquire returns false without error when
// another holder has the lock; the caller then records its own arrival as
// waiting and returns.
type LockManager interface {
	Acquire(ctx context.Context, instanceID, nodeID string) (bool, error)
	Release(ctx context.Context, instanceID, nodeID string) error
}
