package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calvora/stagehand/pkg/models"
	"github.com/google/uuid"
)

type instanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const instanceColumns = `
	id, template_id, project_id, task_id, status, current_node_id, started_by,
	started_snapshot, completed_snapshot, created_at, updated_at, completed_at
`

func (r *instanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM workflow_instances WHERE id = $1", id)

	instance, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return instance, err
}

func (r *instanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()

	if instance.ID == "" {
		instance.ID = uuid.New().String()
		instance.CreatedAt = now
	}

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	startedSnapshot, err := marshalNullable(instance.StartedSnapshot)
	if err != nil {
		return fmt.Errorf("failed to serialize started snapshot: %w", err)
	}

	completedSnapshot, err := marshalNullable(instance.CompletedSnapshot)
	if err != nil {
		return fmt.Errorf("failed to serialize completed snapshot: %w", err)
	}

	query := `
		INSERT INTO workflow_instances (
			id, template_id, project_id, task_id, status, current_node_id, started_by,
			started_snapshot, completed_snapshot, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id)
		DO UPDATE SET
			status = EXCLUDED.status,
			current_node_id = EXCLUDED.current_node_id,
			completed_snapshot = EXCLUDED.completed_snapshot,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID, instance.TemplateID, instance.Subject.ProjectID, instance.Subject.TaskID,
		string(instance.Status), instance.CurrentNodeID, instance.StartedBy,
		startedSnapshot, completedSnapshot,
		instance.CreatedAt, instance.UpdatedAt, instance.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", instance.ID, err)
	}

	return nil
}

func (r *instanceRepository) ListByTemplate(ctx context.Context, templateID string) ([]*models.WorkflowInstance, error) {
	return r.list(ctx,
		"SELECT "+instanceColumns+" FROM workflow_instances WHERE template_id = $1 ORDER BY created_at",
		templateID)
}

func (r *instanceRepository) ListBySubject(ctx context.Context, subject models.SubjectRef) ([]*models.WorkflowInstance, error) {
	if subject.ProjectID != nil {
		return r.list(ctx,
			"SELECT "+instanceColumns+" FROM workflow_instances WHERE project_id = $1 ORDER BY created_at",
			*subject.ProjectID)
	}

	if subject.TaskID != nil {
		return r.list(ctx,
			"SELECT "+instanceColumns+" FROM workflow_instances WHERE task_id = $1 ORDER BY created_at",
			*subject.TaskID)
	}

	return nil, nil
}

func (r *instanceRepository) list(ctx context.Context, query string, args ...any) ([]*models.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.WorkflowInstance

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}

		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

func scanInstance(row rowScanner) (*models.WorkflowInstance, error) {
	var (
		instance          models.WorkflowInstance
		status            string
		startedSnapshot   []byte
		completedSnapshot []byte
		completedAt       sql.NullTime
	)

	err := row.Scan(&instance.ID, &instance.TemplateID,
		&instance.Subject.ProjectID, &instance.Subject.TaskID,
		&status, &instance.CurrentNodeID, &instance.StartedBy,
		&startedSnapshot, &completedSnapshot,
		&instance.CreatedAt, &instance.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	instance.Status = models.InstanceStatus(status)

	if completedAt.Valid {
		instance.CompletedAt = &completedAt.Time
	}

	if len(startedSnapshot) > 0 {
		instance.StartedSnapshot = &models.GraphSnapshot{}
		if err := json.Unmarshal(startedSnapshot, instance.StartedSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode started snapshot: %w", err)
		}
	}

	if len(completedSnapshot) > 0 {
		instance.CompletedSnapshot = &models.CompletedSnapshot{}
		if err := json.Unmarshal(completedSnapshot, instance.CompletedSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode completed snapshot: %w", err)
		}
	}

	return &instance, nil
}

func marshalNullable(value any) (any, error) {
	switch v := value.(type) {
	case *models.GraphSnapshot:
		if v == nil {
			return nil, nil
		}
	case *models.CompletedSnapshot:
		if v == nil {
			return nil, nil
		}
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	return encoded, nil
}
