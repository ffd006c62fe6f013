package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/persistence"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

type stepRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const stepColumns = `
	id, instance_id, node_id, branch_id, status, assigned_user_id,
	decision, aggregate_decision, created_at, updated_at
`

func (r *stepRepository) GetByID(ctx context.Context, id string) (*models.ActiveStep, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM active_steps WHERE id = $1", id)

	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return step, err
}

func (r *stepRepository) Create(ctx context.Context, step *models.ActiveStep) error {
	now := time.Now().UTC()

	if step.ID == "" {
		step.ID = uuid.New().String()
	}

	step.CreatedAt = now
	step.UpdatedAt = now

	var decision, aggregate *string

	if step.Decision != nil {
		value := string(*step.Decision)
		decision = &value
	}

	if step.AggregateDecision != nil {
		value := string(*step.AggregateDecision)
		aggregate = &value
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO active_steps (
			id, instance_id, node_id, branch_id, status, assigned_user_id,
			decision, aggregate_decision, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, step.ID, step.InstanceID, step.NodeID, step.BranchID, string(step.Status),
		step.AssignedUserID, decision, aggregate, step.CreatedAt, step.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolationCode {
		return persistence.NewStepError("create", step.InstanceID, step.NodeID, step.BranchID,
			persistence.ErrDuplicateStep)
	}

	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}

	return nil
}

func (r *stepRepository) Update(ctx context.Context, step *models.ActiveStep) error {
	step.UpdatedAt = time.Now().UTC()

	var decision, aggregate *string

	if step.Decision != nil {
		value := string(*step.Decision)
		decision = &value
	}

	if step.AggregateDecision != nil {
		value := string(*step.AggregateDecision)
		aggregate = &value
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE active_steps
		SET status = $2, assigned_user_id = $3, decision = $4, aggregate_decision = $5, updated_at = $6
		WHERE id = $1
	`, step.ID, string(step.Status), step.AssignedUserID, decision, aggregate, step.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update step %s: %w", step.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}

	if affected == 0 {
		return persistence.NewStepError("update", step.InstanceID, step.NodeID, step.BranchID,
			persistence.ErrStepNotFound)
	}

	return nil
}

func (r *stepRepository) Find(ctx context.Context, instanceID, nodeID, branchID string) (*models.ActiveStep, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM active_steps WHERE instance_id = $1 AND node_id = $2 AND branch_id = $3",
		instanceID, nodeID, branchID)

	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return step, err
}

func (r *stepRepository) ListByInstance(ctx context.Context, instanceID string, statuses ...models.StepStatus) ([]*models.ActiveStep, error) {
	query := "SELECT " + stepColumns + " FROM active_steps WHERE instance_id = $1"
	args := []any{instanceID}

	if len(statuses) > 0 {
		query += " AND status = ANY($2)"
		args = append(args, pq.Array(statusStrings(statuses)))
	}

	query += " ORDER BY created_at"

	return r.list(ctx, query, args...)
}

func (r *stepRepository) ListAtNode(ctx context.Context, instanceID, nodeID string, statuses ...models.StepStatus) ([]*models.ActiveStep, error) {
	query := "SELECT " + stepColumns + " FROM active_steps WHERE instance_id = $1 AND node_id = $2"
	args := []any{instanceID, nodeID}

	if len(statuses) > 0 {
		query += " AND status = ANY($3)"
		args = append(args, pq.Array(statusStrings(statuses)))
	}

	query += " ORDER BY created_at"

	return r.list(ctx, query, args...)
}

func (r *stepRepository) ListOpen(ctx context.Context) ([]*models.ActiveStep, error) {
	return r.list(ctx,
		"SELECT "+stepColumns+" FROM active_steps WHERE status IN ('active', 'waiting') ORDER BY created_at")
}

func (r *stepRepository) list(ctx context.Context, query string, args ...any) ([]*models.ActiveStep, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.ActiveStep

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}

		steps = append(steps, step)
	}

	return steps, rows.Err()
}

func scanStep(row rowScanner) (*models.ActiveStep, error) {
	var (
		step      models.ActiveStep
		status    string
		decision  sql.NullString
		aggregate sql.NullString
	)

	err := row.Scan(&step.ID, &step.InstanceID, &step.NodeID, &step.BranchID, &status,
		&step.AssignedUserID, &decision, &aggregate, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}

	step.Status = models.StepStatus(status)

	if decision.Valid {
		value := models.Decision(decision.String)
		step.Decision = &value
	}

	if aggregate.Valid {
		value := models.AggregateDecision(aggregate.String)
		step.AggregateDecision = &value
	}

	return &step, nil
}

func statusStrings(statuses []models.StepStatus) []string {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}

	return values
}
