package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/calvora/stagehand/pkg/models"
	"github.com/google/uuid"
)

type historyRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *historyRepository) Append(ctx context.Context, record *models.WorkflowHistory) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	var formData any

	if len(record.FormData) > 0 {
		encoded, err := json.Marshal(record.FormData)
		if err != nil {
			return fmt.Errorf("failed to serialize form data: %w", err)
		}

		formData = encoded
	}

	var decision *string

	if record.Decision != nil {
		value := string(*record.Decision)
		decision = &value
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow_history (
			id, instance_id, from_node_id, to_node_id, user_id,
			decision, feedback, form_data, branch_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, record.ID, record.InstanceID, record.FromNodeID, record.ToNodeID, record.UserID,
		decision, record.Feedback, formData, record.BranchID, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	return nil
}

func (r *historyRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, instance_id, from_node_id, to_node_id, user_id,
			decision, feedback, form_data, branch_id, created_at
		FROM workflow_history
		WHERE instance_id = $1
		ORDER BY created_at, id
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var records []*models.WorkflowHistory

	for rows.Next() {
		var (
			record   models.WorkflowHistory
			decision sql.NullString
			formData []byte
		)

		err := rows.Scan(&record.ID, &record.InstanceID, &record.FromNodeID, &record.ToNodeID,
			&record.UserID, &decision, &record.Feedback, &formData, &record.BranchID, &record.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}

		if decision.Valid {
			value := models.Decision(decision.String)
			record.Decision = &value
		}

		if len(formData) > 0 {
			if err := json.Unmarshal(formData, &record.FormData); err != nil {
				return nil, fmt.Errorf("failed to decode form data: %w", err)
			}
		}

		records = append(records, &record)
	}

	return records, rows.Err()
}
