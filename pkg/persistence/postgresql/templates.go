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
)

type templateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *templateRepository) List(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	query := `
		SELECT id, name, description, active, created_at, updated_at, deleted_at
		FROM workflow_templates
		WHERE deleted_at IS NULL
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.WorkflowTemplate

	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}

		templates = append(templates, template)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate templates: %w", err)
	}

	for _, template := range templates {
		if err := r.loadGraph(ctx, template); err != nil {
			return nil, err
		}
	}

	return templates, nil
}

func (r *templateRepository) GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	query := `
		SELECT id, name, description, active, created_at, updated_at, deleted_at
		FROM workflow_templates
		WHERE id = $1 AND deleted_at IS NULL
	`

	row := r.db.QueryRowContext(ctx, query, id)

	template, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if err := r.loadGraph(ctx, template); err != nil {
		return nil, err
	}

	return template, nil
}

func (r *templateRepository) Save(ctx context.Context, template *models.WorkflowTemplate) error {
	now := time.Now().UTC()

	if template.ID == "" {
		template.ID = uuid.New().String()
		template.CreatedAt = now
	}

	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	template.UpdatedAt = now

	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = transaction.Rollback() }()

	upsert := `
		INSERT INTO workflow_templates (id, name, description, active, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = transaction.ExecContext(ctx, upsert,
		template.ID, template.Name, template.Description, template.Active,
		template.CreatedAt, template.UpdatedAt, template.DeletedAt)
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", template.ID, err)
	}

	// The graph is replaced wholesale; in-flight instances route against
	// their snapshot, never these rows.
	_, err = transaction.ExecContext(ctx, "DELETE FROM workflow_nodes WHERE template_id = $1", template.ID)
	if err != nil {
		return fmt.Errorf("failed to clear template nodes: %w", err)
	}

	_, err = transaction.ExecContext(ctx, "DELETE FROM workflow_connections WHERE template_id = $1", template.ID)
	if err != nil {
		return fmt.Errorf("failed to clear template connections: %w", err)
	}

	for _, node := range template.Nodes {
		node.TemplateID = template.ID

		_, err = transaction.ExecContext(ctx, `
			INSERT INTO workflow_nodes (id, template_id, type, name, entity_id, form_template_id, position_x, position_y)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, node.ID, node.TemplateID, string(node.Type), node.Name, node.EntityID, node.FormTemplateID, node.PositionX, node.PositionY)
		if err != nil {
			return fmt.Errorf("failed to save node %s: %w", node.ID, err)
		}
	}

	for _, connection := range template.Connections {
		connection.TemplateID = template.ID

		if connection.ID == "" {
			connection.ID = uuid.New().String()
		}

		_, err = transaction.ExecContext(ctx, `
			INSERT INTO workflow_connections (id, template_id, from_node_id, to_node_id, condition)
			VALUES ($1, $2, $3, $4, $5)
		`, connection.ID, connection.TemplateID, connection.FromNodeID, connection.ToNodeID, connection.Condition)
		if err != nil {
			return fmt.Errorf("failed to save connection %s: %w", connection.ID, err)
		}
	}

	return transaction.Commit()
}

func (r *templateRepository) Delete(ctx context.Context, id string) error {
	var referenced int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM workflow_instances WHERE template_id = $1", id).Scan(&referenced)
	if err != nil {
		return fmt.Errorf("failed to count template references: %w", err)
	}

	if referenced > 0 {
		return persistence.ErrTemplateReferenced
	}

	result, err := r.db.ExecContext(ctx, "DELETE FROM workflow_templates WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}

	if affected == 0 {
		return persistence.ErrTemplateNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*models.WorkflowTemplate, error) {
	var (
		template  models.WorkflowTemplate
		deletedAt sql.NullTime
	)

	err := row.Scan(&template.ID, &template.Name, &template.Description, &template.Active,
		&template.CreatedAt, &template.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	if deletedAt.Valid {
		template.DeletedAt = &deletedAt.Time
	}

	return &template, nil
}

func (r *templateRepository) loadGraph(ctx context.Context, template *models.WorkflowTemplate) error {
	nodeRows, err := r.db.QueryContext(ctx, `
		SELECT id, template_id, type, name, entity_id, form_template_id, position_x, position_y
		FROM workflow_nodes WHERE template_id = $1
	`, template.ID)
	if err != nil {
		return fmt.Errorf("failed to load template nodes: %w", err)
	}
	defer nodeRows.Close()

	for nodeRows.Next() {
		var (
			node     models.WorkflowNode
			nodeType string
		)

		err := nodeRows.Scan(&node.ID, &node.TemplateID, &nodeType, &node.Name,
			&node.EntityID, &node.FormTemplateID, &node.PositionX, &node.PositionY)
		if err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}

		node.Type = models.NodeType(nodeType)
		template.Nodes = append(template.Nodes, &node)
	}

	if err := nodeRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate nodes: %w", err)
	}

	connectionRows, err := r.db.QueryContext(ctx, `
		SELECT id, template_id, from_node_id, to_node_id, condition
		FROM workflow_connections WHERE template_id = $1
	`, template.ID)
	if err != nil {
		return fmt.Errorf("failed to load template connections: %w", err)
	}
	defer connectionRows.Close()

	for connectionRows.Next() {
		var connection models.WorkflowConnection

		err := connectionRows.Scan(&connection.ID, &connection.TemplateID,
			&connection.FromNodeID, &connection.ToNodeID, &connection.Condition)
		if err != nil {
			return fmt.Errorf("failed to scan connection: %w", err)
		}

		template.Connections = append(template.Connections, &connection)
	}

	return connectionRows.Err()
}
