package postgresql

// migrations returns the versioned schema migrations for the workflow store.
func migrations() map[int]string {
	return map[int]string{
		1: migrationV1InitialSchema,
	}
}

const migrationV1InitialSchema = `
	CREATE TABLE IF NOT EXISTS workflow_templates (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMP WITH TIME ZONE
	);

	CREATE TABLE IF NOT EXISTS workflow_nodes (
		id VARCHAR(255) NOT NULL,
		template_id UUID NOT NULL REFERENCES workflow_templates(id) ON DELETE CASCADE,
		type VARCHAR(32) NOT NULL,
		name VARCHAR(255) NOT NULL,
		entity_id VARCHAR(255),
		form_template_id VARCHAR(255),
		position_x INTEGER NOT NULL DEFAULT 0,
		position_y INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (template_id, id)
	);

	CREATE TABLE IF NOT EXISTS workflow_connections (
		id VARCHAR(255) NOT NULL,
		template_id UUID NOT NULL REFERENCES workflow_templates(id) ON DELETE CASCADE,
		from_node_id VARCHAR(255) NOT NULL,
		to_node_id VARCHAR(255) NOT NULL,
		condition VARCHAR(255) NOT NULL DEFAULT '',
		PRIMARY KEY (template_id, id)
	);

	CREATE TABLE IF NOT EXISTS workflow_instances (
		id UUID PRIMARY KEY,
		template_id UUID NOT NULL,
		project_id VARCHAR(255),
		task_id VARCHAR(255),
		status VARCHAR(32) NOT NULL DEFAULT 'active',
		current_node_id VARCHAR(255),
		started_by VARCHAR(255) NOT NULL DEFAULT '',
		started_snapshot JSONB,
		completed_snapshot JSONB,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMP WITH TIME ZONE,
		CONSTRAINT workflow_instances_subject_check CHECK (
			(project_id IS NOT NULL) != (task_id IS NOT NULL)
		)
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_instances_template
		ON workflow_instances(template_id);
	CREATE INDEX IF NOT EXISTS idx_workflow_instances_project
		ON workflow_instances(project_id) WHERE project_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_workflow_instances_task
		ON workflow_instances(task_id) WHERE task_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS active_steps (
		id UUID PRIMARY KEY,
		instance_id UUID NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
		node_id VARCHAR(255) NOT NULL,
		branch_id VARCHAR(512) NOT NULL DEFAULT 'main',
		status VARCHAR(32) NOT NULL DEFAULT 'active',
		assigned_user_id VARCHAR(255),
		decision VARCHAR(32),
		aggregate_decision VARCHAR(32),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CONSTRAINT active_steps_position_unique UNIQUE (instance_id, node_id, branch_id)
	);

	CREATE INDEX IF NOT EXISTS idx_active_steps_instance_status
		ON active_steps(instance_id, status);
	CREATE INDEX IF NOT EXISTS idx_active_steps_open
		ON active_steps(status) WHERE status IN ('active', 'waiting');

	CREATE TABLE IF NOT EXISTS workflow_history (
		id UUID PRIMARY KEY,
		instance_id UUID NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
		from_node_id VARCHAR(255) NOT NULL,
		to_node_id VARCHAR(255),
		user_id VARCHAR(255) NOT NULL DEFAULT '',
		decision VARCHAR(32),
		feedback TEXT NOT NULL DEFAULT '',
		form_data JSONB,
		branch_id VARCHAR(512) NOT NULL DEFAULT 'main',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_history_instance
		ON workflow_history(instance_id, created_at);
`
