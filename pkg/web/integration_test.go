//go:build integration

package web_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/calvora/stagehand/pkg/engine"
	"github.com/calvora/stagehand/pkg/identity"
	"github.com/calvora/stagehand/pkg/models"
	"github.com/calvora/stagehand/pkg/persistence/postgresql"
	"github.com/calvora/stagehand/pkg/services"
	"github.com/calvora/stagehand/pkg/testutil"
	"github.com/calvora/stagehand/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (string, func()) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "test_stagehand",
				"POSTGRES_USER":     "test_user",
				"POSTGRES_PASSWORD": "test_pass",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dbURL := fmt.Sprintf("postgres://test_user:test_pass@%s:%s/test_stagehand?sslmode=disable", host, port.Port())

	// Wait for database to be ready
	time.Sleep(2 * time.Second)

	cleanup := func() {
		_ = container.Terminate(ctx)
	}

	return dbURL, cleanup
}

func setupPostgresApp(t *testing.T, dbURL string) *fiber.App {
	t.Helper()

	// Persistence layer with automatic migrations
	persistence, err := postgresql.NewPersistence(context.Background(), slog.Default(), dbURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = persistence.Close(context.Background())
	})

	directory := identity.NewStaticDirectory([]identity.User{
		{ID: "alice", Roles: []string{"reviewer"}, Level: 1},
		{ID: "dave", Roles: []string{"approver"}, Level: 2},
	}, time.Now)

	executionEngine := engine.New(persistence, directory, slog.Default())
	templateService := services.NewTemplate(persistence)
	instanceService := services.NewInstance(persistence, executionEngine)
	handlers := web.NewAPIHandlers(templateService, instanceService, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()

	templates := app.Group("/templates")
	templates.Post("/", handlers.CreateTemplate)
	templates.Get("/:id", handlers.GetTemplate)
	templates.Post("/:id/activate", handlers.ActivateTemplate)
	templates.Delete("/:id", handlers.DeleteTemplate)

	instances := app.Group("/instances")
	instances.Post("/", handlers.StartInstance)
	instances.Get("/:id", handlers.GetInstance)
	instances.Post("/:id/advance", handlers.AdvanceInstance)

	return app
}

func TestPostgresLifecycle_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dbURL, cleanup := setupTestDB(t)
	defer cleanup()

	app := setupPostgresApp(t, dbURL)

	source := testutil.LinearTemplate()

	resp := doJSON(t, app, http.MethodPost, "/templates", web.CreateTemplateRequest{
		Name:        "Integration Approval",
		Description: "review then approve, postgres-backed",
		Nodes:       source.Nodes,
		Connections: source.Connections,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	template := decodeBody[*models.WorkflowTemplate](t, resp)
	require.NotEmpty(t, template.ID)

	resp = doJSON(t, app, http.MethodPost, "/templates/"+template.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	projectID := "project-pg"

	resp = doJSON(t, app, http.MethodPost, "/instances", web.StartInstanceRequest{
		TemplateID: template.ID,
		ProjectID:  &projectID,
		StartedBy:  "alice",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	instance := decodeBody[*models.WorkflowInstance](t, resp)
	require.NotNil(t, instance.StartedSnapshot)

	result := advanceAs(t, app, instance.ID, web.AdvanceInstanceRequest{ActorID: "alice"})
	assert.Equal(t, []string{"approve"}, result.NextNodes)

	approved := models.DecisionApproved
	result = advanceAs(t, app, instance.ID, web.AdvanceInstanceRequest{ActorID: "dave", Decision: &approved})
	assert.True(t, result.Completed)

	resp = doJSON(t, app, http.MethodGet, "/instances/"+instance.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	detail := decodeBody[services.InstanceDetail](t, resp)
	assert.Equal(t, models.InstanceStatusCompleted, detail.Instance.Status)
	require.NotNil(t, detail.Instance.CompletedSnapshot)
	assert.NotEmpty(t, detail.Instance.CompletedSnapshot.HandoffsByNode)

	// A referenced template soft-deletes instead of breaking the instance.
	resp = doJSON(t, app, http.MethodDelete, "/templates/"+template.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/templates/"+template.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/instances/"+instance.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
