// Package main provides the Stagehand API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/calvora/stagehand/pkg/engine"
	"github.com/calvora/stagehand/pkg/eventbus"
	"github.com/calvora/stagehand/pkg/identity"
	"github.com/calvora/stagehand/pkg/persistence"
	"github.com/calvora/stagehand/pkg/services"
	"github.com/calvora/stagehand/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	directory   identity.Directory
	eventBus    eventbus.EventBus
	locks       persistence.LockManager
	tracer      trace.Tracer
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	directory identity.Directory,
	eventBus eventbus.EventBus,
	locks persistence.LockManager,
	tracer trace.Tracer,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		directory:   directory,
		eventBus:    eventBus,
		locks:       locks,
		tracer:      tracer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	opts := []engine.Option{engine.WithEventBus(a.eventBus)}
	if a.locks != nil {
		opts = append(opts, engine.WithLockManager(a.locks))
	}

	if a.tracer != nil {
		opts = append(opts, engine.WithTracer(a.tracer))
	}

	executionEngine := engine.New(a.persistence, a.directory, a.logger, opts...)
	templateService := services.NewTemplate(a.persistence)
	instanceService := services.NewInstance(a.persistence, executionEngine)

	handlers := web.NewAPIHandlers(templateService, instanceService, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Stagehand API")
	})

	templates := app.Group("/templates")
	templates.Get("/", handlers.GetTemplates)
	templates.Post("/", handlers.CreateTemplate)
	templates.Get("/:id", handlers.GetTemplate)
	templates.Patch("/:id", handlers.UpdateTemplate)
	templates.Delete("/:id", handlers.DeleteTemplate)
	templates.Post("/:id/activate", handlers.ActivateTemplate)
	templates.Post("/:id/deactivate", handlers.DeactivateTemplate)

	instances := app.Group("/instances")
	instances.Get("/", handlers.GetInstances)
	instances.Post("/", handlers.StartInstance)
	instances.Get("/:id", handlers.GetInstance)
	instances.Post("/:id/advance", handlers.AdvanceInstance)
	instances.Post("/:id/cancel", handlers.CancelInstance)

	app.Get("/users/:userId/steps", handlers.GetPendingSteps)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
