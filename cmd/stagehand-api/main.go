package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/calvora/stagehand/pkg/cmd"
	"github.com/calvora/stagehand/pkg/config"
	"github.com/calvora/stagehand/pkg/identity"
	"github.com/calvora/stagehand/pkg/lock/redislock"
	"github.com/calvora/stagehand/pkg/log"
	"github.com/calvora/stagehand/pkg/otelhelper"
	"github.com/calvora/stagehand/pkg/persistence"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPort = 9091
	lockTTL     = 30 * time.Second
)

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "stagehand-api",
		Usage:                 "Manage workflow templates and run approval instances",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "directory-file",
				Usage:    "Path to the YAML user directory (roles, departments, levels)",
				Required: true,
				Sources:  cli.EnvVars("DIRECTORY_FILE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis connection URL; when set, sync-node locks go through Redis instead of the database",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export engine spans over OTLP HTTP (endpoint via OTEL_EXPORTER_OTLP_ENDPOINT)",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Stagehand API")

			store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			users, err := config.LoadDirectoryUsers(command.String("directory-file"))
			if err != nil {
				return err
			}

			directory := identity.NewStaticDirectory(users, time.Now)

			var locks persistence.LockManager

			if redisURL := command.String("redis-url"); redisURL != "" {
				redisOpts, err := redis.ParseURL(redisURL)
				if err != nil {
					return fmt.Errorf("invalid redis URL: %w", err)
				}

				locks = redislock.NewLockManager(redis.NewClient(redisOpts), lockTTL)
			}

			var tracer trace.Tracer

			if command.Bool("tracing") {
				provider, err := otelhelper.NewTracerProvider(ctx, "stagehand-api")
				if err != nil {
					return fmt.Errorf("failed to initialize tracing: %w", err)
				}

				defer func() {
					if err := provider.Shutdown(ctx); err != nil {
						logger.ErrorContext(ctx, "Failed to shut down tracer provider", "error", err)
					}
				}()

				tracer = provider.Tracer("stagehand-api")
			}

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "stagehand-api", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			api := NewAPI(logger, store, directory, eventBus, locks, tracer)

			return api.Start(command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
