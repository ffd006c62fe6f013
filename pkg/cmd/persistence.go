package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/calvora/stagehand/pkg/persistence"
	"github.com/calvora/stagehand/pkg/persistence/memory"
	"github.com/calvora/stagehand/pkg/persistence/postgresql"
)

// NewPersistence selects a store from the database URL scheme. Anything that
// is not PostgreSQL falls back to the in-memory store, which only suits tests
// and local development.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		logger.WarnContext(ctx, "No PostgreSQL database URL configured, using in-memory persistence")

		return memory.NewPersistence(), nil
	}
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
