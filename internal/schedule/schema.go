package schedule

import (
	"context"
	"database/sql"
	"embed"

	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

func initSchema(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	return migration.Run(ctx, db, migrationsFS, "migrations", logger)
}
