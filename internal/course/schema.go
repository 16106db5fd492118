package course

import (
	"context"
	"database/sql"
	"embed"

	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// initSchema はマイグレーションを実行してスキーマを初期化する。
func initSchema(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	return migration.Run(ctx, db, migrationsFS, "migrations", logger)
}
