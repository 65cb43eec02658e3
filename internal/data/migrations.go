package data

import (
	"context"
	"database/sql"

	"github.com/project-theia/theia-api/internal/migrate"
)

// RunMigrations creates or upgrades the jobs schema.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db)
}
