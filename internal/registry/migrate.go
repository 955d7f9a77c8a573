package registry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrate applies every pending forward migration. goose tracks applied
// versions in its own table inside the same database file, so a second
// Open against an up-to-date database is a no-op. Downgrading — running
// an older binary against a database stamped with a migration it doesn't
// know about — is refused
func migrate(db *sql.DB, logger goose.Logger) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrationFS, goose.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("registry: init migration provider: %w", err)
	}

	ctx := context.Background()

	current, err := provider.GetDBVersion(ctx)
	if err == nil {
		latest := int64(0)
		for _, m := range provider.ListSources() {
			if m.Version > latest {
				latest = m.Version
			}
		}
		if current > latest {
			return ErrDowngrade
		}
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("registry: apply migrations: %w", err)
	}

	return nil
}
