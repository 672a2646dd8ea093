package server

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/morezero/browser-relay/internal/config"
	"github.com/morezero/browser-relay/pkg/db"
)

// loadMigrations reads MIGRATION_PATH when set, otherwise the embedded schema.
func loadMigrations(cfg *config.Config) ([]string, error) {
	if cfg.MigrationPath != "" {
		return db.LoadMigrationFiles(cfg.MigrationPath)
	}
	return db.EmbeddedMigrations()
}

func applyMigrations(ctx context.Context, cfg *config.Config, q db.Querier) error {
	migrations, err := loadMigrations(cfg)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, q, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func withPool(ctx context.Context, cfg *config.Config, fn func(db.Querier) error) error {
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(pool)
}

// MigrateUp applies the result schema.
func MigrateUp(ctx context.Context, cfg *config.Config) error {
	return withPool(ctx, cfg, func(q db.Querier) error {
		return applyMigrations(ctx, cfg, q)
	})
}

// MigrateStatus writes whether the result schema is applied.
func MigrateStatus(ctx context.Context, cfg *config.Config, w io.Writer) error {
	return withPool(ctx, cfg, func(q db.Querier) error {
		return writeSchemaStatus(ctx, q, w)
	})
}

func writeSchemaStatus(ctx context.Context, q db.Querier, w io.Writer) error {
	ok, err := db.SchemaApplied(ctx, q)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(w, "command_results: applied")
	} else {
		fmt.Fprintln(w, "command_results: pending")
	}
	return nil
}

// PurgeResults deletes every stored result; the schema is kept.
func PurgeResults(ctx context.Context, cfg *config.Config, w io.Writer) error {
	return withPool(ctx, cfg, func(q db.Querier) error {
		n, err := db.NewResultRepository(q, 0).Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Purged %d results.\n", n)
		return nil
	})
}

// EnsureDB creates database name on the server named by DATABASE_URL.
func EnsureDB(ctx context.Context, cfg *config.Config, name string) error {
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if name != "" {
		// Query (e.g. sslmode) is kept on u.RawQuery.
		u.Path = "/" + name
	}
	return db.EnsureDatabase(ctx, u.String())
}
