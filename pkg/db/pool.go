// Package db persists relay results in Postgres via pgx.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// Querier is the subset of *pgxpool.Pool the repository and migrations use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	config.MaxConns = 8
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// RunMigrations applies SQL migrations in order. The shipped migrations are idempotent.
func RunMigrations(ctx context.Context, q Querier, migrations []string) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", logPrefix, len(migrations)))
	for i, sql := range migrations {
		if _, err := q.Exec(ctx, sql); err != nil {
			return fmt.Errorf("%s - migration %d failed: %w", logPrefix, i+1, err)
		}
	}
	slog.Info(fmt.Sprintf("%s - Migrations complete", logPrefix))
	return nil
}

// SchemaApplied reports whether the command_results table exists.
func SchemaApplied(ctx context.Context, q Querier) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'command_results')`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s - failed to check schema: %w", logPrefix, err)
	}
	return exists, nil
}
