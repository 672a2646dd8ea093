package db

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
)

const migrationsLogPrefix = "db:migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// EmbeddedMigrations returns the schema shipped with the binary, in order.
func EmbeddedMigrations() ([]string, error) {
	return LoadMigrationFS(embeddedMigrations, "migrations")
}

// LoadMigrationFiles reads all .sql files from dir, sorted by name, and returns their contents.
func LoadMigrationFiles(dir string) ([]string, error) {
	return LoadMigrationFS(os.DirFS(dir), ".")
}

// LoadMigrationFS reads all .sql files under dir in fsys, sorted by name.
func LoadMigrationFS(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, name, err)
		}
		out = append(out, string(data))
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}
