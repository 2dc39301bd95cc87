package store

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrate applies every migration newer than the store's current schema
// version, tracked in schema_migrations, in filename order.
func migrate(db *sql.DB, log *zap.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			filename TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for i, entry := range entries {
		version := i + 1
		if version <= current {
			continue
		}
		content, err := migrationsFS.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", entry.Name(), err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("store: apply migration %s: %w", entry.Name(), err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version, filename) VALUES ($1, $2)`, version, entry.Name()); err != nil {
			return fmt.Errorf("store: record migration %s: %w", entry.Name(), err)
		}
		if log != nil {
			log.Info("applied migration", zap.Int("version", version), zap.String("file", entry.Name()))
		}
	}
	return nil
}
