package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one numbered schema change with both directions.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// ID is the value stored in schema_migrations.
func (m Migration) ID() string {
	return m.Version + "_" + m.Name
}

// ReadMigrations loads a migrations directory in version order. Every version
// must ship both an up and a down file.
func ReadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, name, direction := match[1], match[2], match[3]
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration %s has conflicting names %q and %q", version, m.Name, name)
		}
		contents, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if direction == "up" {
			m.Up = string(contents)
		} else {
			m.Down = string(contents)
		}
	}
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if strings.TrimSpace(m.Up) == "" || strings.TrimSpace(m.Down) == "" {
			return nil, fmt.Errorf("migration %s must include both up and down files", m.ID())
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// ApplyMigrations runs every up migration not yet recorded, one transaction each.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := ReadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	for _, m := range migrations {
		applied, err := isMigrated(ctx, db, m.ID())
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := runMigration(ctx, db, m.ID(), m.Up, `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
			return err
		}
	}
	return nil
}

// RollbackMigrations reverts every recorded migration, newest first.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := ReadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		applied, err := isMigrated(ctx, db, m.ID())
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		if err := runMigration(ctx, db, m.ID(), m.Down, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return err
		}
	}
	return nil
}

func runMigration(ctx context.Context, db *sql.DB, id, statements, bookkeeping string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, statements); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", id, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, id string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", id, err)
	}
	return exists, nil
}
