package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestReadMigrationsPairsDirections(t *testing.T) {
	migrations, err := ReadMigrations(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("ReadMigrations() error = %v", err)
	}
	want := []string{"0001_save_log", "0002_save_log_append_only"}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, m := range migrations {
		if m.ID() != want[i] {
			t.Fatalf("migration %d = %s, want %s", i, m.ID(), want[i])
		}
	}
	if !strings.Contains(migrations[0].Up, "CREATE TABLE") || !strings.Contains(migrations[0].Down, "DROP TABLE") {
		t.Fatalf("unexpected save_log migration bodies")
	}
}

func TestReadMigrationsRejectsMissingDown(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_first.up.sql", "CREATE TABLE a (id INT);")
	writeMigration(t, dir, "0001_first.down.sql", "DROP TABLE a;")
	writeMigration(t, dir, "0002_second.up.sql", "CREATE TABLE b (id INT);")

	if _, err := ReadMigrations(dir); err == nil || !strings.Contains(err.Error(), "0002_second") {
		t.Fatalf("expected missing down error for 0002_second, got %v", err)
	}
}

func TestReadMigrationsRejectsConflictingNames(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_first.up.sql", "SELECT 1;")
	writeMigration(t, dir, "0001_other.down.sql", "SELECT 1;")

	if _, err := ReadMigrations(dir); err == nil {
		t.Fatal("expected conflicting name error")
	}
	if _, err := ReadMigrations(t.TempDir()); err == nil {
		t.Fatal("expected error for an empty directory")
	}
}

func TestReadMigrationsSortsByVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0010_late", "0002_early"} {
		writeMigration(t, dir, name+".up.sql", "SELECT 1;")
		writeMigration(t, dir, name+".down.sql", "SELECT 1;")
	}
	writeMigration(t, dir, "README.md", "ignored")

	migrations, err := ReadMigrations(dir)
	if err != nil {
		t.Fatalf("ReadMigrations() error = %v", err)
	}
	if len(migrations) != 2 || migrations[0].ID() != "0002_early" || migrations[1].ID() != "0010_late" {
		t.Fatalf("unexpected order: %+v", migrations)
	}
}

func TestPoolOptionsDefaults(t *testing.T) {
	got := PoolOptions{}.withDefaults()
	if got.MaxOpenConns != 20 || got.MaxIdleConns != 10 || got.ConnMaxLifetime != 30*time.Minute || got.ConnMaxIdleTime != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	got = PoolOptions{MaxOpenConns: 4, MaxIdleConns: 8}.withDefaults()
	if got.MaxIdleConns != 4 {
		t.Fatalf("idle connections must not exceed open connections, got %+v", got)
	}
}

func writeMigration(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
