package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sqlx-go/sqlx/internal/migrate"
)

func TestNextMigrationVersionEmptyDir(t *testing.T) {
	dir := t.TempDir()

	v, err := nextMigrationVersion(dir)
	if err != nil {
		t.Fatalf("nextMigrationVersion: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1 for an empty directory, got %d", v)
	}
}

func TestNextMigrationVersionMissingDir(t *testing.T) {
	v, err := nextMigrationVersion(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("nextMigrationVersion: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1 for a missing directory, got %d", v)
	}
}

func TestNextMigrationVersionAdvancesPastExisting(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1_init.sql", "3_add_index.up.sql", "3_add_index.down.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("-- noop\n"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	v, err := nextMigrationVersion(dir)
	if err != nil {
		t.Fatalf("nextMigrationVersion: %v", err)
	}
	if v != 4 {
		t.Fatalf("expected version 4, got %d", v)
	}
}

func TestAddMigrationSimple(t *testing.T) {
	dir := t.TempDir()

	if err := addMigration(dir, "create_users", false); err != nil {
		t.Fatalf("addMigration: %v", err)
	}

	path := filepath.Join(dir, "1_create_users.sql")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

func TestAddMigrationReversible(t *testing.T) {
	dir := t.TempDir()

	if err := addMigration(dir, "create_users", true); err != nil {
		t.Fatalf("addMigration: %v", err)
	}

	for _, suffix := range []string{".up.sql", ".down.sql"} {
		path := filepath.Join(dir, "1_create_users"+suffix)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to exist: %v", path, err)
		}
	}
}

func TestAddMigrationRejectsBadName(t *testing.T) {
	cmd := newMigrateAddCmd()
	cmd.SetArgs([]string{"bad name with spaces"})
	cmd.SetOut(new(nopWriter))
	cmd.SetErr(new(nopWriter))
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for an invalid migration name")
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLoadMigrationSetFiltersByTargetVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1_init.sql", "2_add_col.sql", "3_add_index.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;\n"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	set, err := loadMigrationSet(dir, 2)
	if err != nil {
		t.Fatalf("loadMigrationSet: %v", err)
	}
	if len(set.Migrations) != 2 {
		t.Fatalf("expected 2 migrations at or below version 2, got %d", len(set.Migrations))
	}
	for _, m := range set.Migrations {
		if m.Version > 2 {
			t.Fatalf("migration %d should have been filtered out", m.Version)
		}
	}
}

func TestLoadMigrationSetNoTargetReturnsEverything(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1_init.sql", "2_add_col.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;\n"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	set, err := loadMigrationSet(dir, 0)
	if err != nil {
		t.Fatalf("loadMigrationSet: %v", err)
	}
	if len(set.Migrations) != 2 {
		t.Fatalf("expected all 2 migrations with no target version, got %d", len(set.Migrations))
	}
}

func TestMigrationStateString(t *testing.T) {
	cases := map[migrate.State]string{
		migrate.Pending:                  "pending",
		migrate.Applied:                  "applied",
		migrate.AppliedDifferentChecksum: "applied (checksum mismatch)",
	}
	for state, want := range cases {
		if got := migrationStateString(state); got != want {
			t.Errorf("migrationStateString(%v) = %q, want %q", state, got, want)
		}
	}
}
