package main

import (
	"testing"

	"github.com/sqlx-go/sqlx/internal/config"
	"github.com/sqlx-go/sqlx/internal/migrate"
)

func TestProfileDSNPostgresDefault(t *testing.T) {
	p := config.ProfileConfig{DBType: "postgres", Host: "db.internal", Port: 5432, Username: "app", Password: "secret", DBName: "orders"}

	got := profileDSN(p)
	if got.Engine != migrate.Postgres {
		t.Fatalf("expected Postgres engine, got %v", got.Engine)
	}
	if got.Host != "db.internal" || got.Port != 5432 || got.User != "app" || got.Database != "orders" {
		t.Fatalf("unexpected dsn config: %+v", got)
	}
}

func TestProfileDSNMySQL(t *testing.T) {
	p := config.ProfileConfig{DBType: "mysql", Host: "db.internal", Port: 3306, DBName: "orders"}
	if got := profileDSN(p).Engine; got != migrate.MySQL {
		t.Fatalf("expected MySQL engine, got %v", got)
	}
}

func TestProfileDSNSQLite(t *testing.T) {
	p := config.ProfileConfig{DBType: "sqlite", DBName: "app.db"}
	got := profileDSN(p)
	if got.Engine != migrate.SQLite {
		t.Fatalf("expected SQLite engine, got %v", got.Engine)
	}
	if got.Database != "app.db" {
		t.Fatalf("expected database app.db, got %q", got.Database)
	}
}

func TestPoolSetSnapshotIsACopy(t *testing.T) {
	ps := newPoolSet()
	ps.pools["orders"] = nil

	snap := ps.snapshot()
	snap["billing"] = nil

	if _, ok := ps.pools["billing"]; ok {
		t.Fatalf("expected snapshot mutation not to affect the live pool set")
	}
	if _, ok := ps.pools["orders"]; !ok {
		t.Fatalf("expected the original profile to remain in the pool set")
	}
}
