package main

import (
	"testing"

	"github.com/sqlx-go/sqlx/internal/dsn"
	"github.com/sqlx-go/sqlx/internal/migrate"
)

func TestQuoteIdentPostgres(t *testing.T) {
	if got := quoteIdent(migrate.Postgres, "orders"); got != `"orders"` {
		t.Errorf("expected a double-quoted identifier, got %s", got)
	}
}

func TestQuoteIdentMySQL(t *testing.T) {
	if got := quoteIdent(migrate.MySQL, "orders"); got != "`orders`" {
		t.Errorf("expected a backtick-quoted identifier, got %s", got)
	}
}

func TestDefaultAdminDatabase(t *testing.T) {
	if got := defaultAdminDatabase(&dsn.Config{Engine: migrate.Postgres}); got != "postgres" {
		t.Errorf("expected the postgres maintenance database, got %q", got)
	}
	if got := defaultAdminDatabase(&dsn.Config{Engine: migrate.MySQL}); got != "" {
		t.Errorf("expected no selected database for mysql, got %q", got)
	}
}

func TestAdminConfigDoesNotMutateOriginal(t *testing.T) {
	cfg := &dsn.Config{Engine: migrate.Postgres, Database: "orders", Host: "db.internal"}

	admin := adminConfig(cfg, "postgres")
	if admin.Database != "postgres" {
		t.Errorf("expected admin config database to be postgres, got %q", admin.Database)
	}
	if cfg.Database != "orders" {
		t.Errorf("adminConfig mutated the original config's database to %q", cfg.Database)
	}
	if admin.Host != cfg.Host {
		t.Errorf("expected admin config to keep the original host")
	}
}
