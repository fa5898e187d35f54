package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sqlx-go/sqlx/internal/dsn"
	"github.com/sqlx-go/sqlx/internal/migrate"
)

func newDatabaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "database",
		Short: "Create, drop, reset or set up the target database",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create the database named in DATABASE_URL",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := resolveDSN()
				if err != nil {
					return err
				}
				return createDatabase(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "drop",
			Short: "Drop the database named in DATABASE_URL",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := resolveDSN()
				if err != nil {
					return err
				}
				return dropDatabase(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Drop then recreate the database named in DATABASE_URL",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := resolveDSN()
				if err != nil {
					return err
				}
				if err := dropDatabase(cmd.Context(), cfg); err != nil {
					return err
				}
				return createDatabase(cmd.Context(), cfg)
			},
		},
		newDatabaseSetupCmd(),
	)
	return cmd
}

func newDatabaseSetupCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the database, then apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveDSN()
			if err != nil {
				return err
			}
			if err := createDatabase(cmd.Context(), cfg); err != nil {
				return err
			}
			return runMigrations(cmd.Context(), cfg, source, 0, false)
		},
	}
	cmd.Flags().StringVar(&source, "source", "migrations", "directory containing migration files")
	return cmd
}

func resolveDSN() (*dsn.Config, error) {
	raw, err := databaseURL()
	if err != nil {
		return nil, err
	}
	return dsn.Parse(raw)
}

// adminConfig returns a copy of cfg pointed at the backend's maintenance
// database: "postgres" for Postgres (every cluster carries one), no
// database selected for MySQL (CREATE/DROP DATABASE don't need one).
// SQLite has no server to connect to, so it's handled separately by the
// callers below.
func adminConfig(cfg *dsn.Config, adminDB string) *dsn.Config {
	clone := *cfg
	clone.Database = adminDB
	return &clone
}

func createDatabase(ctx context.Context, cfg *dsn.Config) error {
	if cfg.Engine == migrate.SQLite {
		f, err := os.OpenFile(cfg.Database, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create sqlite database file %s: %w", cfg.Database, err)
		}
		return f.Close()
	}

	admin := adminConfig(cfg, defaultAdminDatabase(cfg))
	c, err := dsn.Dial(ctx, admin)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", quoteIdent(cfg.Engine, cfg.Database)))
	if err != nil {
		return fmt.Errorf("create database %s: %w", cfg.Database, err)
	}
	return nil
}

func dropDatabase(ctx context.Context, cfg *dsn.Config) error {
	if cfg.Engine == migrate.SQLite {
		if err := os.Remove(cfg.Database); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("drop sqlite database file %s: %w", cfg.Database, err)
		}
		return nil
	}

	admin := adminConfig(cfg, defaultAdminDatabase(cfg))
	c, err := dsn.Dial(ctx, admin)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoteIdent(cfg.Engine, cfg.Database)))
	if err != nil {
		return fmt.Errorf("drop database %s: %w", cfg.Database, err)
	}
	return nil
}

func defaultAdminDatabase(cfg *dsn.Config) string {
	if cfg.Engine == migrate.Postgres {
		return "postgres"
	}
	return ""
}

// quoteIdent double-quotes a Postgres identifier or backtick-quotes a
// MySQL one, doubling any embedded quote character the way each
// backend's own identifier-quoting rules require.
func quoteIdent(engine migrate.Engine, name string) string {
	if engine == migrate.MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
