package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sqlx-go/sqlx/internal/describe"
	"github.com/sqlx-go/sqlx/internal/dsn"
	"github.com/sqlx-go/sqlx/internal/migrate"
	"github.com/sqlx-go/sqlx/internal/querycheck"
)

func newPrepareCmd() *cobra.Command {
	var check bool
	var workspace string
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Verify or refresh the offline query-shape cache for sqlx.Query[T] call sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newResolver(cmd.Context())
			if err != nil {
				return err
			}

			var findings []querycheck.Finding
			if check {
				findings, err = r.CheckWorkspace(cmd.Context(), workspace)
			} else {
				findings, err = r.Prepare(cmd.Context(), workspace)
			}
			if err != nil {
				return err
			}

			for _, f := range findings {
				fmt.Fprintf(os.Stderr, "%s: %s: %s\n", f.Pos, f.Kind, f.Message)
			}
			if check && len(findings) > 0 {
				return fmt.Errorf("%d finding(s)", len(findings))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "verify call sites against the cache without rewriting it")
	cmd.Flags().StringVar(&workspace, "workspace", ".", "root directory to scan for sqlx.Query[T] call sites")
	return cmd
}

// newResolver builds a Resolver against DATABASE_URL when it's set, so a
// cache-miss call site can be described live; when it isn't set, or the
// dial fails, it falls back to cache-only resolution (spec §9: a live
// connection during build is an optional convenience, not the default),
// which is sufficient for --check in CI where no database is reachable.
func newResolver(ctx context.Context) (*querycheck.Resolver, error) {
	r := &querycheck.Resolver{CacheDir: ".sqlx", Engine: migrate.Postgres}

	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return r, nil
	}

	cfg, err := dsn.Parse(raw)
	if err != nil {
		return nil, err
	}
	r.Engine = cfg.Engine

	c, err := dsn.Dial(ctx, cfg)
	if err != nil {
		return r, nil
	}
	r.Live = c
	if cfg.Engine == migrate.SQLite {
		r.Adapter = describe.SQLiteAdapter{}
	}
	return r, nil
}
