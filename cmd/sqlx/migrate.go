package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sqlx-go/sqlx/internal/dsn"
	"github.com/sqlx-go/sqlx/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Add, run, revert or inspect schema migrations",
	}
	cmd.AddCommand(
		newMigrateAddCmd(),
		newMigrateRunCmd(),
		newMigrateRevertCmd(),
		newMigrateInfoCmd(),
	)
	return cmd
}

var migrationNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func newMigrateAddCmd() *cobra.Command {
	var reversible bool
	var source string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a new migration file (or .up.sql/.down.sql pair)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !migrationNamePattern.MatchString(name) {
				return fmt.Errorf("migration name %q must match %s", name, migrationNamePattern.String())
			}
			return addMigration(source, name, reversible)
		},
	}
	cmd.Flags().BoolVarP(&reversible, "reversible", "r", false, "create a reversible .up.sql/.down.sql pair")
	cmd.Flags().StringVar(&source, "source", "migrations", "directory to create the migration file(s) in")
	return cmd
}

func addMigration(dir, name string, reversible bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create migrations directory %s: %w", dir, err)
	}
	version, err := nextMigrationVersion(dir)
	if err != nil {
		return err
	}

	if !reversible {
		path := filepath.Join(dir, fmt.Sprintf("%d_%s.sql", version, name))
		if err := os.WriteFile(path, []byte("-- add up migration SQL here\n"), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Println("created", path)
		return nil
	}

	up := filepath.Join(dir, fmt.Sprintf("%d_%s.up.sql", version, name))
	down := filepath.Join(dir, fmt.Sprintf("%d_%s.down.sql", version, name))
	if err := os.WriteFile(up, []byte("-- add up migration SQL here\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", up, err)
	}
	if err := os.WriteFile(down, []byte("-- add down migration SQL here\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", down, err)
	}
	fmt.Println("created", up)
	fmt.Println("created", down)
	return nil
}

var migrationVersionPattern = regexp.MustCompile(`^(\d+)_`)

// nextMigrationVersion is the highest version already present in dir,
// plus one, or 1 if dir has no migrations yet. Sequential rather than
// timestamp-based, matching internal/migrate.Load's plain digit-sequence
// version parsing.
func nextMigrationVersion(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("read migrations directory %s: %w", dir, err)
	}
	var versions []int64
	for _, e := range entries {
		m := migrationVersionPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return 1, nil
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions[len(versions)-1] + 1, nil
}

func newMigrateRunCmd() *cobra.Command {
	var source string
	var targetVersion int64
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveDSN()
			if err != nil {
				return err
			}
			return runMigrations(cmd.Context(), cfg, source, targetVersion, dryRun)
		},
	}
	cmd.Flags().StringVar(&source, "source", "migrations", "directory containing migration files")
	cmd.Flags().Int64Var(&targetVersion, "target-version", 0, "stop after applying this version (0 means apply everything pending)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be applied without running anything")
	return cmd
}

func runMigrations(ctx context.Context, cfg *dsn.Config, source string, targetVersion int64, dryRun bool) error {
	set, err := loadMigrationSet(source, targetVersion)
	if err != nil {
		return err
	}

	c, err := dsn.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	m := migrate.New(cfg.Engine, cfg.Database, set)

	if dryRun {
		rows, err := m.Info(ctx, c)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.State == migrate.Pending {
				fmt.Printf("would apply %d_%s\n", r.Version, r.Description)
			}
		}
		return nil
	}

	return m.Run(ctx, c, func(version int64) {
		fmt.Fprintf(os.Stderr, "warning: migration %d applied with a different checksum than the file on disk\n", version)
	})
}

func loadMigrationSet(source string, targetVersion int64) (*migrate.Set, error) {
	set, err := migrate.Load(source)
	if err != nil {
		return nil, err
	}
	if targetVersion <= 0 {
		return set, nil
	}
	filtered := &migrate.Set{}
	for _, mig := range set.Migrations {
		if mig.Version <= targetVersion {
			filtered.Migrations = append(filtered.Migrations, mig)
		}
	}
	return filtered, nil
}

func newMigrateRevertCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Revert the most recently applied reversible migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveDSN()
			if err != nil {
				return err
			}
			set, err := migrate.Load(source)
			if err != nil {
				return err
			}

			c, err := dsn.Dial(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			m := migrate.New(cfg.Engine, cfg.Database, set)
			return m.Revert(cmd.Context(), c)
		},
	}
	cmd.Flags().StringVar(&source, "source", "migrations", "directory containing migration files")
	return cmd
}

func newMigrateInfoCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show every migration's applied/pending/drifted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveDSN()
			if err != nil {
				return err
			}
			set, err := migrate.Load(source)
			if err != nil {
				return err
			}

			c, err := dsn.Dial(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			m := migrate.New(cfg.Engine, cfg.Database, set)
			rows, err := m.Info(cmd.Context(), c)
			if err != nil {
				return err
			}
			for _, r := range rows {
				fmt.Printf("%-6d %-30s %s\n", r.Version, r.Description, migrationStateString(r.State))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "migrations", "directory containing migration files")
	return cmd
}

func migrationStateString(s migrate.State) string {
	switch s {
	case migrate.Applied:
		return "applied"
	case migrate.AppliedDifferentChecksum:
		return "applied (checksum mismatch)"
	default:
		return "pending"
	}
}
