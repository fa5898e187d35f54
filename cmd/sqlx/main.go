// Command sqlx is the toolkit's CLI: database lifecycle management,
// migrations, compile-time query verification, and an admin API server
// over named database profiles. It replaces the teacher's cmd/dbbouncer
// entry point, which wired together a proxy listener, health checker
// and tenant router that no longer exist in this module; `serve` plays
// the same wiring role main() used to, minus the proxy listeners.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "sqlx:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var noDotenv bool

	root := &cobra.Command{
		Use:           "sqlx",
		Short:         "Database lifecycle, migrations and query verification for sqlx-go",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noDotenv {
				return nil
			}
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&noDotenv, "no-dotenv", false, "do not read DATABASE_URL from a .env file")

	root.AddCommand(
		newDatabaseCmd(),
		newMigrateCmd(),
		newPrepareCmd(),
		newServeCmd(),
	)
	return root
}

// databaseURL reads DATABASE_URL from the environment, failing loudly
// rather than dialing nothing.
func databaseURL() (string, error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return "", fmt.Errorf("DATABASE_URL is not set (and no .env file set it)")
	}
	return url, nil
}
