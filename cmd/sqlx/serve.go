package main

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/spf13/cobra"

	"github.com/sqlx-go/sqlx/internal/api"
	"github.com/sqlx-go/sqlx/internal/config"
	"github.com/sqlx-go/sqlx/internal/conn"
	"github.com/sqlx-go/sqlx/internal/dsn"
	"github.com/sqlx-go/sqlx/internal/metrics"
	"github.com/sqlx-go/sqlx/internal/migrate"
	"github.com/sqlx-go/sqlx/internal/pool"
	"github.com/sqlx-go/sqlx/internal/registry"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"admin"},
		Short:   "Run the admin API over every profile named in a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "sqlx.yaml", "path to the admin configuration file")
	return cmd
}

// poolSet owns the live *pool.Pool per profile and is rebuilt wholesale
// on every config.Watcher reload, the same copy-on-write swap
// internal/registry uses for its own profile snapshot.
type poolSet struct {
	mu    sync.RWMutex
	pools map[string]*pool.Pool
}

func newPoolSet() *poolSet {
	return &poolSet{pools: map[string]*pool.Pool{}}
}

func (ps *poolSet) snapshot() map[string]*pool.Pool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make(map[string]*pool.Pool, len(ps.pools))
	for name, p := range ps.pools {
		out[name] = p
	}
	return out
}

// replace opens a fresh pool per profile in cfg and swaps them in,
// closing the pools it replaces only after the swap succeeds so a
// reload with a bad profile leaves the previous pools serving traffic.
func (ps *poolSet) replace(ctx context.Context, cfg *config.Config) error {
	fresh := make(map[string]*pool.Pool, len(cfg.Profiles))
	for name, profile := range cfg.Profiles {
		p, err := newProfilePool(ctx, profile, cfg.Defaults)
		if err != nil {
			for _, created := range fresh {
				created.Close()
			}
			return fmt.Errorf("profile %q: %w", name, err)
		}
		fresh[name] = p
	}

	ps.mu.Lock()
	old := ps.pools
	ps.pools = fresh
	ps.mu.Unlock()

	for _, p := range old {
		p.Close()
	}
	return nil
}

func (ps *poolSet) closeAll() {
	for _, p := range ps.snapshot() {
		p.Close()
	}
}

func newProfilePool(ctx context.Context, profile config.ProfileConfig, defaults config.PoolDefaults) (*pool.Pool, error) {
	target := profileDSN(profile)
	return pool.New(ctx, pool.Config{
		Connect: func(ctx context.Context) (conn.Connection, error) {
			return dsn.Dial(ctx, target)
		},
		MinConns:        int32(profile.EffectiveMinConnections(defaults)),
		MaxConns:        int32(profile.EffectiveMaxConnections(defaults)),
		MaxConnIdleTime: profile.EffectiveIdleTimeout(defaults),
		MaxConnLifetime: profile.EffectiveMaxLifetime(defaults),
		AcquireTimeout:  profile.EffectiveAcquireTimeout(defaults),
	})
}

func profileDSN(p config.ProfileConfig) *dsn.Config {
	cfg := &dsn.Config{
		Host:     p.Host,
		Port:     uint16(p.Port),
		User:     p.Username,
		Password: p.Password,
		Database: p.DBName,
	}
	switch p.DBType {
	case "mysql":
		cfg.Engine = migrate.MySQL
	case "sqlite":
		cfg.Engine = migrate.SQLite
	default:
		cfg.Engine = migrate.Postgres
	}
	return cfg
}

// runServe mirrors the teacher's cmd/dbbouncer main(): load config,
// build the long-lived components, start the API server, wire config
// hot-reload back into them, then block until the context (driven by
// SIGINT/SIGTERM in main) is canceled and shut everything down.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Printf("sqlx serve: loaded %s (%d profiles)", configPath, len(cfg.Profiles))

	reg := registry.New(cfg)
	m := metrics.New()

	ps := newPoolSet()
	if err := ps.replace(ctx, cfg); err != nil {
		return fmt.Errorf("open profile pools: %w", err)
	}

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		reg.Reload(newCfg)
		if err := ps.replace(context.Background(), newCfg); err != nil {
			log.Printf("sqlx serve: failed to rebuild pools after reload: %v", err)
		}
	})
	if err != nil {
		log.Printf("sqlx serve: config hot-reload not available: %v", err)
	}

	srv := api.NewServer(reg, ps.snapshot, m, cfg.Listen)
	if err := srv.Start(cfg.Listen.APIPort); err != nil {
		ps.closeAll()
		return fmt.Errorf("start admin API: %w", err)
	}

	<-ctx.Done()
	log.Printf("sqlx serve: shutting down")

	if watcher != nil {
		watcher.Stop()
	}
	srv.Stop()
	ps.closeAll()
	return nil
}
