package migrate

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/sqlx-go/sqlx/internal/conn"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// Engine selects the backend-specific SQL dialect for the history table
// and the advisory-lock strategy, per spec §4.H/§6.
type Engine int

const (
	Postgres Engine = iota
	MySQL
	SQLite
)

const lockKeyNamespace = "sqlx-go migrator"

// lockKey hashes the target database name into a stable 63-bit key for
// pg_advisory_lock / GET_LOCK, both of which take a single integer.
func lockKey(database string) int64 {
	h := fnv.New64a()
	h.Write([]byte(lockKeyNamespace + ":" + database))
	return int64(h.Sum64() >> 1) // clear the sign bit; both lock calls want a positive key
}

// historyTableDDL returns the CREATE TABLE IF NOT EXISTS for
// `_sqlx_migrations`, with the per-backend type mapping spec §6 names.
func (e Engine) historyTableDDL() string {
	switch e {
	case Postgres:
		return `CREATE TABLE IF NOT EXISTS _sqlx_migrations (
	version BIGINT PRIMARY KEY,
	description TEXT NOT NULL,
	installed_on TIMESTAMPTZ NOT NULL DEFAULT now(),
	success BOOLEAN NOT NULL,
	checksum BYTEA NOT NULL,
	execution_time_ns BIGINT NOT NULL
)`
	case MySQL:
		return `CREATE TABLE IF NOT EXISTS _sqlx_migrations (
	version BIGINT PRIMARY KEY,
	description TEXT NOT NULL,
	installed_on TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	success BOOLEAN NOT NULL,
	checksum BLOB NOT NULL,
	execution_time_ns BIGINT NOT NULL
)`
	default: // SQLite
		return `CREATE TABLE IF NOT EXISTS _sqlx_migrations (
	version BIGINT PRIMARY KEY,
	description TEXT NOT NULL,
	installed_on TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	success BOOLEAN NOT NULL,
	checksum BLOB NOT NULL,
	execution_time_ns BIGINT NOT NULL
)`
	}
}

// lock acquires the cross-process advisory lock described in spec §4.H
// step 1. It returns an unlock func that must always run, including on
// panic paths (spec §5's "always released before return").
func (e Engine) lock(ctx context.Context, c conn.Connection, database string) (unlock func(context.Context) error, err error) {
	switch e {
	case Postgres:
		key := lockKey(database)
		if _, err := c.Exec(ctx, fmt.Sprintf("SELECT pg_advisory_lock(%d)", key)); err != nil {
			return nil, sqlerr.Wrap(sqlerr.MigrateLockTimeout, "pg_advisory_lock", err)
		}
		return func(ctx context.Context) error {
			_, err := c.Exec(ctx, fmt.Sprintf("SELECT pg_advisory_unlock(%d)", key))
			return err
		}, nil
	case MySQL:
		name := fmt.Sprintf("sqlx_go_migrate_%d", lockKey(database))
		var locked bool
		_, err := c.Query(ctx, fmt.Sprintf("SELECT GET_LOCK('%s', 30)", name), func(r conn.Row) error {
			locked = len(r.Values) > 0 && string(r.Get(0)) == "1"
			return nil
		})
		if err != nil {
			return nil, sqlerr.Wrap(sqlerr.MigrateLockTimeout, "GET_LOCK", err)
		}
		if !locked {
			return nil, sqlerr.New(sqlerr.MigrateLockTimeout, "GET_LOCK timed out")
		}
		return func(ctx context.Context) error {
			_, err := c.Exec(ctx, fmt.Sprintf("SELECT RELEASE_LOCK('%s')", name))
			return err
		}, nil
	default: // SQLite: no server-side advisory lock primitive, so the
		// lock is a dedicated row claimed inside an exclusive
		// transaction — the same single-writer idiom
		// zombiezen-bass/sqlitemigration relies on when it serialises
		// migration application through one pooled connection.
		if _, err := c.Exec(ctx, "CREATE TABLE IF NOT EXISTS _sqlx_migrations_lock (id INTEGER PRIMARY KEY CHECK (id = 1), locked BOOLEAN NOT NULL)"); err != nil {
			return nil, sqlerr.Wrap(sqlerr.MigrateLockTimeout, "create lock table", err)
		}
		if _, err := c.Exec(ctx, "BEGIN EXCLUSIVE"); err != nil {
			return nil, sqlerr.Wrap(sqlerr.MigrateLockTimeout, "BEGIN EXCLUSIVE", err)
		}
		if _, err := c.Exec(ctx, "INSERT OR REPLACE INTO _sqlx_migrations_lock (id, locked) VALUES (1, 1)"); err != nil {
			c.Exec(ctx, "ROLLBACK")
			return nil, sqlerr.Wrap(sqlerr.MigrateLockTimeout, "claim lock row", err)
		}
		return func(ctx context.Context) error {
			_, err := c.Exec(ctx, "COMMIT")
			return err
		}, nil
	}
}

// beginMigrationTx wraps one migration script in a transaction, per spec
// §4.H step 2. SQLite's lock already holds the connection inside a
// long-lived "BEGIN EXCLUSIVE" for the whole run, and SQLite has no
// nested BEGIN, so each migration there is a SAVEPOINT instead — the
// same depth-1-vs-nested split internal/txn uses for ordinary
// transactions, applied here because the lock itself occupies depth 1.
func (e Engine) beginMigrationTx(ctx context.Context, c conn.Connection) (finish func(ctx context.Context, commit bool) error, err error) {
	if e == SQLite {
		if _, err := c.Exec(ctx, "SAVEPOINT _sqlx_migration"); err != nil {
			return nil, sqlerr.Wrap(sqlerr.Database, "SAVEPOINT", err)
		}
		return func(ctx context.Context, commit bool) error {
			if !commit {
				c.Exec(ctx, "ROLLBACK TO SAVEPOINT _sqlx_migration")
			}
			_, err := c.Exec(ctx, "RELEASE SAVEPOINT _sqlx_migration")
			return err
		}, nil
	}
	if _, err := c.Exec(ctx, "BEGIN"); err != nil {
		return nil, sqlerr.Wrap(sqlerr.Database, "BEGIN", err)
	}
	return func(ctx context.Context, commit bool) error {
		if commit {
			_, err := c.Exec(ctx, "COMMIT")
			return err
		}
		_, err := c.Exec(ctx, "ROLLBACK")
		return err
	}, nil
}
