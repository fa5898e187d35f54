package migrate

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sqlx-go/sqlx/internal/conn"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// Migrator applies and reports on a Set against one Connection.
type Migrator struct {
	Engine   Engine
	Database string // used only to derive the advisory lock key
	Set      *Set
}

// New builds a Migrator for set against the named database.
func New(engine Engine, database string, set *Set) *Migrator {
	return &Migrator{Engine: engine, Database: database, Set: set}
}

// historyRow mirrors spec §3's MigrationHistoryRow.
type historyRow struct {
	Version         int64
	Description     string
	InstalledOn     time.Time
	Success         bool
	Checksum        []byte
	ExecutionTimeNs int64
}

func (m *Migrator) loadHistory(ctx context.Context, c conn.Connection) (map[int64]historyRow, error) {
	rows := map[int64]historyRow{}
	_, err := c.Query(ctx, "SELECT version, description, installed_on, success, checksum, execution_time_ns FROM _sqlx_migrations", func(r conn.Row) error {
		var h historyRow
		if _, err := fmt.Sscan(string(r.Get(0)), &h.Version); err != nil {
			return err
		}
		h.Description = string(r.Get(1))
		h.InstalledOn = parseTimestamp(string(r.Get(2)))
		h.Success = string(r.Get(3)) == "t" || string(r.Get(3)) == "1" || string(r.Get(3)) == "true"
		h.Checksum = append([]byte(nil), r.Get(4)...)
		fmt.Sscan(string(r.Get(5)), &h.ExecutionTimeNs)
		rows[h.Version] = h
		return nil
	})
	if err != nil {
		return nil, sqlerr.Wrap(sqlerr.Database, "load migration history", err)
	}
	return rows, nil
}

// Run implements spec §4.H's apply algorithm: ensure the history table
// exists, acquire the cross-process lock, apply every pending migration
// in order, then release the lock. A migration whose checksum no longer
// matches an already-applied row is reported via onDrift but does not
// abort the run; a failing new migration aborts it.
func (m *Migrator) Run(ctx context.Context, c conn.Connection, onDrift func(version int64)) error {
	if _, err := c.Exec(ctx, m.Engine.historyTableDDL()); err != nil {
		return sqlerr.Wrap(sqlerr.Database, "create _sqlx_migrations", err)
	}

	unlock, err := m.Engine.lock(ctx, c, m.Database)
	if err != nil {
		return err
	}
	defer unlock(ctx)

	history, err := m.loadHistory(ctx, c)
	if err != nil {
		return err
	}

	for _, mig := range m.Set.Up() {
		if row, ok := history[mig.Version]; ok {
			if row.Success {
				if !bytes.Equal(row.Checksum, mig.Checksum[:]) {
					if onDrift != nil {
						onDrift(mig.Version)
					}
				}
				continue
			}
			// Else: the history row records a prior failed attempt.
			// Retry it rather than skipping.
		}
		if err := m.applyOne(ctx, c, mig); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) applyOne(ctx context.Context, c conn.Connection, mig Migration) error {
	start := time.Now()

	if mig.NoTx {
		_, execErr := c.Exec(ctx, mig.SQL)
		return m.recordResult(ctx, c, mig, execErr == nil, time.Since(start), execErr)
	}

	finish, err := m.Engine.beginMigrationTx(ctx, c)
	if err != nil {
		return err
	}
	_, execErr := c.Exec(ctx, mig.SQL)
	if execErr != nil {
		finish(ctx, false)
		return m.recordFailureOutsideTx(ctx, c, mig, time.Since(start), execErr)
	}
	if recErr := m.insertHistory(ctx, c, mig, true, time.Since(start)); recErr != nil {
		finish(ctx, false)
		return recErr
	}
	if err := finish(ctx, true); err != nil {
		return sqlerr.Wrap(sqlerr.Database, fmt.Sprintf("commit migration %d", mig.Version), err)
	}
	return nil
}

// recordResult inserts the history row in its own statement when the
// migration already ran outside a transaction (no_tx).
func (m *Migrator) recordResult(ctx context.Context, c conn.Connection, mig Migration, success bool, dur time.Duration, cause error) error {
	if err := m.insertHistory(ctx, c, mig, success, dur); err != nil {
		return err
	}
	if !success {
		return sqlerr.Wrap(sqlerr.Database, fmt.Sprintf("migration %d (no_tx)", mig.Version), cause)
	}
	return nil
}

// recordFailureOutsideTx inserts a success=false history row after the
// migration's own transaction has already been rolled back, per spec
// §4.H: "on failure, insert with success=false and abort."
func (m *Migrator) recordFailureOutsideTx(ctx context.Context, c conn.Connection, mig Migration, dur time.Duration, cause error) error {
	m.insertHistory(ctx, c, mig, false, dur)
	return sqlerr.Wrap(sqlerr.Database, fmt.Sprintf("migration %d", mig.Version), cause)
}

// insertHistory replaces any existing row for mig.Version before
// inserting, since version is the history table's primary key and a
// retried migration (one whose prior attempt recorded success=false)
// must be able to overwrite that row instead of colliding with it.
func (m *Migrator) insertHistory(ctx context.Context, c conn.Connection, mig Migration, success bool, dur time.Duration) error {
	if _, err := c.Exec(ctx, fmt.Sprintf("DELETE FROM _sqlx_migrations WHERE version = %d", mig.Version)); err != nil {
		return sqlerr.Wrap(sqlerr.Database, "clear prior migration history row", err)
	}
	sql := fmt.Sprintf(
		"INSERT INTO _sqlx_migrations (version, description, success, checksum, execution_time_ns) VALUES (%d, %s, %t, %s, %d)",
		mig.Version, quoteLiteral(mig.Description), success, hexLiteral(mig.Checksum[:], m.Engine), dur.Nanoseconds(),
	)
	if _, err := c.Exec(ctx, sql); err != nil {
		return sqlerr.Wrap(sqlerr.Database, "record migration history", err)
	}
	return nil
}

// Revert implements spec §4.H's revert operation: locate the highest
// successfully-applied reversible migration, run its .down.sql, delete
// its history row. Fails with CannotRevert if the latest applied
// migration is a Simple one.
func (m *Migrator) Revert(ctx context.Context, c conn.Connection) error {
	unlock, err := m.Engine.lock(ctx, c, m.Database)
	if err != nil {
		return err
	}
	defer unlock(ctx)

	history, err := m.loadHistory(ctx, c)
	if err != nil {
		return err
	}

	var latest *Migration
	for i := range m.Set.Migrations {
		mig := &m.Set.Migrations[i]
		if mig.Kind == ReversibleDown {
			continue
		}
		if row, ok := history[mig.Version]; !ok || !row.Success {
			continue
		}
		if latest == nil || mig.Version > latest.Version {
			latest = mig
		}
	}
	if latest == nil {
		return sqlerr.New(sqlerr.MigrateCannotRevert, "no applied migration to revert")
	}
	if latest.Kind != ReversibleUp {
		return sqlerr.New(sqlerr.MigrateCannotRevert, fmt.Sprintf("migration %d is not reversible", latest.Version))
	}
	down, ok := m.Set.Down(latest.Version)
	if !ok {
		return sqlerr.New(sqlerr.MigrateCannotRevert, fmt.Sprintf("migration %d has no .down.sql", latest.Version))
	}

	finish, err := m.Engine.beginMigrationTx(ctx, c)
	if err != nil {
		return err
	}
	if _, err := c.Exec(ctx, down.SQL); err != nil {
		finish(ctx, false)
		return sqlerr.Wrap(sqlerr.Database, fmt.Sprintf("revert migration %d", down.Version), err)
	}
	if _, err := c.Exec(ctx, fmt.Sprintf("DELETE FROM _sqlx_migrations WHERE version = %d", down.Version)); err != nil {
		finish(ctx, false)
		return sqlerr.Wrap(sqlerr.Database, "delete migration history row", err)
	}
	return finish(ctx, true)
}

// State is one migration's reported status, per spec §4.H's Info.
type State int

const (
	Pending State = iota
	Applied
	AppliedDifferentChecksum
)

// InfoRow is one line of `migrate info` output.
type InfoRow struct {
	Version         int64
	Description     string
	State           State
	InstalledOn     time.Time
	ExecutionTimeNs int64
}

// Info reports every migration's state without mutating anything.
func (m *Migrator) Info(ctx context.Context, c conn.Connection) ([]InfoRow, error) {
	if _, err := c.Exec(ctx, m.Engine.historyTableDDL()); err != nil {
		return nil, sqlerr.Wrap(sqlerr.Database, "create _sqlx_migrations", err)
	}
	history, err := m.loadHistory(ctx, c)
	if err != nil {
		return nil, err
	}

	var out []InfoRow
	for _, mig := range m.Set.Up() {
		row := InfoRow{Version: mig.Version, Description: mig.Description, State: Pending}
		if h, ok := history[mig.Version]; ok && h.Success {
			row.InstalledOn = h.InstalledOn
			row.ExecutionTimeNs = h.ExecutionTimeNs
			if bytes.Equal(h.Checksum, mig.Checksum[:]) {
				row.State = Applied
			} else {
				row.State = AppliedDifferentChecksum
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// installedOnLayouts covers the text encodings Postgres, MySQL and
// SQLite each use for their timestamp column.
var installedOnLayouts = []string{
	"2006-01-02 15:04:05.999999Z07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05Z07:00",
	time.RFC3339,
}

func parseTimestamp(s string) time.Time {
	for _, layout := range installedOnLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func hexLiteral(b []byte, e Engine) string {
	hex := fmt.Sprintf("%x", b)
	if e == Postgres {
		return "'\\x" + hex + "'"
	}
	return "X'" + hex + "'"
}
