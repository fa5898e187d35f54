package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sqlx-go/sqlx/internal/conn"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

func sha256Of(s string) [32]byte { return sha256.Sum256([]byte(s)) }

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadOrdersAndSplitsReversiblePairs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1_init.sql", "CREATE TABLE t (id INT);\n")
	writeFile(t, dir, "3_add_col.up.sql", "ALTER TABLE t ADD COLUMN x INT;\n")
	writeFile(t, dir, "3_add_col.down.sql", "ALTER TABLE t DROP COLUMN x;\n")
	writeFile(t, dir, "2_add_index.sql", "CREATE INDEX idx ON t (id);\n")

	set, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(set.Migrations) != 4 {
		t.Fatalf("expected 4 loaded files, got %d", len(set.Migrations))
	}
	up := set.Up()
	if len(up) != 3 {
		t.Fatalf("expected 3 forward-applicable migrations, got %d", len(up))
	}
	for i, want := range []int64{1, 2, 3} {
		if up[i].Version != want {
			t.Fatalf("up[%d].Version = %d, want %d", i, up[i].Version, want)
		}
	}
	down, ok := set.Down(3)
	if !ok || down.Kind != ReversibleDown {
		t.Fatalf("expected a .down.sql for version 3")
	}
}

func TestLoadRejectsUnmatchedReversiblePair(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1_init.up.sql", "CREATE TABLE t (id INT);\n")

	if _, err := Load(dir); err == nil {
		t.Fatalf("expected an error for an unmatched .up.sql")
	}
}

func TestLoadNormalisesLineEndings(t *testing.T) {
	dirCRLF := t.TempDir()
	dirLF := t.TempDir()
	writeFile(t, dirCRLF, "1_init.sql", "CREATE TABLE t (id INT);\r\nSELECT 1;\r\n")
	writeFile(t, dirLF, "1_init.sql", "CREATE TABLE t (id INT);\nSELECT 1;\n")

	setCRLF, err := Load(dirCRLF)
	if err != nil {
		t.Fatalf("Load CRLF: %v", err)
	}
	setLF, err := Load(dirLF)
	if err != nil {
		t.Fatalf("Load LF: %v", err)
	}
	if setCRLF.Migrations[0].Checksum != setLF.Migrations[0].Checksum {
		t.Fatalf("expected CRLF and LF variants to checksum identically after normalisation")
	}
}

func TestLoadDetectsNoTxDirective(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1_init.sql", "-- NOTX\nCREATE INDEX CONCURRENTLY idx ON t (id);\n")
	set, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !set.Migrations[0].NoTx {
		t.Fatalf("expected NOTX directive to be detected")
	}
}

// fakeMigConn is a conn.Connection double that maintains an in-memory
// `_sqlx_migrations` table driven entirely through the SQL the Migrator
// itself generates, so tests exercise the exact statements it issues.
type fakeMigConn struct {
	execs   []string
	history []fakeHistoryRow
	failSQL string
}

type fakeHistoryRow struct {
	version     int64
	description string
	installedOn time.Time
	success     bool
	checksum    []byte
	execNs      int64
}

var insertPattern = regexp.MustCompile(`INSERT INTO _sqlx_migrations \(version, description, success, checksum, execution_time_ns\) VALUES \((\d+), '((?:[^']|'')*)', (true|false), (?:'\\x([0-9a-f]*)'|X'([0-9a-f]*)'), (\d+)\)`)
var deletePattern = regexp.MustCompile(`DELETE FROM _sqlx_migrations WHERE version = (\d+)`)

func (f *fakeMigConn) Exec(ctx context.Context, sql string) (conn.Result, error) {
	f.execs = append(f.execs, sql)
	if f.failSQL != "" && strings.Contains(sql, f.failSQL) {
		return conn.Result{}, errors.New("boom")
	}
	if m := insertPattern.FindStringSubmatch(sql); m != nil {
		version, _ := strconv.ParseInt(m[1], 10, 64)
		hexSum := m[4]
		if hexSum == "" {
			hexSum = m[5]
		}
		sum, _ := hex.DecodeString(hexSum)
		execNs, _ := strconv.ParseInt(m[6], 10, 64)
		row := fakeHistoryRow{
			version:     version,
			description: strings.ReplaceAll(m[2], "''", "'"),
			installedOn: time.Now(),
			success:     m[3] == "true",
			checksum:    sum,
			execNs:      execNs,
		}
		f.upsert(row)
	}
	if m := deletePattern.FindStringSubmatch(sql); m != nil {
		version, _ := strconv.ParseInt(m[1], 10, 64)
		f.remove(version)
	}
	return conn.Result{}, nil
}

func (f *fakeMigConn) upsert(row fakeHistoryRow) {
	for i, r := range f.history {
		if r.version == row.version {
			f.history[i] = row
			return
		}
	}
	f.history = append(f.history, row)
}

func (f *fakeMigConn) remove(version int64) {
	out := f.history[:0]
	for _, r := range f.history {
		if r.version != version {
			out = append(out, r)
		}
	}
	f.history = out
}

func (f *fakeMigConn) Query(ctx context.Context, sql string, h conn.RowHandler) (conn.Result, error) {
	f.execs = append(f.execs, sql)
	if strings.HasPrefix(sql, "SELECT version, description, installed_on") {
		for _, row := range f.history {
			values := [][]byte{
				[]byte(strconv.FormatInt(row.version, 10)),
				[]byte(row.description),
				[]byte(row.installedOn.Format(time.RFC3339)),
				[]byte(strconv.FormatBool(row.success)),
				row.checksum,
				[]byte(strconv.FormatInt(row.execNs, 10)),
			}
			if err := h(conn.Row{Values: values}); err != nil {
				return conn.Result{}, err
			}
		}
	}
	return conn.Result{}, nil
}

func (f *fakeMigConn) State() conn.State                    { return conn.StateReady }
func (f *fakeMigConn) TxStatus() conn.TxStatus              { return conn.TxIdle }
func (f *fakeMigConn) ServerParams() map[string]string      { return nil }
func (f *fakeMigConn) Ping(ctx context.Context) error       { return nil }
func (f *fakeMigConn) Cancel(ctx context.Context) error     { return nil }
func (f *fakeMigConn) Close() error                         { return nil }
func (f *fakeMigConn) Prepare(ctx context.Context, sql string) (*conn.Statement, error) {
	return &conn.Statement{SQL: sql}, nil
}
func (f *fakeMigConn) ExecPrepared(ctx context.Context, stmt *conn.Statement, params [][]byte) (conn.Result, error) {
	return conn.Result{}, nil
}
func (f *fakeMigConn) QueryPrepared(ctx context.Context, stmt *conn.Statement, params [][]byte, h conn.RowHandler) (conn.Result, error) {
	return conn.Result{}, nil
}

func simpleSet(versions ...int64) *Set {
	s := &Set{}
	for _, v := range versions {
		sql := "CREATE TABLE t" + strconv.FormatInt(v, 10) + " (id INT);"
		s.Migrations = append(s.Migrations, Migration{
			Version:     v,
			Description: "m",
			SQL:         sql,
			Checksum:    sha256Of(sql),
		})
	}
	return s
}

func TestMigratorRunAppliesPendingInOrder(t *testing.T) {
	fc := &fakeMigConn{}
	set := simpleSet(1, 2)
	m := New(Postgres, "testdb", set)

	if err := m.Run(context.Background(), fc, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fc.history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(fc.history))
	}
	for _, r := range fc.history {
		if !r.success {
			t.Fatalf("expected every migration to succeed, version %d did not", r.version)
		}
	}

	var sawBegin, sawCommit bool
	for _, e := range fc.execs {
		sawBegin = sawBegin || e == "BEGIN"
		sawCommit = sawCommit || e == "COMMIT"
	}
	if !sawBegin || !sawCommit {
		t.Fatalf("expected each migration wrapped in BEGIN/COMMIT, execs: %v", fc.execs)
	}
}

func TestMigratorRunSkipsAlreadyApplied(t *testing.T) {
	fc := &fakeMigConn{}
	set := simpleSet(1, 2)
	fc.history = append(fc.history, fakeHistoryRow{
		version: 1, description: "m", success: true, checksum: set.Migrations[0].Checksum[:], installedOn: time.Now(),
	})
	m := New(Postgres, "testdb", set)

	if err := m.Run(context.Background(), fc, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	applied := map[int64]bool{}
	for _, r := range fc.history {
		applied[r.version] = true
	}
	if !applied[1] || !applied[2] {
		t.Fatalf("expected both versions recorded, got %v", fc.history)
	}
	for _, e := range fc.execs {
		if strings.Contains(e, "CREATE TABLE t1") {
			t.Fatalf("expected version 1 to be skipped, not re-executed: %v", fc.execs)
		}
	}
}

func TestMigratorRunReportsChecksumDriftWithoutAborting(t *testing.T) {
	fc := &fakeMigConn{}
	set := simpleSet(1, 2)
	fc.history = append(fc.history, fakeHistoryRow{
		version: 1, description: "m", success: true, checksum: []byte("stale-checksum-not-matching"), installedOn: time.Now(),
	})
	m := New(Postgres, "testdb", set)

	var drifted []int64
	if err := m.Run(context.Background(), fc, func(v int64) { drifted = append(drifted, v) }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(drifted) != 1 || drifted[0] != 1 {
		t.Fatalf("expected drift reported for version 1, got %v", drifted)
	}
}

func TestMigratorRunAbortsOnFailure(t *testing.T) {
	fc := &fakeMigConn{failSQL: "CREATE TABLE t2"}
	set := simpleSet(1, 2)
	m := New(Postgres, "testdb", set)

	err := m.Run(context.Background(), fc, nil)
	if err == nil {
		t.Fatalf("expected Run to abort on a failing migration")
	}

	var found bool
	for _, r := range fc.history {
		if r.version == 2 {
			found = true
			if r.success {
				t.Fatalf("expected version 2's history row to record failure")
			}
		}
	}
	if !found {
		t.Fatalf("expected a failure history row for version 2")
	}
}

func TestMigratorRunRetriesPreviouslyFailedMigration(t *testing.T) {
	fc := &fakeMigConn{}
	set := simpleSet(1, 2)
	fc.history = append(fc.history, fakeHistoryRow{
		version: 2, description: "m", success: false, checksum: set.Migrations[1].Checksum[:], installedOn: time.Now(),
	})

	m := New(Postgres, "testdb", set)
	if err := m.Run(context.Background(), fc, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var found bool
	for _, r := range fc.history {
		if r.version == 2 {
			found = true
			if !r.success {
				t.Fatalf("expected the retried migration's history row to record success")
			}
		}
	}
	if !found {
		t.Fatalf("expected a history row for version 2 after retry")
	}

	var ranVersion2 bool
	for _, e := range fc.execs {
		if strings.Contains(e, "CREATE TABLE t2") {
			ranVersion2 = true
		}
	}
	if !ranVersion2 {
		t.Fatalf("expected the previously-failed migration to be re-executed, execs: %v", fc.execs)
	}
}

func TestMigratorRevertRunsDownScriptAndDeletesRow(t *testing.T) {
	fc := &fakeMigConn{}
	set := &Set{}
	up := Migration{Version: 1, Description: "add_col", SQL: "ALTER TABLE t ADD COLUMN x INT;", Kind: ReversibleUp}
	down := Migration{Version: 1, Description: "add_col", SQL: "ALTER TABLE t DROP COLUMN x;", Kind: ReversibleDown}
	up.Checksum = sha256Of(up.SQL)
	down.Checksum = sha256Of(down.SQL)
	set.Migrations = []Migration{up, down}

	fc.history = append(fc.history, fakeHistoryRow{version: 1, description: "add_col", success: true, checksum: up.Checksum[:], installedOn: time.Now()})

	m := New(Postgres, "testdb", set)
	if err := m.Revert(context.Background(), fc); err != nil {
		t.Fatalf("Revert: %v", err)
	}

	var ranDown bool
	for _, e := range fc.execs {
		if e == down.SQL {
			ranDown = true
		}
	}
	if !ranDown {
		t.Fatalf("expected the .down.sql to run, execs: %v", fc.execs)
	}
	if len(fc.history) != 0 {
		t.Fatalf("expected the history row to be deleted, got %v", fc.history)
	}
}

func TestMigratorRevertFailsWhenLatestIsSimple(t *testing.T) {
	fc := &fakeMigConn{}
	set := simpleSet(1)
	fc.history = append(fc.history, fakeHistoryRow{version: 1, description: "m", success: true, checksum: set.Migrations[0].Checksum[:], installedOn: time.Now()})

	m := New(Postgres, "testdb", set)
	err := m.Revert(context.Background(), fc)
	if !sqlerr.Is(err, sqlerr.MigrateCannotRevert) {
		t.Fatalf("expected MigrateCannotRevert, got %v", err)
	}
}

func TestMigratorInfoReportsAllThreeStates(t *testing.T) {
	fc := &fakeMigConn{}
	set := simpleSet(1, 2, 3)
	fc.history = append(fc.history,
		fakeHistoryRow{version: 1, description: "m", success: true, checksum: set.Migrations[0].Checksum[:], installedOn: time.Now(), execNs: 100},
		fakeHistoryRow{version: 2, description: "m", success: true, checksum: []byte("different"), installedOn: time.Now(), execNs: 200},
	)

	m := New(Postgres, "testdb", set)
	rows, err := m.Info(context.Background(), fc)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 info rows, got %d", len(rows))
	}
	if rows[0].State != Applied {
		t.Fatalf("expected version 1 Applied, got %v", rows[0].State)
	}
	if rows[1].State != AppliedDifferentChecksum {
		t.Fatalf("expected version 2 AppliedDifferentChecksum, got %v", rows[1].State)
	}
	if rows[2].State != Pending {
		t.Fatalf("expected version 3 Pending, got %v", rows[2].State)
	}
}
