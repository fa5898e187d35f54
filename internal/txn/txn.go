// Package txn implements component G, the depth-tracked transaction
// manager: BEGIN/SAVEPOINT/COMMIT/ROLLBACK per spec §4.D "Transaction
// depth" and §4.G. Go has no scope-drop destructors, so the "rollback
// on drop" guarantee is offered two ways: Tx.Close is safe to defer
// unconditionally (it rolls back unless something already committed),
// and WithinTx gives the fully automatic panic-safe shape grounded on
// karu-codes-karu-kits/transactor's Atomically.
package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/sqlx-go/sqlx/internal/conn"
	"github.com/sqlx-go/sqlx/internal/pool"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// Tx is a borrowed Connection plus a depth counter. It implements
// conn.Connection itself by delegating every query method to the
// Connection it wraps, so a *Tx can be passed anywhere a Connection is
// expected — including to Begin, for nesting.
type Tx struct {
	mu        sync.Mutex
	conn      conn.Connection
	depth     int
	savepoint string // empty at depth 1, the outermost transaction
	done      bool
	release   func() // releases the borrowed PooledConn, if BeginPool opened this Tx
}

var _ conn.Connection = (*Tx)(nil)

func savepointName(depth int) string {
	return fmt.Sprintf("_sqlx_savepoint_%d", depth)
}

// Begin sends BEGIN and returns the outermost transaction on c. When c
// is itself a *Tx, it nests a SAVEPOINT through (*Tx).Begin instead.
func Begin(ctx context.Context, c conn.Connection) (*Tx, error) {
	if t, ok := c.(*Tx); ok {
		return t.Begin(ctx)
	}
	if _, err := c.Exec(ctx, "BEGIN"); err != nil {
		return nil, sqlerr.Wrap(sqlerr.Database, "BEGIN", err)
	}
	return &Tx{conn: c, depth: 1}, nil
}

// BeginPool acquires a Connection from p and starts a transaction on
// it, per spec §4.G's "begin() on a Pool" contract. Commit and
// Rollback both release the Connection back to p once the wire command
// completes.
func BeginPool(ctx context.Context, p *pool.Pool) (*Tx, error) {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := Begin(ctx, pc)
	if err != nil {
		pc.Release()
		return nil, err
	}
	tx.release = pc.Release
	return tx, nil
}

// Begin nests a SAVEPOINT inside an already-open transaction, per spec
// §4.D: "Else: send SAVEPOINT _sqlx_savepoint_<depth>; depth += 1."
func (t *Tx) Begin(ctx context.Context) (*Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, sqlerr.New(sqlerr.Database, "transaction already closed")
	}
	name := savepointName(t.depth)
	if _, err := t.conn.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return nil, sqlerr.Wrap(sqlerr.Database, "SAVEPOINT", err)
	}
	return &Tx{conn: t.conn, depth: t.depth + 1, savepoint: name}, nil
}

// Depth reports the nesting depth; 1 is the outermost transaction.
func (t *Tx) Depth() int { return t.depth }

// Commit sends COMMIT (depth 1) or RELEASE SAVEPOINT (nested). Only
// the outermost commit actually commits on the server, per spec §4.G:
// "Nested transactions share the Connection; only the outermost commit
// actually commits." Calling Commit more than once, or calling
// Rollback after a successful Commit, is a no-op.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true

	var err error
	if t.savepoint == "" {
		_, err = t.conn.Exec(ctx, "COMMIT")
	} else {
		_, err = t.conn.Exec(ctx, "RELEASE SAVEPOINT "+t.savepoint)
	}
	if t.release != nil {
		t.release()
	}
	if err != nil {
		return sqlerr.Wrap(sqlerr.Database, "commit", err)
	}
	return nil
}

// Rollback sends ROLLBACK (depth 1) or, nested, ROLLBACK TO SAVEPOINT
// followed by RELEASE SAVEPOINT — the exact drop-guard sequence spec
// §4.D names. Safe to call after Commit or a previous Rollback.
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true

	var err error
	if t.savepoint == "" {
		_, err = t.conn.Exec(ctx, "ROLLBACK")
	} else if _, rerr := t.conn.Exec(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); rerr != nil {
		err = rerr
	} else {
		_, err = t.conn.Exec(ctx, "RELEASE SAVEPOINT "+t.savepoint)
	}
	if t.release != nil {
		t.release()
	}
	if err != nil {
		return sqlerr.Wrap(sqlerr.Database, "rollback", err)
	}
	return nil
}

// Close is the drop-guard: it rolls back unless Commit or Rollback
// already ran. Intended to be deferred unconditionally right after
// Begin, the way callers defer rows.Close().
func (t *Tx) Close() error {
	return t.Rollback(context.Background())
}

func (t *Tx) State() conn.State                    { return t.conn.State() }
func (t *Tx) TxStatus() conn.TxStatus              { return t.conn.TxStatus() }
func (t *Tx) ServerParams() map[string]string      { return t.conn.ServerParams() }
func (t *Tx) Ping(ctx context.Context) error       { return t.conn.Ping(ctx) }
func (t *Tx) Cancel(ctx context.Context) error     { return t.conn.Cancel(ctx) }

func (t *Tx) Exec(ctx context.Context, sql string) (conn.Result, error) {
	return t.conn.Exec(ctx, sql)
}

func (t *Tx) Query(ctx context.Context, sql string, handler conn.RowHandler) (conn.Result, error) {
	return t.conn.Query(ctx, sql, handler)
}

func (t *Tx) Prepare(ctx context.Context, sql string) (*conn.Statement, error) {
	return t.conn.Prepare(ctx, sql)
}

func (t *Tx) ExecPrepared(ctx context.Context, stmt *conn.Statement, params [][]byte) (conn.Result, error) {
	return t.conn.ExecPrepared(ctx, stmt, params)
}

func (t *Tx) QueryPrepared(ctx context.Context, stmt *conn.Statement, params [][]byte, handler conn.RowHandler) (conn.Result, error) {
	return t.conn.QueryPrepared(ctx, stmt, params, handler)
}

type txKey struct{}

// WithinTx runs fn inside a transaction, committing on a nil return
// and rolling back on error or panic — the same panic-safe shape as
// transactor.Atomically, generalized so a context already carrying a
// *Tx nests a SAVEPOINT instead of opening a second top-level BEGIN.
func WithinTx(ctx context.Context, c conn.Connection, fn func(ctx context.Context, tx *Tx) error) (err error) {
	var tx *Tx
	if parent, ok := ctx.Value(txKey{}).(*Tx); ok {
		tx, err = parent.Begin(ctx)
	} else {
		tx, err = Begin(ctx, c)
	}
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	err = fn(context.WithValue(ctx, txKey{}, tx), tx)
	return err
}
