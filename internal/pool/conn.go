package pool

import (
	"context"
	"sync/atomic"

	"github.com/jackc/puddle/v2"

	"github.com/sqlx-go/sqlx/internal/conn"
)

// PooledConn is a Connection borrowed from a Pool. It implements
// conn.Connection itself — every query method delegates straight to
// the underlying Connection — but Close means "give it back", not
// "terminate the socket"; use Connection().Close() for the latter.
type PooledConn struct {
	res      *puddle.Resource[conn.Connection]
	pool     *Pool
	released atomic.Bool
}

// Connection returns the underlying driver connection this PooledConn
// wraps, for callers that need the concrete type (e.g. describe
// adapters needing *conn.PGConnection).
func (pc *PooledConn) Connection() conn.Connection { return pc.res.Value() }

func (pc *PooledConn) State() conn.State        { return pc.res.Value().State() }
func (pc *PooledConn) TxStatus() conn.TxStatus  { return pc.res.Value().TxStatus() }
func (pc *PooledConn) ServerParams() map[string]string {
	return pc.res.Value().ServerParams()
}

func (pc *PooledConn) Exec(ctx context.Context, sql string) (conn.Result, error) {
	return pc.res.Value().Exec(ctx, sql)
}

func (pc *PooledConn) Query(ctx context.Context, sql string, handler conn.RowHandler) (conn.Result, error) {
	return pc.res.Value().Query(ctx, sql, handler)
}

func (pc *PooledConn) Prepare(ctx context.Context, sql string) (*conn.Statement, error) {
	return pc.res.Value().Prepare(ctx, sql)
}

func (pc *PooledConn) ExecPrepared(ctx context.Context, stmt *conn.Statement, params [][]byte) (conn.Result, error) {
	return pc.res.Value().ExecPrepared(ctx, stmt, params)
}

func (pc *PooledConn) QueryPrepared(ctx context.Context, stmt *conn.Statement, params [][]byte, handler conn.RowHandler) (conn.Result, error) {
	return pc.res.Value().QueryPrepared(ctx, stmt, params, handler)
}

func (pc *PooledConn) Ping(ctx context.Context) error { return pc.res.Value().Ping(ctx) }

func (pc *PooledConn) Cancel(ctx context.Context) error { return pc.res.Value().Cancel(ctx) }

// Close releases the connection back to the pool. Safe to call more
// than once; only the first call has any effect.
func (pc *PooledConn) Close() error {
	pc.Release()
	return nil
}

// Release runs after_release and either returns the connection to the
// idle set or discards it, per spec §4.F's Release contract. Safe to
// call more than once.
func (pc *PooledConn) Release() {
	if pc.released.Swap(true) {
		return
	}
	c := pc.res.Value()
	if pc.pool.cfg.AfterRelease != nil && !pc.pool.cfg.AfterRelease(c) {
		pc.res.Destroy()
		return
	}
	pc.res.Release()
}
