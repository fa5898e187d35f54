package conn

import "context"

// Connection is the polymorphism boundary spec §9 calls for: one
// interface, two concrete state machines (PGConnection, MySQLConnection)
// rather than a shared generic core. Parameter and result values cross
// this boundary as raw text-encoded bytes; per spec §1, per-type
// encoding/decoding is the caller's job, not the driver's.
type Connection interface {
	// State reports the current node of the Starting/Authenticating/
	// Ready/Executing/Closed machine.
	State() State

	// TxStatus reports whether the connection is idle, inside a
	// transaction, or inside a failed transaction.
	TxStatus() TxStatus

	// Exec runs sql in the backend's simple/text query mode and discards
	// any rows, returning the affected-row count (and, where the
	// backend reports one, the last inserted id).
	Exec(ctx context.Context, sql string) (Result, error)

	// Query runs sql in simple query mode, invoking handler once per
	// row streamed back.
	Query(ctx context.Context, sql string, handler RowHandler) (Result, error)

	// Prepare parses sql into a server-side statement, consulting and
	// populating the connection's statement cache.
	Prepare(ctx context.Context, sql string) (*Statement, error)

	// ExecPrepared binds params (text-encoded, nil meaning SQL NULL) to
	// a previously prepared statement and executes it, discarding rows.
	ExecPrepared(ctx context.Context, stmt *Statement, params [][]byte) (Result, error)

	// QueryPrepared is ExecPrepared's row-streaming counterpart.
	QueryPrepared(ctx context.Context, stmt *Statement, params [][]byte, handler RowHandler) (Result, error)

	// Ping runs the backend's lightweight health-check query/command.
	Ping(ctx context.Context) error

	// Cancel interrupts whatever statement is currently executing on
	// this connection, using a side channel (a fresh Postgres
	// connection sending CancelRequest, or a MySQL KILL QUERY).
	Cancel(ctx context.Context) error

	// ServerParams returns backend-reported session parameters
	// (Postgres ParameterStatus values; empty on MySQL).
	ServerParams() map[string]string

	// Close terminates the session and the underlying transport.
	Close() error
}
