package describe

import (
	"context"

	"github.com/sqlx-go/sqlx/internal/conn"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// SQLiteAdapter is the integration point spec §1 carves out: "only
// [SQLite's] adapter interface is relevant," not embedding its C
// library. A real adapter would walk prepared-statement bytecode
// (sqlite3_column_decltype plus an OP_IsNull/OP_NotNull/OP_HaltIfNull
// scan over sqlite3_stmt) behind a cgo-free driver boundary; wiring that
// driver is left to the caller, since this module carries no SQLite
// driver dependency.
type SQLiteAdapter struct {
	// BytecodeWalker is supplied by whatever SQLite driver the caller
	// links in. A nil walker makes Describe set every column to
	// Nullable, following the bias-toward-nullable default (spec §9)
	// rather than guessing.
	BytecodeWalker func(ctx context.Context, columnIndex int) (conn.Nullability, error)
}

func (a SQLiteAdapter) Describe(ctx context.Context, query string, cols []conn.Column) error {
	if a.BytecodeWalker == nil {
		for i := range cols {
			cols[i].Nullable = conn.Nullable
		}
		return nil
	}
	for i := range cols {
		n, err := a.BytecodeWalker(ctx, i)
		if err != nil {
			return sqlerr.Wrap(sqlerr.Protocol, "walking sqlite statement bytecode", err)
		}
		cols[i].Nullable = n
	}
	return nil
}
