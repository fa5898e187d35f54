// Package describe implements component E: inferring each output
// column's nullability after a statement has been prepared. MySQL
// answers directly from its protocol; Postgres requires probing
// EXPLAIN's plan shape and the system catalog, biased toward nullable
// wherever the inference is uncertain (spec §9 Open Question); SQLite's
// bytecode walk sits behind the Adapter interface since embedding
// SQLite's C library is out of spec's scope (spec §1).
package describe

import (
	"context"

	"github.com/sqlx-go/sqlx/internal/conn"
)

// Adapter lets component E plug in a backend-specific nullability probe
// without the rest of the toolkit knowing which backend it's talking to.
type Adapter interface {
	// Describe refines cols' Nullable fields in place, using whatever
	// side channel the backend offers (catalog queries, bytecode
	// introspection, protocol flags, or the originating query text).
	Describe(ctx context.Context, query string, cols []conn.Column) error
}
