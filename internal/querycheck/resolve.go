package querycheck

import (
	"context"

	"github.com/sqlx-go/sqlx/internal/conn"
	"github.com/sqlx-go/sqlx/internal/describe"
	"github.com/sqlx-go/sqlx/internal/migrate"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
	"github.com/sqlx-go/sqlx/internal/sqlxcache"
)

// Resolver answers "what does this query look like" either from the
// offline cache or, failing that, by describing it live, per spec §4.I
// step 3. A Resolver with no Live connection is offline-only: a cache
// miss becomes a Configuration error pointing at the prepare command,
// never a connection attempt.
type Resolver struct {
	CacheDir string
	Engine   migrate.Engine
	Live     conn.Connection
	Adapter  describe.Adapter
}

// Resolve returns the persisted or freshly-described shape of query,
// saving a freshly-described result back to the cache so the next run
// (or a teammate without database access) can resolve it offline.
func (r *Resolver) Resolve(ctx context.Context, query string) (*sqlxcache.QueryData, error) {
	if qd, err := sqlxcache.Load(r.CacheDir, query); err == nil {
		return qd, nil
	}
	if r.Live == nil {
		return nil, sqlerr.New(sqlerr.Configuration,
			"no cached data for this query and no live connection was given; run `sqlx prepare` against a reachable database first")
	}

	stmt, err := r.Live.Prepare(ctx, query)
	if err != nil {
		return nil, sqlerr.Wrap(sqlerr.Database, "describe query live", err)
	}
	if r.Adapter != nil {
		if err := r.Adapter.Describe(ctx, query, stmt.Columns); err != nil {
			return nil, sqlerr.Wrap(sqlerr.Database, "describe result columns", err)
		}
	}

	qd := toQueryData(query, r.Engine, stmt)
	if err := sqlxcache.Save(r.CacheDir, qd); err != nil {
		return nil, err
	}
	return qd, nil
}

func toQueryData(query string, engine migrate.Engine, stmt *conn.Statement) *sqlxcache.QueryData {
	qd := &sqlxcache.QueryData{Query: query, Engine: engineName(engine)}
	for i, p := range stmt.Parameters {
		qd.Params = append(qd.Params, sqlxcache.ParamInfo{Ordinal: i + 1, TypeName: p.Name})
	}
	for _, c := range stmt.Columns {
		qd.Columns = append(qd.Columns, sqlxcache.ColumnInfo{
			Name:      c.Name,
			Ordinal:   c.Ordinal,
			TypeName:  c.Declared.Name,
			Nullable:  c.Nullable == conn.Nullable,
			NullKnown: c.Nullable != conn.Unknown,
		})
	}
	return qd
}

func engineName(e migrate.Engine) string {
	switch e {
	case migrate.Postgres:
		return "postgres"
	case migrate.MySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}
