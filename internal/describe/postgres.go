package describe

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/sqlx-go/sqlx/internal/conn"
)

// pgCatalogProbeConcurrency bounds how many concurrent pg_attribute
// lookups a single Describe call issues, so describing a wide result set
// doesn't open an unbounded burst of round trips against one connection.
const pgCatalogProbeConcurrency = 4

const pgAttNotNullQuery = `SELECT attnotnull FROM pg_attribute WHERE attrelid = $1 AND attnum = $2`

const pgRelOIDQuery = `SELECT c.oid FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace WHERE n.nspname = $1 AND c.relname = $2`

const explainStatementName = "sqlx_describe_explain"

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// PostgresAdapter refines Nullable using pg_attribute.attnotnull per
// column that traces back to a real table column, then walks
// EXPLAIN (VERBOSE, FORMAT JSON)'s plan shape to flip any column pulled
// through the null-producing side of an outer join back to Nullable,
// even when the base column is declared NOT NULL. Computed expressions,
// aggregates, and anything EXPLAIN can't pin to a single source column
// stay Nullable, per spec's bias-toward-nullable resolution of the Open
// Question.
type PostgresAdapter struct {
	Conn *conn.PGConnection
}

func (a *PostgresAdapter) Describe(ctx context.Context, query string, cols []conn.Column) error {
	sem := semaphore.NewWeighted(pgCatalogProbeConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := range cols {
		c := &cols[i]
		if c.Declared.OID == 0 {
			continue
		}
		tableOID, attNum, ok := tableColumnRef(c)
		if !ok {
			c.Nullable = conn.Nullable
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(col *conn.Column, tableOID uint32, attNum int16) {
			defer wg.Done()
			defer sem.Release(1)
			notNull, err := a.probeNotNull(ctx, tableOID, attNum)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				col.Nullable = conn.Nullable // bias toward nullable on probe failure
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			if notNull {
				col.Nullable = conn.NotNull
			} else {
				col.Nullable = conn.Nullable
			}
		}(c, tableOID, attNum)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	nullProducing, err := a.nullProducingTableOIDs(ctx, query)
	if err != nil {
		// EXPLAIN's plan shape is how the NOT NULL answer above gets
		// overridden for outer-joined columns; without it that answer
		// can't be trusted, so bias every traced column toward nullable
		// rather than report a NOT NULL that a join might falsify.
		for i := range cols {
			if cols[i].Declared.OID != 0 {
				cols[i].Nullable = conn.Nullable
			}
		}
		return err
	}
	for i := range cols {
		if nullProducing[cols[i].SourceTableOID] {
			cols[i].Nullable = conn.Nullable
		}
	}
	return nil
}

func (a *PostgresAdapter) probeNotNull(ctx context.Context, tableOID uint32, attNum int16) (bool, error) {
	stmt, err := a.Conn.Prepare(ctx, pgAttNotNullQuery)
	if err != nil {
		return false, err
	}
	var notNull bool
	params := [][]byte{
		[]byte(strconv.FormatUint(uint64(tableOID), 10)),
		[]byte(strconv.FormatInt(int64(attNum), 10)),
	}
	_, err = a.Conn.QueryPrepared(ctx, stmt, params, func(row conn.Row) error {
		notNull = string(row.Get(0)) == "t"
		return nil
	})
	return notNull, err
}

// explainNode mirrors the subset of EXPLAIN (VERBOSE, FORMAT JSON)'s
// plan node shape this walk needs. The full shape carries dozens of
// fields across server versions; per spec's own Open Question text the
// format isn't stable, so this only reads the fields the outer-join walk
// depends on and ignores the rest.
type explainNode struct {
	JoinType           string        `json:"Join Type"`
	ParentRelationship string        `json:"Parent Relationship"`
	Schema             string        `json:"Schema"`
	RelationName       string        `json:"Relation Name"`
	Plans              []explainNode `json:"Plans"`
}

type explainPlanRow struct {
	Plan explainNode `json:"Plan"`
}

type relKey struct {
	schema string
	name   string
}

// nullProducingTableOIDs returns the set of base-table OIDs that sit on
// the null-producing side of a Left/Right/Full outer join anywhere in
// query's plan.
func (a *PostgresAdapter) nullProducingTableOIDs(ctx context.Context, query string) (map[uint32]bool, error) {
	planJSON, err := a.explainPlanJSON(ctx, query)
	if err != nil {
		return nil, err
	}
	var rows []explainPlanRow
	if err := json.Unmarshal([]byte(planJSON), &rows); err != nil {
		return nil, fmt.Errorf("decode explain plan: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	rels := make(map[relKey]bool)
	walkJoins(rows[0].Plan, rels)
	if len(rels) == 0 {
		return nil, nil
	}

	oids := make(map[uint32]bool, len(rels))
	for rel := range rels {
		oid, err := a.relationOID(ctx, rel.schema, rel.name)
		if err != nil {
			return nil, err
		}
		if oid != 0 {
			oids[oid] = true
		}
	}
	return oids, nil
}

// walkJoins descends the plan tree, and for every outer join node adds
// every base relation feeding its null-producing side(s) into nullSet.
func walkJoins(n explainNode, nullSet map[relKey]bool) {
	switch n.JoinType {
	case "Left":
		for _, c := range n.Plans {
			if c.ParentRelationship == "Inner" {
				collectRelations(c, nullSet)
			}
		}
	case "Right":
		for _, c := range n.Plans {
			if c.ParentRelationship == "Outer" {
				collectRelations(c, nullSet)
			}
		}
	case "Full":
		for _, c := range n.Plans {
			collectRelations(c, nullSet)
		}
	}
	for _, c := range n.Plans {
		walkJoins(c, nullSet)
	}
}

// collectRelations gathers every base relation scanned anywhere under n.
func collectRelations(n explainNode, out map[relKey]bool) {
	if n.RelationName != "" {
		out[relKey{schema: n.Schema, name: n.RelationName}] = true
	}
	for _, c := range n.Plans {
		collectRelations(c, out)
	}
}

func (a *PostgresAdapter) relationOID(ctx context.Context, schema, name string) (uint32, error) {
	if schema == "" {
		schema = "public"
	}
	stmt, err := a.Conn.Prepare(ctx, pgRelOIDQuery)
	if err != nil {
		return 0, err
	}
	var oid uint64
	_, err = a.Conn.QueryPrepared(ctx, stmt, [][]byte{[]byte(schema), []byte(name)}, func(row conn.Row) error {
		oid, err = strconv.ParseUint(string(row.Get(0)), 10, 32)
		return err
	})
	if err != nil {
		return 0, err
	}
	return uint32(oid), nil
}

// explainPlanJSON plans query through a throwaway named statement so
// EXPLAIN can be run over it even when query carries $N placeholders:
// simple query mode can't EXPLAIN a string with unbound parameters, but
// EXPLAIN EXECUTE over a PREPAREd statement can, passing untyped NULLs
// since only the plan shape is needed, never the result.
func (a *PostgresAdapter) explainPlanJSON(ctx context.Context, query string) (string, error) {
	if _, err := a.Conn.Exec(ctx, fmt.Sprintf("PREPARE %s AS %s", explainStatementName, query)); err != nil {
		return "", fmt.Errorf("prepare for explain: %w", err)
	}
	defer a.Conn.Exec(ctx, "DEALLOCATE "+explainStatementName)

	execArgs := ""
	if n := maxPlaceholder(query); n > 0 {
		execArgs = "(" + strings.TrimSuffix(strings.Repeat("NULL,", n), ",") + ")"
	}

	var plan strings.Builder
	_, err := a.Conn.Query(ctx, fmt.Sprintf("EXPLAIN (VERBOSE, FORMAT JSON) EXECUTE %s%s", explainStatementName, execArgs),
		func(row conn.Row) error {
			plan.Write(row.Get(0))
			return nil
		})
	if err != nil {
		return "", fmt.Errorf("explain query: %w", err)
	}
	return plan.String(), nil
}

func maxPlaceholder(query string) int {
	max := 0
	for _, m := range placeholderPattern.FindAllStringSubmatch(query, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max
}

// tableColumnRef reports the catalog key to probe, when this column
// traces back to a real base-table column rather than a computed
// expression (Postgres reports SourceTableOID == 0 in that case).
func tableColumnRef(c *conn.Column) (tableOID uint32, attNum int16, ok bool) {
	if c.SourceTableOID == 0 || c.SourceColumnAttr <= 0 {
		return 0, 0, false
	}
	return c.SourceTableOID, c.SourceColumnAttr, true
}
