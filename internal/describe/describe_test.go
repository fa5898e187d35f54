package describe

import (
	"context"
	"testing"

	"github.com/sqlx-go/sqlx/internal/conn"
)

func TestMySQLAdapterIsNoOp(t *testing.T) {
	cols := []conn.Column{{Name: "id", Nullable: conn.NotNull}}
	if err := (MySQLAdapter{}).Describe(context.Background(), "SELECT id FROM users", cols); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if cols[0].Nullable != conn.NotNull {
		t.Fatalf("expected nullability to be left untouched")
	}
}

func TestSQLiteAdapterNoWalkerDefaultsNullable(t *testing.T) {
	cols := []conn.Column{{Name: "id", Nullable: conn.NotNull}}
	if err := (SQLiteAdapter{}).Describe(context.Background(), "SELECT id FROM users", cols); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if cols[0].Nullable != conn.Nullable {
		t.Fatalf("expected bias-toward-nullable default without a walker, got %v", cols[0].Nullable)
	}
}

func TestSQLiteAdapterUsesWalker(t *testing.T) {
	a := SQLiteAdapter{BytecodeWalker: func(ctx context.Context, i int) (conn.Nullability, error) {
		if i == 0 {
			return conn.NotNull, nil
		}
		return conn.Nullable, nil
	}}
	cols := []conn.Column{{Name: "id"}, {Name: "bio"}}
	if err := a.Describe(context.Background(), "SELECT id, bio FROM users", cols); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if cols[0].Nullable != conn.NotNull || cols[1].Nullable != conn.Nullable {
		t.Fatalf("unexpected nullability: %+v", cols)
	}
}

func TestMaxPlaceholder(t *testing.T) {
	cases := map[string]int{
		"SELECT 1":                                 0,
		"SELECT * FROM t WHERE id = $1":             1,
		"SELECT * FROM t WHERE a = $1 AND b = $2":   2,
		"SELECT * FROM t WHERE a = $2 AND b = $1":   2,
	}
	for query, want := range cases {
		if got := maxPlaceholder(query); got != want {
			t.Errorf("maxPlaceholder(%q) = %d, want %d", query, got, want)
		}
	}
}

func TestWalkJoinsLeftJoinMarksInnerSideNullable(t *testing.T) {
	plan := explainNode{
		JoinType: "Left",
		Plans: []explainNode{
			{ParentRelationship: "Outer", RelationName: "orders"},
			{ParentRelationship: "Inner", RelationName: "shipments"},
		},
	}
	rels := make(map[relKey]bool)
	walkJoins(plan, rels)
	if len(rels) != 1 || !rels[relKey{name: "shipments"}] {
		t.Fatalf("expected only shipments to be null-producing, got %+v", rels)
	}
}

func TestWalkJoinsRightJoinMarksOuterSideNullable(t *testing.T) {
	plan := explainNode{
		JoinType: "Right",
		Plans: []explainNode{
			{ParentRelationship: "Outer", RelationName: "orders"},
			{ParentRelationship: "Inner", RelationName: "shipments"},
		},
	}
	rels := make(map[relKey]bool)
	walkJoins(plan, rels)
	if len(rels) != 1 || !rels[relKey{name: "orders"}] {
		t.Fatalf("expected only orders to be null-producing, got %+v", rels)
	}
}

func TestWalkJoinsFullJoinMarksBothSidesNullable(t *testing.T) {
	plan := explainNode{
		JoinType: "Full",
		Plans: []explainNode{
			{ParentRelationship: "Outer", RelationName: "orders"},
			{ParentRelationship: "Inner", RelationName: "shipments"},
		},
	}
	rels := make(map[relKey]bool)
	walkJoins(plan, rels)
	if len(rels) != 2 {
		t.Fatalf("expected both sides to be null-producing, got %+v", rels)
	}
}

func TestWalkJoinsDescendsNestedJoins(t *testing.T) {
	plan := explainNode{
		Plans: []explainNode{
			{
				JoinType: "Left",
				Plans: []explainNode{
					{ParentRelationship: "Outer", RelationName: "orders"},
					{ParentRelationship: "Inner", RelationName: "shipments"},
				},
			},
		},
	}
	rels := make(map[relKey]bool)
	walkJoins(plan, rels)
	if len(rels) != 1 || !rels[relKey{name: "shipments"}] {
		t.Fatalf("expected the nested left join's inner side to be found, got %+v", rels)
	}
}

func TestTableColumnRefRequiresBothFields(t *testing.T) {
	c := conn.Column{SourceTableOID: 0, SourceColumnAttr: 1}
	if _, _, ok := tableColumnRef(&c); ok {
		t.Fatalf("expected no ref without a table OID")
	}
	c2 := conn.Column{SourceTableOID: 5, SourceColumnAttr: 0}
	if _, _, ok := tableColumnRef(&c2); ok {
		t.Fatalf("expected no ref for synthetic/computed columns (ColumnAttr <= 0)")
	}
	c3 := conn.Column{SourceTableOID: 5, SourceColumnAttr: 2}
	oid, attNum, ok := tableColumnRef(&c3)
	if !ok || oid != 5 || attNum != 2 {
		t.Fatalf("expected a valid ref, got oid=%d attNum=%d ok=%v", oid, attNum, ok)
	}
}
