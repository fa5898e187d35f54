// Package conn implements component D, the per-backend connection state
// machine, and carries the shared data model of spec §3 (Column,
// BackendTypeInfo, Row, Statement, Connection).
package conn

import "strings"

// Nullability is the tri-state estimate component E produces for each
// output column.
type Nullability byte

const (
	Unknown Nullability = iota
	NotNull
	Nullable
)

// TypeKind distinguishes the tagged union of BackendTypeInfo.
type TypeKind byte

const (
	KindScalar TypeKind = iota
	KindComposite
	KindEnum
	KindArray
	KindDomain
)

// BackendTypeInfo is a tagged union of built-in OIDs/codes, user-defined
// composite/enum types, arrays and domain/alias wrappers. Equality is
// structural, case-insensitive in the schema and exact in the
// unqualified name, per spec §3.
type BackendTypeInfo struct {
	OID     uint32
	Schema  string
	Name    string
	Kind    TypeKind
	Element *BackendTypeInfo // set when Kind == KindArray or KindDomain
}

// Equal implements spec §3's structural/case-insensitive-schema equality.
func (t BackendTypeInfo) Equal(other BackendTypeInfo) bool {
	if t.OID != 0 && other.OID != 0 {
		return t.OID == other.OID
	}
	if !strings.EqualFold(t.Schema, other.Schema) || t.Name != other.Name || t.Kind != other.Kind {
		return false
	}
	if (t.Element == nil) != (other.Element == nil) {
		return false
	}
	if t.Element != nil {
		return t.Element.Equal(*other.Element)
	}
	return true
}

// Column describes one field of a result set.
type Column struct {
	Name     string
	Ordinal  int
	Declared BackendTypeInfo
	Nullable Nullability

	// SourceTableOID/SourceColumnAttr identify the base-table column
	// this field was selected from, when the backend reports one
	// (Postgres RowDescription). Zero means the column is a computed
	// expression with no single source column, which component E
	// leaves Nullable per spec §9's bias-toward-nullable resolution.
	SourceTableOID   uint32
	SourceColumnAttr int16
}

// Row is an ordered sequence of raw field slices borrowed from the
// owning Connection's read buffer. Per spec §3, a Row cannot outlive the
// fetch call that produced it; this implementation enforces that by
// copying on emit (see pg_connection.go/mysql_connection.go), accepting
// the allocation cost rather than requiring a borrow checker Go doesn't
// have (spec §9 design note).
type Row struct {
	Values  [][]byte // nil entry means SQL NULL
	Columns []Column
}

// Get returns the raw bytes for column i, or nil if the value is NULL or
// the index is out of range.
func (r Row) Get(i int) []byte {
	if i < 0 || i >= len(r.Values) {
		return nil
	}
	return r.Values[i]
}

// IsNull reports whether column i is SQL NULL.
func (r Row) IsNull(i int) bool { return r.Get(i) == nil }

// Statement is a parsed/planned query addressed by a handle, per spec §3.
type Statement struct {
	SQL        string
	Parameters []BackendTypeInfo
	Columns    []Column
	ServerID   string
	Cached     bool
}

// Result is the outcome of a non-query Exec: rows affected and, when the
// backend reports one, the last inserted id.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// State is one node of the connection state machine in spec §4.D.
type State int

const (
	StateStarting State = iota
	StateAuthenticating
	StateReady
	StateExecuting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TxStatus mirrors Postgres's ReadyForQuery status byte; MySQL
// connections derive an equivalent from StatusInTrans.
type TxStatus byte

const (
	TxIdle    TxStatus = 'I'
	TxInTrans TxStatus = 'T'
	TxFailed  TxStatus = 'E'
)

// RowHandler receives each row of a query's result as it streams in. It
// must not retain the Row beyond the call (see Row's doc comment).
type RowHandler func(Row) error
