// Package sqlerr defines the error taxonomy shared by every driver, the
// pool, the migrator and the query-check tool.
package sqlerr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds a caller can branch on.
type Kind string

const (
	Configuration    Kind = "configuration"
	Io               Kind = "io"
	Tls              Kind = "tls"
	Protocol         Kind = "protocol"
	Auth             Kind = "auth"
	Database         Kind = "database"
	RowNotFound      Kind = "row_not_found"
	TypeNotFound     Kind = "type_not_found"
	ColumnNotFound   Kind = "column_not_found"
	ColumnDecode     Kind = "column_decode"
	PoolClosed       Kind = "pool_closed"
	PoolTimedOut     Kind = "pool_timed_out"
	MigrateVersionMissing   Kind = "migrate_version_missing"
	MigrateVersionMismatch  Kind = "migrate_version_mismatch"
	MigrateChecksumMismatch Kind = "migrate_checksum_mismatch"
	MigrateDirty            Kind = "migrate_dirty"
	MigrateLockTimeout      Kind = "migrate_lock_timeout"
	MigrateCannotRevert     Kind = "migrate_cannot_revert"
	QueryArgCountMismatch   Kind = "query_arg_count_mismatch"
	QueryTypeMismatch       Kind = "query_type_mismatch"
	QueryUnknownType        Kind = "query_unknown_type"
	QueryNullabilityMismatch Kind = "query_nullability_mismatch"
)

// Error is the single structured error type exposed to callers. Database
// errors carry the server's code/constraint/table/column context when the
// backend reports it.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	Code       string // SQLSTATE or MySQL error number, string form
	Constraint string
	Table      string
	Column     string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return true
}

func (e *Error) code() string       { return e.Code }
func (e *Error) message() string    { return e.Message }
func (e *Error) constraint() string { return e.Constraint }
func (e *Error) table() string      { return e.Table }
func (e *Error) column() string     { return e.Column }

// Code returns the server-reported SQLSTATE/error number, if any.
func Code(err error) string { return field(err, (*Error).code) }

// Message returns the server-reported message, if any.
func Message(err error) string { return field(err, (*Error).message) }

// Constraint returns the violated constraint name, if any.
func Constraint(err error) string { return field(err, (*Error).constraint) }

// Table returns the offending table name, if any.
func Table(err error) string { return field(err, (*Error).table) }

// Column returns the offending column name, if any.
func Column(err error) string { return field(err, (*Error).column) }

func field(err error, get func(*Error) string) string {
	var e *Error
	if errors.As(err, &e) {
		return get(e)
	}
	return ""
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error with the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// IsRetryable reports whether err is a transient failure a caller may
// retry: an Io or PoolTimedOut error, or a Database error with SQLSTATE
// 40001 (serialization_failure) or 40P01 (deadlock_detected). It only
// classifies; nothing in the driver retries on its result.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case Io, PoolTimedOut:
		return true
	case Database:
		switch e.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}
