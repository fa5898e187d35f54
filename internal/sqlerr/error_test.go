package sqlerr

import (
	"errors"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Io, "reading frame", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap chain to reach cause")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty message")
	}
}

func TestIs(t *testing.T) {
	err := New(PoolTimedOut, "acquire timed out after 10s")
	if !Is(err, PoolTimedOut) {
		t.Fatalf("expected Is(PoolTimedOut) to match")
	}
	if Is(err, PoolClosed) {
		t.Fatalf("expected Is(PoolClosed) not to match")
	}
}

func TestDatabaseFields(t *testing.T) {
	err := &Error{
		Kind:       Database,
		Message:    "duplicate key value violates unique constraint",
		Code:       "23505",
		Constraint: "users_email_key",
		Table:      "users",
		Column:     "email",
	}
	if Code(err) != "23505" {
		t.Fatalf("Code() = %q", Code(err))
	}
	if Constraint(err) != "users_email_key" {
		t.Fatalf("Constraint() = %q", Constraint(err))
	}
	if Table(err) != "users" || Column(err) != "email" {
		t.Fatalf("Table/Column mismatch: %q/%q", Table(err), Column(err))
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{New(Io, "reset by peer"), true},
		{New(PoolTimedOut, "timeout"), true},
		{&Error{Kind: Database, Code: "40001"}, true},
		{&Error{Kind: Database, Code: "23505"}, false},
		{New(Auth, "bad credentials"), false},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
