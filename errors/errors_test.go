package errors

import (
	"database/sql"
	"testing"
)

func TestSentinelWrappingPreservesIdentity(t *testing.T) {
	err := Wrap(ErrNotFound, "scan 42")
	err = Wrap(err, "loading statistics")

	if !IsNotFound(err) {
		t.Errorf("wrapped ErrNotFound not detected: %v", err)
	}
	if IsConflict(err) {
		t.Errorf("ErrConflict incorrectly detected in %v", err)
	}
}

func TestNewNotFoundf(t *testing.T) {
	err := NewNotFoundf("rule %d", 7)

	if !IsNotFound(err) {
		t.Fatalf("NewNotFoundf did not produce a not-found error: %v", err)
	}
	if got := err.Error(); got != "rule 7: not found" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestNewInvalidf(t *testing.T) {
	err := NewInvalidf("column_start %d > column_end %d", 9, 3)

	if !IsInvalid(err) {
		t.Fatalf("NewInvalidf did not produce a validation error: %v", err)
	}
	if IsNotFound(err) {
		t.Error("validation error must not read as not-found")
	}
}

func TestIsInteropWithStdlibSentinels(t *testing.T) {
	err := Wrap(sql.ErrNoRows, "querying spots")

	if !Is(err, sql.ErrNoRows) {
		t.Errorf("wrapped sql.ErrNoRows not detected: %v", err)
	}
}

func TestNilChecks(t *testing.T) {
	if IsNotFound(nil) || IsInvalid(nil) || IsConflict(nil) {
		t.Error("nil error must not match any sentinel")
	}
}
