package logger

import (
	"context"
	"testing"
)

func TestFieldsFromContextEmpty(t *testing.T) {
	fields := FieldsFromContext(context.Background())
	if len(fields) != 0 {
		t.Errorf("expected no fields from bare context, got %v", fields)
	}
}

func TestFieldsFromContextPropagation(t *testing.T) {
	ctx := WithJobID(context.Background(), "job-1")
	ctx = WithComponent(ctx, "stats")

	fields := FieldsFromContext(ctx)
	if len(fields) != 4 {
		t.Fatalf("expected 4 field elements, got %d: %v", len(fields), fields)
	}
	if fields[0] != FieldJobID || fields[1] != "job-1" {
		t.Errorf("job id field not propagated: %v", fields)
	}
	if fields[2] != FieldComponent || fields[3] != "stats" {
		t.Errorf("component field not propagated: %v", fields)
	}
}

func TestInitializeDoesNotPanicBeforeAndAfter(t *testing.T) {
	// Package init installs a no-op logger; both orders must be safe.
	Infow("before initialize", FieldScanID, 1)

	if err := Initialize(true); err != nil {
		t.Fatalf("Initialize(json): %v", err)
	}
	Infow("after initialize", FieldScanID, 1)
	Cleanup()
}

func TestFromContextReturnsGlobalWithoutFields(t *testing.T) {
	if FromContext(context.Background()) != Logger {
		t.Error("FromContext on empty context should return the global logger")
	}
}
