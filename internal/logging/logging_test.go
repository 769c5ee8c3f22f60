package logging

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := GetTraceID(ctx); got != "" {
		t.Fatalf("expected empty trace ID on fresh context, got %q", got)
	}

	id := NewTraceID()
	if id == "" {
		t.Fatalf("expected non-empty trace ID")
	}

	ctx = WithTraceID(ctx, id)
	if got := GetTraceID(ctx); got != id {
		t.Fatalf("expected trace ID %q, got %q", id, got)
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		if seen[id] {
			t.Fatalf("duplicate trace ID %q", id)
		}
		seen[id] = true
	}
}
