package trace

import (
	"context"
	"testing"
)

func TestEnsureKeepsExistingID(t *testing.T) {
	ctx := WithContext(context.Background(), "abc")
	_, id := Ensure(ctx)
	if id != "abc" {
		t.Fatalf("expected abc, got %q", id)
	}
}

func TestEnsureGeneratesID(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if len(id) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", id)
	}
	if FromContext(ctx) != id {
		t.Fatal("generated id not stored in context")
	}
}
