package requestid

import (
	"context"
	"testing"
)

func TestNewIsHex32(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(id) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", id)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no id on empty context")
	}
	ctx := WithContext(context.Background(), "abc")
	if got, ok := FromContext(ctx); !ok || got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}
