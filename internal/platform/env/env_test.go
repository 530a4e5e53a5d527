package env

import (
	"testing"
	"time"
)

func TestDurationParsesAndFallsBack(t *testing.T) {
	t.Setenv("FORGE_TEST_DURATION", "250ms")
	got, err := Duration("FORGE_TEST_DURATION", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}

	got, err = Duration("FORGE_TEST_DURATION_MISSING", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != time.Second {
		t.Fatalf("expected default, got %s", got)
	}
}

func TestParseErrorsNameTheKey(t *testing.T) {
	t.Setenv("FORGE_TEST_INT", "many")
	if _, err := Int("FORGE_TEST_INT", 1); err == nil || err.Error()[:20] != "parse FORGE_TEST_INT" {
		t.Fatalf("expected parse error naming key, got %v", err)
	}
	t.Setenv("FORGE_TEST_FLOAT", "x")
	if _, err := Float("FORGE_TEST_FLOAT", 1); err == nil {
		t.Fatalf("expected float parse error")
	}
	t.Setenv("FORGE_TEST_BOOL", "maybe")
	if _, err := Bool("FORGE_TEST_BOOL", false); err == nil {
		t.Fatalf("expected bool parse error")
	}
}

func TestLookupIgnoresBlank(t *testing.T) {
	t.Setenv("FORGE_TEST_BLANK", "  ")
	if _, ok := Lookup("FORGE_TEST_BLANK"); ok {
		t.Fatalf("expected blank value to be ignored")
	}
	t.Setenv("FORGE_TEST_SET", "v")
	if v, ok := Lookup("FORGE_TEST_SET"); !ok || v != "v" {
		t.Fatalf("expected lookup to return value, got %q %v", v, ok)
	}
}
