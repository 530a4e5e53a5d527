package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/platform/metrics"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 1.5}
}

func TestDoRetriesStorageErrors(t *testing.T) {
	collector := metrics.NewCollector("forge_test")
	r := New(fastPolicy(5), collector, nil)

	calls := 0
	got, err := Do(context.Background(), r, "put", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &domain.StorageError{Op: "put", Key: "k", Err: errors.New("disk busy")}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("got %q after %d calls", got, calls)
	}
	if v := testutil.ToFloat64(collector.StorageRetries.WithLabelValues("put")); v != 2 {
		t.Fatalf("expected 2 retries recorded, got %v", v)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	r := New(fastPolicy(5), nil, nil)
	calls := 0
	err := Run(context.Background(), r, "get", func(context.Context) error {
		calls++
		return &domain.CorruptionError{Subject: "asset", ID: "x", Reason: "bad"}
	})
	if !errors.Is(err, domain.ErrCorruption) {
		t.Fatalf("expected corruption error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single call, got %d", calls)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	r := New(fastPolicy(3), nil, nil)
	calls := 0
	err := Run(context.Background(), r, "put", func(context.Context) error {
		calls++
		return &domain.StorageError{Op: "put", Err: errors.New("down")}
	})
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDisabledRunsOnce(t *testing.T) {
	r := New(Disabled(), nil, nil)
	calls := 0
	_ = Run(context.Background(), r, "put", func(context.Context) error {
		calls++
		return &domain.StorageError{Op: "put", Err: errors.New("down")}
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPolicyValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Policy
		ok   bool
	}{
		{"default", DefaultPolicy(), true},
		{"disabled", Disabled(), true},
		{"zero attempts", Policy{}, false},
		{"no interval", Policy{MaxAttempts: 3}, false},
		{"max below initial", Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Millisecond}, false},
		{"shrinking multiplier", Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, Multiplier: 0.5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}
