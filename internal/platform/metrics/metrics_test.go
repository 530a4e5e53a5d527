package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("forge")
	c.ObserveStage("variation", "Succeeded", 10*time.Millisecond)
	c.ObserveStage("variation", "Succeeded", 10*time.Millisecond)
	c.MemoHit("variation")

	if got := testutil.ToFloat64(c.StageExecutions.WithLabelValues("variation", "Succeeded")); got != 2 {
		t.Fatalf("expected 2 executions, got %v", got)
	}
	if got := testutil.ToFloat64(c.MemoHits.WithLabelValues("variation")); got != 1 {
		t.Fatalf("expected 1 memo hit, got %v", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveStage("x", "Failed", time.Second)
	c.AssetWrite("created")
	c.StorageRetry("persist")
	c.Export("glb", "ok")
	c.HTTPRequest("GET", "/", "200")
	if c.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestHandlerServesExposition(t *testing.T) {
	c := NewCollector("forge")
	c.AssetWrite("created")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "forge_asset_writes_total") {
		t.Fatalf("expected asset writes series in exposition")
	}
}
