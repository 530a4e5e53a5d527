package aibackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/mesh"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/stage"
	"github.com/forge-labs/forge-go/internal/stage/variation"
)

func candidate() variation.Candidate {
	return variation.Candidate{
		VariationID:   "var_0000_1",
		Seed:          variation.DeriveSeed(7, 0),
		SchemaVersion: 2,
		AssetClass:    "pillar",
		Geometry: variation.Geometry{
			HeightScale:      1.2,
			ExtrusionDepth:   0.5,
			BevelAmount:      0.1,
			SymmetryBreak:    0.4,
			ErosionIntensity: 0.3,
			DetailLevel:      0.5,
		},
	}
}

func request(t *testing.T, c variation.Candidate) Request {
	t.Helper()
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return Request{
		InputID:      domain.ComputeAssetID(domain.AssetKindImage2D, variation.CandidateFormat, raw),
		InputFormat:  variation.CandidateFormat,
		Input:        raw,
		ModelVersion: "test-model",
	}
}

func schema(t *testing.T) *params.Schema {
	t.Helper()
	reg, err := params.NewRegistry(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ := reg.Schema(reg.Current())
	return s
}

func TestProceduralIsDeterministic(t *testing.T) {
	p := NewProcedural("")
	req := request(t, candidate())
	a, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(a.Payload, b.Payload) {
		t.Fatalf("procedural output differs between runs")
	}
	if a.ModelVersion != DefaultProceduralVersion || a.Format != mesh.Format {
		t.Fatalf("unexpected response metadata %+v", a)
	}
	m, err := mesh.Decode(a.Payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sides := 6 + 9
	if m.VertexCount() != 3*sides+2 {
		t.Fatalf("expected %d vertices, got %d", 3*sides+2, m.VertexCount())
	}
	if m.TriangleCount() != 4*sides+2*sides {
		t.Fatalf("unexpected triangle count %d", m.TriangleCount())
	}
	_, hi := m.Bounds()
	if hi[1] <= 0 || hi[1] > float32(2.5*1.2)+1e-4 {
		t.Fatalf("unexpected height %v", hi[1])
	}
}

func TestProceduralSeedChangesShape(t *testing.T) {
	p := NewProcedural("")
	c := candidate()
	a, _ := p.Generate(context.Background(), request(t, c))
	c.Seed = variation.DeriveSeed(7, 1)
	b, _ := p.Generate(context.Background(), request(t, c))
	if bytes.Equal(a.Payload, b.Payload) {
		t.Fatalf("different seeds produced identical meshes")
	}
}

func TestProceduralRejectsWrongFormat(t *testing.T) {
	req := request(t, candidate())
	req.InputFormat = "png"
	_, err := NewProcedural("").Generate(context.Background(), req)
	var se *stage.Error
	if !errors.As(err, &se) || se.Code != domain.CauseStageError || se.Retryable {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Build(ctx, candidate()); !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func httpConfig(url string) HTTPConfig {
	return HTTPConfig{
		BaseURL:      url,
		ModelVersion: "forge-adjust-2",
		Timeout:      2 * time.Second,
		Breaker:      DefaultBreakerConfig(),
	}
}

func TestHTTPClientAppliesAdjustments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/adjust" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body adjustRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Candidate.VariationID != "var_0000_1" {
			t.Errorf("unexpected candidate %+v", body.Candidate)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model_version":"forge-adjust-2","adjustments":{"height_scale":5},"confidence":0.9}`))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(httpConfig(srv.URL), schema(t), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), request(t, candidate()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ModelVersion != "forge-adjust-2" {
		t.Fatalf("unexpected model version %q", resp.ModelVersion)
	}
	m, err := mesh.Decode(resp.Payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, hi := m.Bounds()
	// height_scale is clamped to 2.0 by the schema.
	if hi[1] != float32(2.5*2.0) {
		t.Fatalf("expected clamped height 5.0, got %v", hi[1])
	}
}

func TestHTTPClientRejectsUnknownFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model_version":"m","adjustments":{"vertices":[1,2,3]}}`))
	}))
	defer srv.Close()

	client, _ := NewHTTPClient(httpConfig(srv.URL), schema(t), nil)
	_, err := client.Generate(context.Background(), request(t, candidate()))
	var se *stage.Error
	if !errors.As(err, &se) || se.Code != domain.CauseInvalidOutput || se.Retryable {
		t.Fatalf("expected invalid_output, got %v", err)
	}
}

func TestHTTPClientBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := httpConfig(srv.URL)
	cfg.Breaker = BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureThreshold: 0.5}
	client, _ := NewHTTPClient(cfg, schema(t), nil)

	for i := 0; i < 4; i++ {
		_, err := client.Generate(context.Background(), request(t, candidate()))
		var se *stage.Error
		if !errors.As(err, &se) || se.Code != domain.CauseBackendUnavailable || !se.Retryable {
			t.Fatalf("call %d: expected retryable backend_unavailable, got %v", i, err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected breaker to stop calls after 2 failures, server saw %d", got)
	}
}

func TestHTTPConfigValidate(t *testing.T) {
	if err := (HTTPConfig{}).Validate(); err == nil {
		t.Fatalf("expected error for empty config")
	}
	if err := httpConfig("http://localhost:9000").Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
