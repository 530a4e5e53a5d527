package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-labs/forge-go/internal/app"
	"github.com/forge-labs/forge-go/internal/config"
	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/session"
)

type testEnv struct {
	app    *app.App
	server *httptest.Server
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Assets.Backend = config.AssetsMemory
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	s, err := New(a.Manager, a.Assets, WithDefaultPreset(cfg.Export.Preset))
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler("forge", a.Metrics, a.Readiness()...))
	t.Cleanup(srv.Close)
	return testEnv{app: a, server: srv}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e testEnv) create(t *testing.T) session.Snapshot {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"label":   "Stone Pillar",
		"format":  "png",
		"payload": []byte("reference"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	snap := decodeBody[session.Snapshot](t, resp)
	assert.Equal(t, "/v1/sessions/"+snap.ID, resp.Header.Get("Location"))
	return snap
}

func (e testEnv) command(t *testing.T, id string, body map[string]any) commandResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/sessions/"+id+"/commands", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[commandResponse](t, resp)
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestEnv(t)
	snap := e.create(t)
	assert.Equal(t, domain.StateImporting, snap.State)

	res := e.command(t, snap.ID, map[string]any{"type": "run_stage", "stage_id": "variation", "params": map[string]any{"seed": 7, "strength": 0.3}})
	require.NotEmpty(t, res.Session.Candidates)
	assert.Equal(t, domain.StateVariationPending, res.Session.State)

	cand := res.Session.Candidates[0].AssetID
	res = e.command(t, snap.ID, map[string]any{
		"type":     "approve_variation",
		"asset_id": cand,
		"approval": map[string]any{
			"dimensions_cm":   map[string]any{"width": 50, "height": 120, "depth": 50},
			"export_settings": map[string]any{"pivot": "base_center", "collision": "box", "generate_lods": true},
		},
	})
	require.NotNil(t, res.Decision)
	assert.Equal(t, domain.StateVariationApproved, res.Session.State)

	res = e.command(t, snap.ID, map[string]any{"type": "run_stage", "stage_id": "generate3d"})
	assert.Equal(t, domain.StateGenerated, res.Session.State)

	resp := e.do(t, http.MethodPost, "/v1/sessions/"+snap.ID+"/exports", map[string]any{"target": "glb"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "model/gltf-binary", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".glb")
	assert.True(t, strings.HasPrefix(resp.Header.Get("X-Forge-Digest"), "sha256:"))

	resp = e.do(t, http.MethodGet, "/v1/sessions/"+snap.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[session.Snapshot](t, resp)
	assert.Equal(t, domain.StateExported, got.State)
	require.Len(t, got.Exports, 1)

	resp = e.do(t, http.MethodGet, "/v1/assets/"+string(cand), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(domain.AssetKindImage2D), resp.Header.Get("X-Forge-Kind"))
	assert.Equal(t, string(snap.Source), resp.Header.Get("X-Forge-Parent"))
}

func TestRequestValidation(t *testing.T) {
	e := newTestEnv(t)
	snap := e.create(t)

	cases := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing label", "/v1/sessions", map[string]any{"format": "png", "payload": []byte("x")}, http.StatusBadRequest, "invalid_request"},
		{"unknown field", "/v1/sessions", map[string]any{"label": "a", "format": "png", "payload": []byte("x"), "color": "red"}, http.StatusBadRequest, "invalid_json"},
		{"bad params", "/v1/sessions", map[string]any{"label": "a", "format": "png", "payload": []byte("x"), "params": map[string]any{"strength": 4}}, http.StatusBadRequest, "invalid_parameters"},
		{"unknown command", "/v1/sessions/" + snap.ID + "/commands", map[string]any{"type": "rewind"}, http.StatusBadRequest, "invalid_request"},
		{"stage id required", "/v1/sessions/" + snap.ID + "/commands", map[string]any{"type": "run_stage"}, http.StatusBadRequest, "invalid_request"},
		{"wrong state", "/v1/sessions/" + snap.ID + "/commands", map[string]any{"type": "run_stage", "stage_id": "generate3d"}, http.StatusBadRequest, "invalid_input"},
		{"unknown session", "/v1/sessions/nope/commands", map[string]any{"type": "abandon"}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			body := decodeBody[errorBody](t, resp)
			assert.Equal(t, tc.code, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestParameterIssuesAreListed(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"label": "a", "format": "png", "payload": []byte("x"),
		"params": map[string]any{"strength": 4, "variation_count": 0},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	var fields []string
	for _, i := range body.Issues {
		fields = append(fields, i.Field)
	}
	assert.ElementsMatch(t, []string{"params.strength", "params.variation_count"}, fields)
}

func TestUnsupportedExportFormat(t *testing.T) {
	e := newTestEnv(t)
	snap := e.create(t)
	res := e.command(t, snap.ID, map[string]any{"type": "run_stage", "stage_id": "variation"})
	e.command(t, snap.ID, map[string]any{"type": "approve_variation", "asset_id": res.Session.Candidates[0].AssetID})
	e.command(t, snap.ID, map[string]any{"type": "run_stage", "stage_id": "generate3d"})

	resp := e.do(t, http.MethodPost, "/v1/sessions/"+snap.ID+"/exports", map[string]any{"target": "fbx"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "unsupported_format", decodeBody[errorBody](t, resp).Error)

	resp = e.do(t, http.MethodGet, "/v1/sessions/"+snap.ID, nil)
	assert.Equal(t, domain.StateGenerated, decodeBody[session.Snapshot](t, resp).State)
}

func TestCorruptSessionNeedsRecovery(t *testing.T) {
	e := newTestEnv(t)
	snap := e.create(t)
	path := filepath.Join(e.app.Config.DataDir, "sessions", snap.ID+".forge.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)/2], 0o644))

	resp := e.do(t, http.MethodPost, "/v1/sessions/"+snap.ID+"/commands", map[string]any{"type": "abandon"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "needs_manual_recovery", decodeBody[errorBody](t, resp).Error)
}

func TestListAndArchive(t *testing.T) {
	e := newTestEnv(t)
	snap := e.create(t)

	resp := e.do(t, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[map[string][]json.RawMessage](t, resp)["sessions"], 1)

	resp = e.do(t, http.MethodDelete, "/v1/sessions/"+snap.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/v1/sessions/"+snap.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProbes(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := e.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
	resp := e.do(t, http.MethodGet, "/v1/assets/not-an-id", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClassify(t *testing.T) {
	status, code := classify(&session.StageFailedError{StageID: "generate3d", Attempts: 1})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "stage_failed", code)

	status, code = classify(&session.SessionUnavailableError{ID: "s", Err: &domain.StorageError{Op: "save"}})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "session_unavailable", code)
}
