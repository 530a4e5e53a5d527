// Package api serves sessions over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/forge-labs/forge-go/internal/assetstore"
	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/platform/httpserver"
	"github.com/forge-labs/forge-go/internal/platform/logging"
	"github.com/forge-labs/forge-go/internal/platform/metrics"
	"github.com/forge-labs/forge-go/internal/session"
)

const defaultMaxBody = 64 << 20

type Server struct {
	manager  *session.Manager
	assets   *assetstore.Store
	validate *validator.Validate
	logger   *slog.Logger
	maxBody  int64
	preset   string
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = logging.OrDiscard(l) } }

// WithMaxBody caps request bodies. Imports carry the source image, so the
// default is generous.
func WithMaxBody(n int64) Option { return func(s *Server) { s.maxBody = n } }

// WithDefaultPreset names the preset used when an export request omits one.
func WithDefaultPreset(name string) Option { return func(s *Server) { s.preset = name } }

func New(manager *session.Manager, assets *assetstore.Store, opts ...Option) (*Server, error) {
	if manager == nil {
		return nil, errors.New("api: session manager is required")
	}
	if assets == nil {
		return nil, errors.New("api: asset store is required")
	}
	s := &Server{
		manager:  manager,
		assets:   assets,
		validate: newValidator(),
		logger:   logging.Discard(),
		maxBody:  defaultMaxBody,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleArchiveSession)
	mux.HandleFunc("POST /v1/sessions/{id}/commands", s.handleCommand)
	mux.HandleFunc("POST /v1/sessions/{id}/exports", s.handleExport)
	mux.HandleFunc("GET /v1/assets/{id}", s.handleGetAsset)
}

// Handler returns the full service handler: API routes, probes and metrics,
// wrapped in the platform middleware.
func (s *Server) Handler(service string, collector *metrics.Collector, checks ...httpserver.ReadinessCheck) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.Readyz(service, checks...))
	mux.Handle("GET /metrics", collector.Handler())
	s.Register(mux)
	return httpserver.Wrap(s.logger, service, collector, mux)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error(), nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "multiple JSON values", nil)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request failed validation", validationIssues(err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "id_required", "path id is required", nil)
		return "", false
	}
	return id, true
}

type createSessionRequest struct {
	Label         string         `json:"label" validate:"required,max=200"`
	Format        string         `json:"format" validate:"required,max=32"`
	Payload       []byte         `json:"payload" validate:"required"`
	SchemaVersion int            `json:"schema_version" validate:"gte=0"`
	Params        map[string]any `json:"params"`
	Profile       string         `json:"profile" validate:"omitempty,max=64"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.manager.CreateSession(r.Context(), session.Import{
		Label:         req.Label,
		Kind:          domain.AssetKindImage2D,
		Format:        req.Format,
		Payload:       req.Payload,
		SchemaVersion: req.SchemaVersion,
		Params:        req.Params,
		Profile:       req.Profile,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.manager.Snapshot(r.Context(), sess.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+sess.ID)
	httpserver.WriteJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	snap, err := s.manager.Snapshot(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.manager.Archive(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commandRequest struct {
	Type      string           `json:"type" validate:"required,oneof=run_stage approve_variation reject_variation abandon migrate_params"`
	StageID   string           `json:"stage_id" validate:"required_if=Type run_stage"`
	Params    map[string]any   `json:"params"`
	AssetID   string           `json:"asset_id" validate:"required_if=Type approve_variation,required_if=Type reject_variation"`
	Approval  *domain.Approval `json:"approval"`
	ToVersion int              `json:"to_version" validate:"gte=0"`
}

func (req commandRequest) command() session.Command {
	switch req.Type {
	case "run_stage":
		return session.RunStage{StageID: req.StageID, Params: req.Params}
	case "approve_variation":
		return session.ApproveVariation{AssetID: domain.AssetID(req.AssetID), Approval: req.Approval}
	case "reject_variation":
		return session.RejectVariation{AssetID: domain.AssetID(req.AssetID)}
	case "abandon":
		return session.Abandon{}
	default:
		return session.MigrateParams{ToVersion: req.ToVersion}
	}
}

type commandResponse struct {
	Session  session.Snapshot  `json:"session"`
	Record   *domain.RunRecord `json:"record,omitempty"`
	Decision *domain.Decision  `json:"decision,omitempty"`
	Cached   bool              `json:"cached"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.manager.ApplyCommand(r.Context(), id, req.command())
	if err != nil {
		s.failWithRecord(w, r, err, res.Record)
		return
	}
	snap, err := s.manager.Snapshot(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, commandResponse{Session: snap, Record: res.Record, Decision: res.Decision, Cached: res.Cached})
}

type exportRequest struct {
	Target string `json:"target" validate:"omitempty,max=32"`
	Preset string `json:"preset" validate:"omitempty,max=64"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req exportRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Preset == "" {
		req.Preset = s.preset
	}
	out, err := s.manager.Export(r.Context(), id, req.Target, req.Preset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
	w.Header().Set("X-Forge-Digest", out.Record.Digest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Data)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	aid := domain.AssetID(id)
	if err := aid.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error(), nil)
		return
	}
	a, err := s.assets.Get(r.Context(), aid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Forge-Kind", string(a.Kind))
	w.Header().Set("X-Forge-Format", a.Format)
	for _, p := range a.Parents {
		w.Header().Add("X-Forge-Parent", string(p))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Payload)
}
