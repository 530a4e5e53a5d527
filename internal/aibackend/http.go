package aibackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/mesh"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/platform/logging"
	"github.com/forge-labs/forge-go/internal/stage"
	"github.com/forge-labs/forge-go/internal/stage/variation"
)

const maxResponseBytes = 1 << 20

type HTTPConfig struct {
	BaseURL      string        `yaml:"url"`
	ModelVersion string        `yaml:"model_version"`
	Timeout      time.Duration `yaml:"timeout"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	MinRequests      uint32        `yaml:"min_requests"`
	FailureThreshold float64       `yaml:"failure_threshold"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		MinRequests:      3,
		FailureThreshold: 0.6,
	}
}

func (c HTTPConfig) Validate() error {
	var problems []string
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		problems = append(problems, "ai url must be an http(s) url")
	}
	if strings.TrimSpace(c.ModelVersion) == "" {
		problems = append(problems, "ai model_version is required")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "ai timeout must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > 1 {
		problems = append(problems, "ai breaker failure_threshold must be in (0,1]")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// adjustRequest is the body sent to the model service.
type adjustRequest struct {
	ModelVersion string              `json:"model_version"`
	InputID      string              `json:"input_id"`
	Candidate    variation.Candidate `json:"candidate"`
	Params       map[string]any      `json:"params"`
}

// adjustResponse is the only shape accepted from the model. Unknown fields
// are rejected.
type adjustResponse struct {
	ModelVersion string         `json:"model_version"`
	Adjustments  parameterDelta `json:"adjustments"`
	Confidence   *float64       `json:"confidence,omitempty"`
	Notes        *string        `json:"notes,omitempty"`
}

type parameterDelta struct {
	HeightScale      *float64 `json:"height_scale,omitempty"`
	ExtrusionDepth   *float64 `json:"extrusion_depth,omitempty"`
	BevelAmount      *float64 `json:"bevel_amount,omitempty"`
	SymmetryBreak    *float64 `json:"symmetry_break,omitempty"`
	ErosionIntensity *float64 `json:"erosion_intensity,omitempty"`
	DetailLevel      *float64 `json:"detail_level,omitempty"`
}

func (d parameterDelta) asMap() map[string]float64 {
	out := map[string]float64{}
	set := func(key string, v *float64) {
		if v != nil {
			out[key] = *v
		}
	}
	set("height_scale", d.HeightScale)
	set("extrusion_depth", d.ExtrusionDepth)
	set("bevel_amount", d.BevelAmount)
	set("symmetry_break", d.SymmetryBreak)
	set("erosion_intensity", d.ErosionIntensity)
	set("detail_level", d.DetailLevel)
	return out
}

// HTTPClient asks a remote model for parameter adjustments and builds the
// mesh locally from the adjusted candidate.
type HTTPClient struct {
	cfg     HTTPConfig
	schema  *params.Schema
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewHTTPClient(cfg HTTPConfig, schema *params.Schema, logger *slog.Logger) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, errors.New("ai backend: schema is required")
	}
	logger = logging.OrDiscard(logger)
	bc := cfg.Breaker
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-backend",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if errors.Is(err, domain.ErrCancelled) {
				return true
			}
			var se *stage.Error
			if errors.As(err, &se) {
				return !se.Retryable
			}
			return err == nil
		},
	})
	return &HTTPClient{
		cfg:     cfg,
		schema:  schema,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

func (c *HTTPClient) ModelVersion() string { return c.cfg.ModelVersion }

func (c *HTTPClient) Generate(ctx context.Context, req Request) (Response, error) {
	if c == nil || c.http == nil {
		return Response{}, errors.New("ai backend not initialized")
	}
	cand, err := decodeCandidate(req)
	if err != nil {
		return Response{}, err
	}

	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.adjust(ctx, req, cand)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Response{}, stage.Fail(domain.CauseBackendUnavailable, true, err)
		}
		return Response{}, err
	}
	resp := v.(adjustResponse)

	adjusted := cand
	adjusted.Geometry = cand.Geometry.Apply(resp.Adjustments.asMap(), c.schema)
	m, err := Build(ctx, adjusted)
	if err != nil {
		return Response{}, err
	}
	c.logger.Debug("ai adjustments applied", "input_id", req.InputID, "model_version", resp.ModelVersion, "adjustments", len(resp.Adjustments.asMap()))
	return Response{Payload: m.Encode(), Format: mesh.Format, ModelVersion: resp.ModelVersion}, nil
}

func (c *HTTPClient) adjust(ctx context.Context, req Request, cand variation.Candidate) (adjustResponse, error) {
	body, err := json.Marshal(adjustRequest{
		ModelVersion: req.ModelVersion,
		InputID:      string(req.InputID),
		Candidate:    cand,
		Params:       req.Params.Map(),
	})
	if err != nil {
		return adjustResponse{}, stage.Fail(domain.CauseStageError, false, fmt.Errorf("marshal request: %w", err))
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/adjust"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return adjustResponse{}, stage.Fail(domain.CauseStageError, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return adjustResponse{}, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return adjustResponse{}, stage.Fail(domain.CauseBackendUnavailable, true, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return adjustResponse{}, stage.Fail(domain.CauseBackendUnavailable, true, fmt.Errorf("read response: %w", err))
	}
	switch {
	case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
		return adjustResponse{}, stage.Fail(domain.CauseBackendUnavailable, true, fmt.Errorf("ai backend status %d", res.StatusCode))
	case res.StatusCode >= 300:
		return adjustResponse{}, stage.Fail(domain.CauseStageError, false, fmt.Errorf("ai backend status %d: %s", res.StatusCode, strings.TrimSpace(string(raw))))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var out adjustResponse
	if err := dec.Decode(&out); err != nil {
		return adjustResponse{}, stage.Fail(domain.CauseInvalidOutput, false, fmt.Errorf("decode ai response: %w", err))
	}
	if out.ModelVersion == "" {
		return adjustResponse{}, stage.Fail(domain.CauseInvalidOutput, false, errors.New("ai response has no model_version"))
	}
	if out.Confidence != nil && (*out.Confidence < 0 || *out.Confidence > 1) {
		return adjustResponse{}, stage.Fail(domain.CauseInvalidOutput, false, fmt.Errorf("ai confidence %v outside [0,1]", *out.Confidence))
	}
	return out, nil
}
