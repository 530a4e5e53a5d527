package export

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/platform/logging"
	"github.com/forge-labs/forge-go/internal/platform/metrics"
)

// Encoder turns a graph into one file. Encode must be a pure function of
// its arguments.
type Encoder interface {
	Name() string
	Extension() string
	ContentType() string
	Encode(g *Graph, p Preset) ([]byte, error)
}

// Gateway is the registry of encoders and presets. It is safe for
// concurrent use.
type Gateway struct {
	mu       sync.RWMutex
	encoders map[string]Encoder
	presets  map[string]Preset
	metrics  *metrics.Collector
	logger   *slog.Logger
}

type Option func(*Gateway)

func WithMetrics(c *metrics.Collector) Option { return func(g *Gateway) { g.metrics = c } }

func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = logging.OrDiscard(l) } }

// NewGateway registers the built-in encoders and presets.
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		encoders: map[string]Encoder{},
		presets:  map[string]Preset{},
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, enc := range []Encoder{GLB{}, OBJ{}, ManifestJSON{}, ManifestYAML{}, RecordsNDJSON{}} {
		g.encoders[enc.Name()] = enc
	}
	for _, p := range DefaultPresets() {
		g.presets[p.Name] = p
	}
	return g
}

func (g *Gateway) Register(enc Encoder) error {
	if enc == nil || enc.Name() == "" {
		return errors.New("encoder name is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.encoders[enc.Name()]; dup {
		return fmt.Errorf("encoder %q already registered", enc.Name())
	}
	g.encoders[enc.Name()] = enc
	return nil
}

// RegisterPreset adds or replaces a preset after validating it.
func (g *Gateway) RegisterPreset(p Preset) error {
	if err := p.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.encoders[p.Format]; !ok {
		return fmt.Errorf("preset %s: unknown format %q", p.Name, p.Format)
	}
	g.presets[p.Name] = p
	return nil
}

// Formats lists the registered encoder names, sorted.
func (g *Gateway) Formats() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.encoders))
	for name := range g.encoders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (g *Gateway) Presets() []Preset {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Preset, 0, len(g.presets))
	for _, p := range g.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve picks the encoder and preset for a request. An empty target uses
// the preset's format.
func (g *Gateway) Resolve(target, preset string) (Encoder, Preset, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.presets[preset]
	if !ok {
		return nil, Preset{}, &domain.InvalidInputError{Field: "preset", Reason: fmt.Sprintf("unknown export preset %q", preset)}
	}
	if target == "" {
		target = p.Format
	}
	enc, ok := g.encoders[target]
	if !ok {
		supported := make([]string, 0, len(g.encoders))
		for name := range g.encoders {
			supported = append(supported, name)
		}
		sort.Strings(supported)
		return nil, Preset{}, &domain.UnsupportedFormatError{Format: target, Supported: supported}
	}
	return enc, p, nil
}

// Export encodes g. Encoder failures are reported against the asset and the
// stage that produced it.
func (g *Gateway) Export(graph *Graph, target, preset string) ([]byte, error) {
	enc, p, err := g.Resolve(target, preset)
	if err != nil {
		g.metrics.Export(target, "rejected")
		return nil, err
	}
	if err := graph.Validate(); err != nil {
		g.metrics.Export(enc.Name(), "failed")
		return nil, &domain.InvalidInputError{Field: "graph", Reason: err.Error()}
	}
	data, err := enc.Encode(graph, p)
	if err != nil {
		g.metrics.Export(enc.Name(), "failed")
		id := graph.Root.ID
		var af *assetFault
		if errors.As(err, &af) {
			id, err = af.id, af.err
		}
		var stageID string
		if rec, ok := graph.Producer(id); ok {
			stageID = rec.StageID
		}
		g.logger.Warn("export failed", "format", enc.Name(), "asset_id", id, "stage_id", stageID, "error", err)
		return nil, &domain.EncodingError{Format: enc.Name(), AssetID: id, StageID: stageID, Err: err}
	}
	g.metrics.Export(enc.Name(), "succeeded")
	g.logger.Info("asset exported", "format", enc.Name(), "preset", p.Name, "asset_id", graph.Root.ID, "bytes", len(data))
	return data, nil
}

// assetFault pins an encoder error on a specific asset of the graph.
type assetFault struct {
	id  domain.AssetID
	err error
}

func (f *assetFault) Error() string { return f.err.Error() }

func (f *assetFault) Unwrap() error { return f.err }

func faultAt(id domain.AssetID, err error) error { return &assetFault{id: id, err: err} }
