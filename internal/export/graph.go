// Package export encodes a finished asset graph into engine-facing formats.
// Encoders are pure: the same graph and preset always yield the same bytes.
package export

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/mesh"
)

// Graph is everything an encoder may read: the root mesh, its ancestors and
// the records that produced them.
type Graph struct {
	SessionID string
	Label     string
	Root      domain.Asset
	// Assets holds the root first, then its ancestors breadth-first.
	Assets    []domain.Asset
	Records   []domain.RunRecord
	Decisions []domain.Decision
	Approval  domain.Approval
}

// AssetReader walks lineage. *assetstore.Store implements it.
type AssetReader interface {
	Ancestors(ctx context.Context, id domain.AssetID) ([]domain.Asset, error)
}

// BuildGraph collects the lineage of root and keeps the records whose
// outputs appear in it.
func BuildGraph(ctx context.Context, assets AssetReader, root domain.AssetID, records []domain.RunRecord) (*Graph, error) {
	lineage, err := assets.Ancestors(ctx, root)
	if err != nil {
		return nil, err
	}
	if len(lineage) == 0 {
		return nil, &domain.NotFoundError{Kind: "asset", ID: string(root)}
	}
	inGraph := make(map[domain.AssetID]bool, len(lineage))
	for _, a := range lineage {
		inGraph[a.ID] = true
	}
	g := &Graph{Root: lineage[0], Assets: lineage}
	for _, r := range records {
		if r.Status != domain.RunStatusSucceeded {
			continue
		}
		if slices.ContainsFunc(r.Outputs, func(id domain.AssetID) bool { return inGraph[id] }) {
			g.Records = append(g.Records, r)
		}
	}
	sort.Slice(g.Records, func(i, j int) bool { return g.Records[i].Sequence < g.Records[j].Sequence })
	return g, nil
}

func (g *Graph) Validate() error {
	if g == nil {
		return errors.New("export graph is nil")
	}
	if g.Root.Kind != domain.AssetKindMesh3D {
		return fmt.Errorf("root asset %s is %s, want %s", g.Root.ID, g.Root.Kind, domain.AssetKindMesh3D)
	}
	if g.Root.Format != mesh.Format {
		return fmt.Errorf("root asset %s has format %q, want %q", g.Root.ID, g.Root.Format, mesh.Format)
	}
	return nil
}

// Producer returns the most recent record that output id.
func (g *Graph) Producer(id domain.AssetID) (domain.RunRecord, bool) {
	for i := len(g.Records) - 1; i >= 0; i-- {
		if slices.Contains(g.Records[i].Outputs, id) {
			return g.Records[i], true
		}
	}
	return domain.RunRecord{}, false
}
