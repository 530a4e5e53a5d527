// Package synth3d implements the generate3d stage: an approved variation
// candidate goes through the AI backend and comes back as a Mesh3D asset.
package synth3d

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forge-labs/forge-go/internal/aibackend"
	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/mesh"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/stage"
	"github.com/forge-labs/forge-go/internal/stage/variation"
)

const (
	ID      = "generate3d"
	Version = "1.0.0"
)

type Stage struct {
	backend aibackend.Backend
}

func New(backend aibackend.Backend) (*Stage, error) {
	if backend == nil {
		return nil, errors.New("generate3d: backend is required")
	}
	return &Stage{backend: backend}, nil
}

func (s *Stage) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		ID:           ID,
		Version:      Version,
		ModelVersion: s.backend.ModelVersion(),
		Order:        20,
		From:         []domain.State{domain.StateVariationApproved, domain.StateGenerated},
		To:           domain.StateGenerated,
		Transitional: domain.StateGenerating3D,
		InputKinds:   []domain.AssetKind{domain.AssetKindImage2D},
	}
}

func (s *Stage) Validate(in stage.Inputs, _ params.Set) error {
	if err := in.CheckKinds(s.Descriptor().InputKinds); err != nil {
		return err
	}
	if in[0].Format != variation.CandidateFormat {
		return &domain.InvalidInputError{Field: "inputs[0]", Reason: fmt.Sprintf("generate3d needs a variation candidate, got format %q", in[0].Format)}
	}
	return nil
}

func (s *Stage) EstimateCost(stage.Inputs, params.Set) stage.Cost {
	return stage.Cost{Units: 10, Outputs: 1, Duration: 250 * time.Millisecond}
}

func (s *Stage) Execute(ctx context.Context, in stage.Inputs, p params.Set) (stage.Output, error) {
	if err := stage.Checkpoint(ctx); err != nil {
		return stage.Output{}, err
	}
	src := in[0]
	resp, err := s.backend.Generate(ctx, aibackend.Request{
		InputID:      src.ID,
		InputFormat:  src.Format,
		Input:        src.Payload,
		Params:       p,
		ModelVersion: s.backend.ModelVersion(),
	})
	if err != nil {
		return stage.Output{}, err
	}
	if resp.Format != mesh.Format {
		return stage.Output{}, stage.Fail(domain.CauseInvalidOutput, false, fmt.Errorf("backend returned format %q", resp.Format))
	}
	if _, err := mesh.Decode(resp.Payload); err != nil {
		return stage.Output{}, stage.Fail(domain.CauseInvalidOutput, false, err)
	}
	return stage.Output{
		Assets: []stage.PendingAsset{{
			Kind:    domain.AssetKindMesh3D,
			Format:  resp.Format,
			Payload: resp.Payload,
			Parents: []domain.AssetID{src.ID},
		}},
		ModelVersion: resp.ModelVersion,
	}, nil
}
