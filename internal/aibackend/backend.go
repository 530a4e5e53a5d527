// Package aibackend is the boundary to the 3D synthesis model. The model
// only ever adjusts parameters; geometry is always built by the local
// procedural generator so output stays reproducible.
package aibackend

import (
	"context"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
)

type Request struct {
	InputID      domain.AssetID
	InputFormat  string
	Input        []byte
	Params       params.Set
	ModelVersion string
}

type Response struct {
	Payload      []byte
	Format       string
	ModelVersion string
}

type Backend interface {
	Generate(ctx context.Context, req Request) (Response, error)
	ModelVersion() string
}
