// Package stage defines the capability interface every pipeline stage
// implements and the ordered catalog the engine resolves stages from.
//
// A stage sees only its resolved inputs, its parameter set and its own
// version constants. It has no clock and no random source; any randomness
// must be derived from a seed parameter.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
)

type Stage interface {
	Descriptor() Descriptor
	// Validate rejects inputs or parameters before any work happens. It
	// returns domain.ErrInvalidInput or domain.ErrInvalidParameters.
	Validate(in Inputs, p params.Set) error
	Execute(ctx context.Context, in Inputs, p params.Set) (Output, error)
	EstimateCost(in Inputs, p params.Set) Cost
}

// Capability flags describe side effects a stage would need. Any of them
// makes a stage ineligible for registration.
type Capability uint8

const (
	ReadsWallClock Capability = 1 << iota
	UnseededRandom
	NonDeterministic
)

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var names []string
	if c&ReadsWallClock != 0 {
		names = append(names, "reads_wall_clock")
	}
	if c&UnseededRandom != 0 {
		names = append(names, "unseeded_random")
	}
	if c&NonDeterministic != 0 {
		names = append(names, "non_deterministic")
	}
	return fmt.Sprint(names)
}

type Descriptor struct {
	ID           string
	Version      string
	ModelVersion string
	// Order positions the stage in the pipeline. Lower runs first.
	Order int
	// From lists the session states the stage may run in.
	From []domain.State
	// To is the state a successful run moves the session to.
	To domain.State
	// Transitional, when set, is reported while the stage runs.
	Transitional domain.State
	// InputKinds is the expected kind of each input, in order.
	InputKinds   []domain.AssetKind
	Capabilities Capability
}

// Allows reports whether the stage may run from state s.
func (d Descriptor) Allows(s domain.State) bool {
	for _, f := range d.From {
		if f == s {
			return true
		}
	}
	return false
}

func (d Descriptor) validate() error {
	if d.ID == "" {
		return errors.New("stage id is required")
	}
	if d.Version == "" {
		return fmt.Errorf("stage %s: version is required", d.ID)
	}
	if d.Capabilities != 0 {
		return fmt.Errorf("stage %s: declares non-deterministic capabilities %s", d.ID, d.Capabilities)
	}
	if len(d.From) == 0 {
		return fmt.Errorf("stage %s: at least one source state is required", d.ID)
	}
	for _, from := range d.From {
		if !domain.CanTransition(from, d.To) {
			return fmt.Errorf("stage %s: %s -> %s is not a lifecycle transition", d.ID, from, d.To)
		}
	}
	if d.Transitional != "" && d.Transitional.Persistable() {
		return fmt.Errorf("stage %s: transitional state %s must not be persistable", d.ID, d.Transitional)
	}
	return nil
}

// Inputs are the resolved, integrity-checked input assets of a run.
type Inputs []domain.Asset

// IDs returns the input ids in order.
func (in Inputs) IDs() []domain.AssetID {
	ids := make([]domain.AssetID, len(in))
	for i, a := range in {
		ids[i] = a.ID
	}
	return ids
}

// CheckKinds matches the inputs against the descriptor's declared kinds.
func (in Inputs) CheckKinds(kinds []domain.AssetKind) error {
	if len(in) != len(kinds) {
		return &domain.InvalidInputError{Field: "inputs", Reason: fmt.Sprintf("expected %d inputs, got %d", len(kinds), len(in))}
	}
	for i, k := range kinds {
		if in[i].Kind != k {
			return &domain.InvalidInputError{Field: fmt.Sprintf("inputs[%d]", i), Reason: fmt.Sprintf("expected %s, got %s", k, in[i].Kind)}
		}
	}
	return nil
}

// PendingAsset is stage output that has not been committed to the store.
type PendingAsset struct {
	Kind    domain.AssetKind
	Format  string
	Payload []byte
	Parents []domain.AssetID
}

// ID is the content id the asset will have once stored.
func (p PendingAsset) ID() domain.AssetID {
	return domain.ComputeAssetID(p.Kind, p.Format, p.Payload)
}

type Output struct {
	Assets []PendingAsset
	// ModelVersion is the model the output was produced with. Stages
	// without a model leave it empty.
	ModelVersion string
}

// IDs returns the content ids of the output assets in order.
func (o Output) IDs() []domain.AssetID {
	ids := make([]domain.AssetID, len(o.Assets))
	for i, a := range o.Assets {
		ids[i] = a.ID()
	}
	return ids
}

// Cost is a rough, deterministic estimate of a run.
type Cost struct {
	Units    int           `json:"units"`
	Outputs  int           `json:"outputs"`
	Duration time.Duration `json:"duration"`
}

// Checkpoint returns domain.ErrCancelled once ctx is done. Stages call it
// between phases.
func Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}
	return nil
}

// Error carries a structured failure cause out of Execute.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err with a cause code.
func Fail(code string, retryable bool, err error) error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}
