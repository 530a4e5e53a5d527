package domain

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestComputeAssetIDIsContentAddressed(t *testing.T) {
	a := ComputeAssetID(AssetKindImage2D, "image/png", []byte("pixels"))
	b := ComputeAssetID(AssetKindImage2D, "image/png", []byte("pixels"))
	if a != b {
		t.Fatalf("expected identical ids, got %s vs %s", a, b)
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		id   AssetID
	}{
		{"kind", ComputeAssetID(AssetKindMesh3D, "image/png", []byte("pixels"))},
		{"format", ComputeAssetID(AssetKindImage2D, "image/jpeg", []byte("pixels"))},
		{"payload", ComputeAssetID(AssetKindImage2D, "image/png", []byte("pixelz"))},
		// The separator keeps format and payload from bleeding into each other.
		{"boundary", ComputeAssetID(AssetKindImage2D, "image/pn", []byte("gpixels"))},
	}
	for _, tt := range tests {
		if tt.id == a {
			t.Fatalf("%s: expected different id", tt.name)
		}
	}
}

func TestNewAssetIgnoresParentsForIdentity(t *testing.T) {
	parent := ComputeAssetID(AssetKindImage2D, "image/png", []byte("p"))
	withParent, err := NewAsset(AssetKindMesh3D, "forge.mesh.v1", []byte("m"), []AssetID{parent})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	orphan, err := NewAsset(AssetKindMesh3D, "forge.mesh.v1", []byte("m"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if withParent.ID != orphan.ID {
		t.Fatalf("expected parents to be excluded from identity")
	}
	if err := withParent.Verify(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	withParent.Payload[0] = 'x'
	if err := withParent.Verify(); !errors.Is(err, ErrCorruption) {
		t.Fatalf("expected corruption after payload change, got %v", err)
	}
}

func TestNewAssetRejectsBadInput(t *testing.T) {
	if _, err := NewAsset("Sound", "x", nil, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for kind, got %v", err)
	}
	if _, err := NewAsset(AssetKindImage2D, " ", nil, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for format, got %v", err)
	}
	if _, err := NewAsset(AssetKindImage2D, "image/png", nil, []AssetID{"md5:abc"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for parent, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateImporting, StateVariationPending, true},
		{StateImporting, StateVariationApproved, false},
		{StateImporting, StateGenerated, false},
		{StateVariationPending, StateVariationPending, true},
		{StateVariationPending, StateVariationApproved, true},
		{StateVariationApproved, StateVariationPending, false},
		{StateVariationApproved, StateGenerating3D, true},
		{StateVariationApproved, StateGenerated, true},
		{StateGenerating3D, StateVariationApproved, false},
		{StateGenerated, StateExported, true},
		{StateExported, StateExported, true},
		{StateExported, StateGenerated, false},
		{StateExported, StateAbandoned, false},
		{StateGenerated, StateAbandoned, true},
		{StateImporting, StateAbandoned, true},
		{StateAbandoned, StateAbandoned, false},
		{StateAbandoned, StateImporting, false},
		{"bogus", StateImporting, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s)=%v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStateHelpers(t *testing.T) {
	if StateGenerating3D.Persistable() {
		t.Fatalf("Generating3D must not be persistable")
	}
	if !StateGenerated.AtLeast(StateGenerated) || !StateExported.AtLeast(StateGenerated) {
		t.Fatalf("expected Generated and Exported to reach Generated")
	}
	if StateAbandoned.AtLeast(StateGenerated) {
		t.Fatalf("Abandoned must not count as Generated")
	}
	if NormalizeState(" variation_pending ") != StateVariationPending {
		t.Fatalf("expected normalized state")
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want error
		code string
	}{
		{&InvalidInputError{Field: "x", Reason: "y"}, ErrInvalidInput, "invalid_input"},
		{&StorageError{Op: "put", Err: errors.New("disk")}, ErrStorage, "storage_error"},
		{&CorruptionError{Subject: "asset", ID: "a", Reason: "r"}, ErrCorruption, "needs_manual_recovery"},
		{&VersionMismatchError{Subject: "session", Found: "9", Supported: "1-2"}, ErrVersionMismatch, "version_mismatch"},
		{&NotFoundError{Kind: "session", ID: "s"}, ErrNotFound, "not_found"},
		{&EncodingError{Format: "glb", AssetID: "a", Err: errors.New("bad")}, ErrEncoding, "encoding_error"},
		{&UnsupportedFormatError{Format: "fbx"}, ErrUnsupportedFormat, "unsupported_format"},
		{&DeterminismViolationError{StageID: "variation"}, ErrDeterminismViolation, "determinism_violation"},
		{fmt.Errorf("wrapped: %w", ErrCancelled), ErrCancelled, "cancelled"},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Fatalf("expected %T to match %v", tt.err, tt.want)
		}
		if got := Code(tt.err); got != tt.code {
			t.Fatalf("Code(%T)=%q, want %q", tt.err, got, tt.code)
		}
	}
}

func TestApprovalValidate(t *testing.T) {
	if err := DefaultApproval().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := DefaultApproval()
	bad.DimensionsCm.Depth = math.Inf(1)
	if err := bad.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for infinite depth, got %v", err)
	}
	bad = DefaultApproval()
	bad.ExportSettings.Collision = "mesh"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected collision error")
	}
}

func TestEnsureRecordImmutable(t *testing.T) {
	before := RunRecord{Sequence: 1, StageID: "variation", Status: RunStatusSucceeded, Outputs: []AssetID{"sha256:a"}}
	after := before
	after.Outputs = []AssetID{"sha256:b"}
	if err := EnsureRecordImmutable(before, before); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := EnsureRecordImmutable(before, after); err == nil {
		t.Fatalf("expected outputs change to be rejected")
	}
}
