package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// AssetKind classifies asset payloads.
type AssetKind string

const (
	AssetKindImage2D      AssetKind = "Image2D"
	AssetKindMesh3D       AssetKind = "Mesh3D"
	AssetKindVariationSet AssetKind = "VariationSet"
)

func (k AssetKind) Valid() bool {
	switch k {
	case AssetKindImage2D, AssetKindMesh3D, AssetKindVariationSet:
		return true
	default:
		return false
	}
}

// AssetID is "sha256:" followed by 64 lowercase hex characters.
type AssetID string

const assetIDPrefix = "sha256:"

func (id AssetID) Validate() error {
	s := string(id)
	if !strings.HasPrefix(s, assetIDPrefix) {
		return fmt.Errorf("asset id %q: missing %s prefix", s, assetIDPrefix)
	}
	digest := s[len(assetIDPrefix):]
	if len(digest) != sha256.Size*2 {
		return fmt.Errorf("asset id %q: digest must be %d hex chars", s, sha256.Size*2)
	}
	if _, err := hex.DecodeString(digest); err != nil || strings.ToLower(digest) != digest {
		return fmt.Errorf("asset id %q: digest must be lowercase hex", s)
	}
	return nil
}

// Digest returns the hex part of the id.
func (id AssetID) Digest() string {
	return strings.TrimPrefix(string(id), assetIDPrefix)
}

// Short returns the first 12 hex characters, for display.
func (id AssetID) Short() string {
	d := id.Digest()
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func (id AssetID) String() string { return string(id) }

// Asset is a node in the lineage DAG. Payload is opaque to the pipeline;
// Format tags its encoding.
type Asset struct {
	ID      AssetID
	Kind    AssetKind
	Format  string
	Payload []byte
	Parents []AssetID
}

// ComputeAssetID hashes the canonical form kind 0x00 format 0x00 payload.
// Parents are provenance and do not contribute to identity.
func ComputeAssetID(kind AssetKind, format string, payload []byte) AssetID {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(format))
	h.Write([]byte{0})
	h.Write(payload)
	return AssetID(assetIDPrefix + hex.EncodeToString(h.Sum(nil)))
}

// NewAsset builds an asset and fills in its content id.
func NewAsset(kind AssetKind, format string, payload []byte, parents []AssetID) (Asset, error) {
	if !kind.Valid() {
		return Asset{}, &InvalidInputError{Field: "kind", Reason: fmt.Sprintf("unknown asset kind %q", kind)}
	}
	if strings.TrimSpace(format) == "" {
		return Asset{}, &InvalidInputError{Field: "format", Reason: "format tag is required"}
	}
	for _, p := range parents {
		if err := p.Validate(); err != nil {
			return Asset{}, &InvalidInputError{Field: "parents", Reason: err.Error()}
		}
	}
	return Asset{
		ID:      ComputeAssetID(kind, format, payload),
		Kind:    kind,
		Format:  format,
		Payload: append([]byte(nil), payload...),
		Parents: append([]AssetID(nil), parents...),
	}, nil
}

// Verify recomputes the id from content.
func (a Asset) Verify() error {
	if got := ComputeAssetID(a.Kind, a.Format, a.Payload); got != a.ID {
		return &CorruptionError{Subject: "asset", ID: string(a.ID), Reason: "content hash mismatch: computed " + string(got)}
	}
	return nil
}
