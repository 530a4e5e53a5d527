package domain

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"
)

// RunStatus is the outcome of one stage execution.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "Succeeded"
	RunStatusFailed    RunStatus = "Failed"
	RunStatusSkipped   RunStatus = "Skipped"
	RunStatusCancelled RunStatus = "Cancelled"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusSkipped, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Cause explains a Failed or Cancelled record.
type Cause struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

const (
	CauseStageError           = "stage_error"
	CauseBackendUnavailable   = "backend_unavailable"
	CauseModelVersionMismatch = "model_version_mismatch"
	CauseInvalidOutput        = "invalid_output"
	CauseCancelled            = "cancelled"
)

// RunRecord records one execution of one stage. Records are append-only.
type RunRecord struct {
	Sequence     uint64    `json:"sequence"`
	StageID      string    `json:"stage_id"`
	StageVersion string    `json:"stage_version"`
	ModelVersion string    `json:"model_version,omitempty"`
	Inputs       []AssetID `json:"inputs"`
	ParamsHash   string    `json:"params_hash"`
	Outputs      []AssetID `json:"outputs,omitempty"`
	Status       RunStatus `json:"status"`
	Cause        *Cause    `json:"cause,omitempty"`
	Fingerprint  string    `json:"fingerprint"`
	Attempt      int       `json:"attempt"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Primary returns the first output, which stages use for their main asset.
func (r RunRecord) Primary() (AssetID, bool) {
	if len(r.Outputs) == 0 {
		return "", false
	}
	return r.Outputs[0], true
}

// EnsureRecordImmutable rejects any change to a previously stored record.
func EnsureRecordImmutable(before, after RunRecord) error {
	if before.Sequence == 0 || after.Sequence == 0 {
		return errors.New("record sequence numbers are required")
	}
	if before.Sequence != after.Sequence {
		return fmt.Errorf("record sequence changed from %d to %d", before.Sequence, after.Sequence)
	}
	if before.StageID != after.StageID || before.StageVersion != after.StageVersion || before.ModelVersion != after.ModelVersion {
		return errors.New("stage identity is immutable")
	}
	if before.ParamsHash != after.ParamsHash {
		return errors.New("params hash is immutable")
	}
	if before.Status != after.Status {
		return errors.New("status is immutable")
	}
	if before.Fingerprint != after.Fingerprint {
		return errors.New("fingerprint is immutable")
	}
	if !slices.Equal(before.Inputs, after.Inputs) {
		return errors.New("inputs are immutable")
	}
	if !slices.Equal(before.Outputs, after.Outputs) {
		return errors.New("outputs are immutable")
	}
	if !reflect.DeepEqual(before.Cause, after.Cause) {
		return errors.New("cause is immutable")
	}
	return nil
}

// DecisionKind is a user verdict on a variation candidate.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
)

// Decision is one entry of the session decision log.
type Decision struct {
	Sequence  uint64       `json:"sequence"`
	Kind      DecisionKind `json:"kind"`
	AssetID   AssetID      `json:"asset_id"`
	SetID     AssetID      `json:"set_id,omitempty"`
	Approval  *Approval    `json:"approval,omitempty"`
	DecidedAt time.Time    `json:"decided_at"`
}

// Approval carries the metadata a user attaches when approving a candidate.
type Approval struct {
	DimensionsCm   Dimensions     `json:"dimensions_cm"`
	ExportSettings ExportSettings `json:"export_settings"`
	Notes          string         `json:"notes,omitempty"`
}

type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Depth  float64 `json:"depth"`
}

type ExportSettings struct {
	Pivot        string `json:"pivot"`
	Collision    string `json:"collision"`
	GenerateLODs bool   `json:"generate_lods"`
}

// ExportRecord notes one successful export.
type ExportRecord struct {
	Sequence   uint64    `json:"sequence"`
	Target     string    `json:"target"`
	Preset     string    `json:"preset"`
	AssetID    AssetID   `json:"asset_id"`
	Digest     string    `json:"digest"`
	Filename   string    `json:"filename"`
	ExportedAt time.Time `json:"exported_at"`
}
