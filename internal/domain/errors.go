package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidParameters    = errors.New("invalid parameters")
	ErrStorage              = errors.New("storage error")
	ErrCorruption           = errors.New("corruption detected")
	ErrVersionMismatch      = errors.New("version mismatch")
	ErrNotFound             = errors.New("not found")
	ErrCancelled            = errors.New("cancelled")
	ErrEncoding             = errors.New("encoding error")
	ErrUnsupportedFormat    = errors.New("unsupported format")
	ErrDeterminismViolation = errors.New("determinism violation")
	ErrConflict             = errors.New("concurrent modification")
	ErrSessionUnavailable   = errors.New("session unavailable")
)

// InvalidInputError is a local validation failure on a command or asset.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// StorageError wraps an I/O failure. It is the only error class retried.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// CorruptionError reports an integrity failure. It is never repaired
// automatically.
type CorruptionError struct {
	Subject string
	ID      string
	Reason  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s %s corrupted: %s", e.Subject, e.ID, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

type VersionMismatchError struct {
	Subject   string
	Found     string
	Supported string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s version %s is not supported (supported: %s)", e.Subject, e.Found, e.Supported)
}

func (e *VersionMismatchError) Is(target error) bool { return target == ErrVersionMismatch }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// EncodingError is an export failure tied to the asset and stage that
// produced the offending data.
type EncodingError struct {
	Format  string
	AssetID AssetID
	StageID string
	Err     error
}

func (e *EncodingError) Error() string {
	stage := e.StageID
	if stage == "" {
		stage = "unknown"
	}
	return fmt.Sprintf("encode %s: asset %s (stage %s): %v", e.Format, e.AssetID, stage, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

type UnsupportedFormatError struct {
	Format    string
	Supported []string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format %q (supported: %s)", e.Format, strings.Join(e.Supported, ", "))
}

func (e *UnsupportedFormatError) Is(target error) bool { return target == ErrUnsupportedFormat }

// DeterminismViolationError means a stage produced different outputs for an
// identical fingerprint. The run is aborted and nothing is committed.
type DeterminismViolationError struct {
	StageID     string
	Fingerprint string
	Expected    []AssetID
	Got         []AssetID
}

func (e *DeterminismViolationError) Error() string {
	return fmt.Sprintf("determinism violation in stage %s (fingerprint %s): expected %v, got %v",
		e.StageID, e.Fingerprint, e.Expected, e.Got)
}

func (e *DeterminismViolationError) Is(target error) bool { return target == ErrDeterminismViolation }

// Code maps an error to the stable string surfaced to the UI.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCorruption):
		return "needs_manual_recovery"
	case errors.Is(err, ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrEncoding):
		return "encoding_error"
	case errors.Is(err, ErrDeterminismViolation):
		return "determinism_violation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrSessionUnavailable):
		return "session_unavailable"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	default:
		return "internal_error"
	}
}
