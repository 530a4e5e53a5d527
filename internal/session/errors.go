package session

import (
	"fmt"

	"github.com/forge-labs/forge-go/internal/domain"
)

// StageFailedError is returned when a stage ends Failed after all retries.
// The failed records are persisted.
type StageFailedError struct {
	StageID  string
	Attempts int
	Cause    domain.Cause
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempt(s): %s: %s", e.StageID, e.Attempts, e.Cause.Code, e.Cause.Message)
}

// SessionUnavailableError means the session could not be persisted after
// retries. The previously persisted state is still authoritative.
type SessionUnavailableError struct {
	ID  string
	Err error
}

func (e *SessionUnavailableError) Error() string {
	return fmt.Sprintf("session %s unavailable: %v", e.ID, e.Err)
}

func (e *SessionUnavailableError) Unwrap() error { return e.Err }

func (e *SessionUnavailableError) Is(target error) bool { return target == domain.ErrSessionUnavailable }
