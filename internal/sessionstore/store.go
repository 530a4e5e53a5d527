package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/forge-labs/forge-go/internal/domain"
)

// Store persists sessions. Save is a compare-and-swap on Revision: the
// caller's revision must match what is stored (zero for a new session), and
// on success the session carries the new revision.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	List(ctx context.Context) ([]Summary, error)
	Archive(ctx context.Context, id string) error
	Close() error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects ids that are unsafe as file names or keys.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return &domain.InvalidInputError{Field: "session_id", Reason: fmt.Sprintf("invalid session id %q", id)}
	}
	return nil
}

func notFound(id string) error {
	return &domain.NotFoundError{Kind: "session", ID: id}
}

func conflict(id string, stored, have uint64) error {
	return fmt.Errorf("%w: session %s is at revision %d, write was based on %d", domain.ErrConflict, id, stored, have)
}

// prepare checks s against the stored document (nil when absent) and
// returns the session at its next revision with its encoding. A stored
// document that fails verification blocks the write.
func (c *Codec) prepare(stored []byte, s *Session) (*Session, []byte, error) {
	if s == nil {
		return nil, nil, &domain.InvalidInputError{Field: "session", Reason: "session is nil"}
	}
	if err := ValidateID(s.ID); err != nil {
		return nil, nil, err
	}
	if stored == nil {
		if s.Revision != 0 {
			return nil, nil, conflict(s.ID, 0, s.Revision)
		}
	} else {
		prev, err := c.Decode(stored)
		if err != nil {
			return nil, nil, err
		}
		if prev.Revision != s.Revision {
			return nil, nil, conflict(s.ID, prev.Revision, s.Revision)
		}
		if err := CheckAppendOnly(prev, s); err != nil {
			return nil, nil, err
		}
	}
	next := s.Clone()
	next.Revision = s.Revision + 1
	next.FormatVersion = FormatVersion
	data, err := c.Encode(next)
	if err != nil {
		return nil, nil, err
	}
	return next, data, nil
}

func (c *Codec) decodeAs(id string, data []byte) (*Session, error) {
	s, err := c.Decode(data)
	if err != nil {
		var ce *domain.CorruptionError
		if errors.As(err, &ce) && ce.ID == "" {
			ce.ID = id
		}
		return nil, err
	}
	if s.ID != id {
		return nil, corrupt(id, fmt.Sprintf("document belongs to session %q", s.ID))
	}
	return s, nil
}
