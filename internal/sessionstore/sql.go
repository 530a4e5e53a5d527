package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forge-labs/forge-go/internal/domain"
)

// DB is the subset of *sql.DB the SQL stores use.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type queries struct {
	schema   string
	lock     string
	load     string
	insert   string
	update   string
	list     string
	archive  string
	kindName string
}

// sqlStore keeps each session as one row holding the encoded envelope. The
// label, state and revision columns mirror the document for listing.
type sqlStore struct {
	db    DB
	codec *Codec
	q     queries
	now   func() time.Time
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.schema); err != nil {
		return &domain.StorageError{Op: s.q.kindName + " migrate", Err: err}
	}
	return nil
}

func (s *sqlStore) Load(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var data []byte
	if err := s.db.QueryRowContext(ctx, s.q.load, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, &domain.StorageError{Op: s.q.kindName + " load", Key: id, Err: err}
	}
	return s.codec.decodeAs(id, data)
}

func (s *sqlStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return &domain.InvalidInputError{Field: "session", Reason: "session is nil"}
	}
	if err := ValidateID(sess.ID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: s.q.kindName + " begin", Key: sess.ID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var (
		stored   []byte
		archived bool
	)
	err = tx.QueryRowContext(ctx, s.q.lock, sess.ID).Scan(&stored, &archived)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stored = nil
	case err != nil:
		return &domain.StorageError{Op: s.q.kindName + " lock", Key: sess.ID, Err: err}
	case archived:
		return fmt.Errorf("%w: session %s is archived", domain.ErrConflict, sess.ID)
	}

	next, data, err := s.codec.prepare(stored, sess)
	if err != nil {
		return err
	}
	updated := next.UpdatedAt.UTC().UnixMilli()
	if stored == nil {
		if _, err := tx.ExecContext(ctx, s.q.insert, next.ID, next.Label, string(next.State), int64(next.Revision), updated, data); err != nil {
			return &domain.StorageError{Op: s.q.kindName + " insert", Key: next.ID, Err: err}
		}
	} else {
		res, err := tx.ExecContext(ctx, s.q.update, next.Label, string(next.State), int64(next.Revision), updated, data, next.ID, int64(sess.Revision))
		if err != nil {
			return &domain.StorageError{Op: s.q.kindName + " update", Key: next.ID, Err: err}
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: session %s changed during write", domain.ErrConflict, next.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: s.q.kindName + " commit", Key: next.ID, Err: err}
	}
	sess.Revision = next.Revision
	sess.FormatVersion = next.FormatVersion
	return nil
}

func (s *sqlStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, s.q.list)
	if err != nil {
		return nil, &domain.StorageError{Op: s.q.kindName + " list", Err: err}
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, &domain.StorageError{Op: s.q.kindName + " list", Err: err}
		}
		sess, err := s.codec.decodeAs(id, data)
		if err != nil {
			out = append(out, Summary{ID: id, Err: err.Error()})
			continue
		}
		out = append(out, summarize(sess))
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: s.q.kindName + " list", Err: err}
	}
	sortSummaries(out)
	return out, nil
}

func (s *sqlStore) Archive(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q.archive, s.now().UTC().UnixMilli(), id)
	if err != nil {
		return &domain.StorageError{Op: s.q.kindName + " archive", Key: id, Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }
