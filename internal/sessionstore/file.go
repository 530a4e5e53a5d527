package sessionstore

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/platform/fsx"
)

const archiveDir = "archive"

// FileStore keeps one document per session under dir, written atomically.
type FileStore struct {
	dir    string
	codec  *Codec
	writer fsx.Writer
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

type FileOption func(*FileStore)

// WithWriter replaces the atomic writer. Tests use it to inject crashes.
func WithWriter(w fsx.Writer) FileOption {
	return func(s *FileStore) { s.writer = w }
}

func WithFileLogger(logger *slog.Logger) FileOption {
	return func(s *FileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewFileStore(dir string, codec *Codec, opts ...FileOption) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("session directory is required")
	}
	if codec == nil {
		return nil, errors.New("session codec is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &domain.StorageError{Op: "mkdir", Key: dir, Err: err}
	}
	s := &FileStore{dir: dir, codec: codec, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+FileExt)
}

func (s *FileStore) read(id string) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "read", Key: id, Err: err}
	}
	return data, nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, err := s.read(id)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, notFound(id)
	}
	sess, err := s.codec.decodeAs(id, data)
	if err != nil {
		s.logger.Error("session document rejected", "session_id", id, "error", err)
		return nil, err
	}
	return sess, nil
}

func (s *FileStore) Save(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess != nil {
		if err := ValidateID(sess.ID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored []byte
	if sess != nil {
		var err error
		if stored, err = s.read(sess.ID); err != nil {
			return err
		}
	}
	next, data, err := s.codec.prepare(stored, sess)
	if err != nil {
		return err
	}
	if err := s.writer.WriteFile(s.path(next.ID), data, 0o644); err != nil {
		return &domain.StorageError{Op: "write", Key: next.ID, Err: err}
	}
	sess.Revision = next.Revision
	sess.FormatVersion = next.FormatVersion
	return nil
}

// List reports every session document. Documents that fail verification are
// listed with Err set rather than hidden.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(s.dir)
	s.mu.Unlock()
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Key: s.dir, Err: err}
	}
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, FileExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := strings.TrimSuffix(name, FileExt)
		sess, err := s.Load(ctx, id)
		if err != nil {
			out = append(out, Summary{ID: id, Err: err.Error()})
			continue
		}
		out = append(out, summarize(sess))
	}
	sortSummaries(out)
	return out, nil
}

// Archive moves the document out of the active set. Archived sessions are
// kept on disk and can be restored by moving the file back.
func (s *FileStore) Archive(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.path(id)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return notFound(id)
	}
	dst := filepath.Join(s.dir, archiveDir, id+"."+s.now().UTC().Format("20060102T150405Z")+FileExt)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &domain.StorageError{Op: "archive", Key: id, Err: err}
	}
	if err := os.Rename(src, dst); err != nil {
		return &domain.StorageError{Op: "archive", Key: id, Err: err}
	}
	s.logger.Info("session archived", "session_id", id, "path", dst)
	return nil
}

func (s *FileStore) Close() error { return nil }

func sortSummaries(out []Summary) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
