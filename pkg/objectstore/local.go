package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// LocalStore stores objects as files under a root directory, keyed by
// a path-escaped form of the object key. It implements Store only;
// writes are already incremental so there is no multipart capability
// to add (see dittofs's IncrementalWriteStore doc: "Filesystem: No-op,
// writes are already incremental").
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore returns a LocalStore rooted at dir. The directory must
// already exist.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{root: dir}
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put implements Store.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Err.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return Err.Wrap(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return Err.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return Err.Wrap(err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return Err.Wrap(err)
	}
	return nil
}

// Get implements Store.
func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Err.Wrap(err)
	}
	return f, nil
}

// Delete implements Store. Deleting a missing key is not an error.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return Err.Wrap(err)
	}
	return nil
}

// RenameIfNotExists implements Store. It uses link-then-unlink rather
// than stat-then-rename so the not-exists check and the move are one
// atomic filesystem operation, not two racing ones.
func (s *LocalStore) RenameIfNotExists(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath, dstPath := s.path(src), s.path(dst)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return Err.Wrap(err)
	}

	if err := os.Link(srcPath, dstPath); err != nil {
		if os.IsExist(err) {
			return ErrAlreadyExists
		}
		return Err.Wrap(err)
	}
	if err := os.Remove(srcPath); err != nil {
		return Err.Wrap(err)
	}
	return nil
}
