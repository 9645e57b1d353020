package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/vitrine-shop/vitrine-server/internal/imageurl"
)

// LocalStorage keeps objects on the local filesystem for development and single-node deployments. Every operation
// goes through an os.Root, so keys cannot escape the storage directory.
type LocalStorage struct {
	root    *os.Root
	baseURL string
}

// NewLocalStorage opens (creating if needed) the storage directory at basePath. Public URLs take the managed store's
// shape: baseURL, then the public object prefix, then the key.
func NewLocalStorage(basePath, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", basePath, err)
	}
	root, err := os.OpenRoot(basePath)
	if err != nil {
		return nil, fmt.Errorf("open storage root %s: %w", basePath, err)
	}
	return &LocalStorage{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Close releases the root directory handle.
func (s *LocalStorage) Close() error {
	return s.root.Close()
}

// Put stores r under key. The object is written to a sibling temporary file and renamed into place, so readers never
// observe a partial object.
func (s *LocalStorage) Put(_ context.Context, key string, r io.Reader) error {
	if dir := path.Dir(key); dir != "." {
		if err := s.root.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create object directory: %w", err)
		}
	}

	tmp := key + ".part-" + uuid.NewString()
	f, err := s.root.Create(tmp)
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = s.root.Remove(tmp)
		return fmt.Errorf("write object: %w", err)
	}

	if err := s.root.Rename(tmp, key); err != nil {
		_ = s.root.Remove(tmp)
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

// Get opens the object at key. A missing object yields ErrStorageKeyNotFound.
func (s *LocalStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := s.root.Open(key)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrStorageKeyNotFound
	case err != nil:
		return nil, fmt.Errorf("open object: %w", err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		_ = f.Close()
		return nil, ErrStorageKeyNotFound
	}
	return f, nil
}

// Delete removes the object at key and prunes owner directories left empty. Deleting a missing object succeeds.
func (s *LocalStorage) Delete(_ context.Context, key string) error {
	if err := s.root.Remove(key); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	// Stop below the bucket directory; Remove fails on the first non-empty parent.
	for dir := path.Dir(key); strings.Contains(dir, "/"); dir = path.Dir(dir) {
		if s.root.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// URL returns the public URL of the object at key ("<bucket>/<object key>").
func (s *LocalStorage) URL(key string) string {
	return s.baseURL + imageurl.PublicObjectPrefix + key
}
