package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Compile-time check that LocalStore implements Store.
var _ Store = (*LocalStore)(nil)

// LocalStore implements Store on the local filesystem. Suitable for
// development and tests; signed URLs are plain file URLs with an expiry
// marker and carry no cryptographic weight.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at dir. If dir is empty, a
// directory under os.TempDir() is used. The root is created if missing.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "beatsync-objects")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

// Root returns the object root directory.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: invalid key %q", ErrObjectNotFound, key)
	}
	return filepath.Join(s.root, clean), nil
}

// Upload creates a new object; an existing key yields ErrObjectExists.
func (s *LocalStore) Upload(ctx context.Context, key string, data io.Reader, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600) // #nosec G304 - key is validated above
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrObjectExists, key)
		}
		return fmt.Errorf("create object: %w", err)
	}
	return s.write(ctx, f, p, data)
}

// Overwrite replaces an object, creating it if absent.
func (s *LocalStore) Overwrite(ctx context.Context, key string, data io.Reader, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 - key is validated above
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	return s.write(ctx, f, p, data)
}

func (s *LocalStore) write(ctx context.Context, f *os.File, p string, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return fmt.Errorf("context cancelled: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(p)
		return fmt.Errorf("close object: %w", err)
	}
	return nil
}

// Delete removes an object. Missing keys are not an error.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// SignedURL returns a file URL with an expiry query marker.
func (s *LocalStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return "", fmt.Errorf("stat object: %w", err)
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("file://%s?expires=%d", p, expires), nil
}
