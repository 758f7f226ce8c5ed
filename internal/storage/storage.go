// Package storage provides the object-store port for media assets, with S3
// and local-disk bindings. Objects live under four namespaces: inputs/,
// outputs/, chunk_previews/ and temp_chunks/.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Static errors for storage operations.
var (
	// ErrObjectExists is returned by Upload when the key is already taken.
	ErrObjectExists = errors.New("storage: object already exists")
	// ErrObjectNotFound is returned when a key does not exist.
	ErrObjectNotFound = errors.New("storage: object not found")
)

// SignedURLTTL is the lifetime of every issued signed URL.
const SignedURLTTL = 3600 * time.Second

// Store defines the interface for object storage.
type Store interface {
	// Upload creates a new object. Returns ErrObjectExists if the key is
	// already taken.
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error

	// Overwrite replaces an object, creating it if absent.
	Overwrite(ctx context.Context, key string, data io.Reader, contentType string) error

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SignedURL issues a time-limited read URL for an object.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Put stores data under key with duplicate recovery: a conflicting upload is
// first retried as an overwrite, then as delete-and-reupload.
func Put(ctx context.Context, s Store, key string, data []byte, contentType string) error {
	err := s.Upload(ctx, key, bytes.NewReader(data), contentType)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrObjectExists) {
		return err
	}

	if err := s.Overwrite(ctx, key, bytes.NewReader(data), contentType); err == nil {
		return nil
	}
	if err := s.Delete(ctx, key); err != nil {
		return fmt.Errorf("storage: delete before reupload: %w", err)
	}
	return s.Upload(ctx, key, bytes.NewReader(data), contentType)
}
