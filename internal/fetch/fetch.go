// Package fetch downloads remote media assets to local scratch files.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Static errors for download operations.
var (
	// ErrURLRequired is returned when the source URL is empty.
	ErrURLRequired = errors.New("fetch: URL is required")
	// ErrBadStatus is returned when the source responds with a non-200 status.
	ErrBadStatus = errors.New("fetch: unexpected status")
)

// DefaultTimeout bounds a single media download.
const DefaultTimeout = 120 * time.Second

// Downloader fetches remote assets over HTTP with a bounded timeout.
type Downloader struct {
	httpClient *http.Client
}

// Option is a function that configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		d.httpClient = c
	}
}

// NewDownloader creates a Downloader with the default 120 second timeout.
func NewDownloader(opts ...Option) *Downloader {
	d := &Downloader{
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ToFile downloads url into destPath, streaming the body to disk.
func (d *Downloader) ToFile(ctx context.Context, url, destPath string) error {
	if url == "" {
		return ErrURLRequired
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("fetch: create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d from %s", ErrBadStatus, resp.StatusCode, url)
	}

	out, err := os.Create(destPath) // #nosec G304 - destPath is produced by trusted internal code
	if err != nil {
		return fmt.Errorf("fetch: create output file: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("fetch: write output file: %w", err)
	}
	return nil
}
