// Package id provides unique identifier generation for jobs and chunks.
package id

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generate creates a new unique job ID.
// Format: job-<timestamp>-<uuid>
// Example: job-1701432000-a1b2c3d4-....
func Generate() string {
	return fmt.Sprintf("job-%d-%s", time.Now().Unix(), uuid.NewString())
}

// GenerateChunk creates a deterministic-prefix chunk ID for a job index.
// Format: <job-id>-chunk-<index>
func GenerateChunk(jobID string, index int) string {
	return fmt.Sprintf("%s-chunk-%d", jobID, index)
}

// New returns a bare UUID, used for generations and per-request preview
// prefixes.
func New() string {
	return uuid.NewString()
}
