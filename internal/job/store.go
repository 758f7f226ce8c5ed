package job

import (
	"context"
	"errors"
	"time"
)

// Not-found sentinels returned by Store implementations.
var (
	ErrJobNotFound        = errors.New("job not found")
	ErrChunkNotFound      = errors.New("chunk not found")
	ErrGenerationNotFound = errors.New("generation not found")
)

// JobPatch is a partial update for a job row. Nil fields are left untouched.
type JobPatch struct {
	Status         *Status
	AnalysisStatus *AnalysisStatus
	SyncOffset     *float64
	BPM            *float64
	ChunkDuration  *float64
	OutputURL      *string
	ErrorMessage   *string
}

// GenerationPatch is a partial update for a generation row. Nil fields are
// left untouched. Patches never resurrect a cancelled generation: setting
// Status on a cancelled row is ignored by implementations.
type GenerationPatch struct {
	Status                *GenerationStatus
	CurrentStage          *Stage
	ProgressPercentage    *int
	EstimatedCompletionAt *time.Time
	FinalOutputPath       *string
	CostCredits           *int
	ErrorMessage          *string
	CompletedAt           *time.Time
}

// Store is the persistence port for jobs, chunks, generations and scheduler
// settings. The production binding is Postgres; the in-memory binding serves
// tests and development.
type Store interface {
	// CreateJob inserts a new job row.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID. Returns ErrJobNotFound if absent.
	GetJob(ctx context.Context, id string) (*Job, error)

	// UpdateJob applies a partial update to a job row.
	UpdateJob(ctx context.Context, id string, patch JobPatch) error

	// ClaimNextJob atomically selects and claims the highest-priority
	// dispatchable PENDING job, flipping it to PROCESSING. Order is
	// is_first_time DESC, tier weight DESC, created_at ASC. Jobs on tiers
	// that require analysis are skipped until their analysis completes;
	// jobs whose analysis failed are never claimed. Returns ErrJobNotFound
	// when nothing is claimable.
	ClaimNextJob(ctx context.Context) (*Job, error)

	// CountProcessing returns the number of jobs currently PROCESSING.
	CountProcessing(ctx context.Context) (int, error)

	// MaxConcurrentJobs returns the store-owned concurrency ceiling, or
	// fallback when the setting is absent or unreadable.
	MaxConcurrentJobs(ctx context.Context, fallback int) int

	// InsertChunk inserts a chunk row.
	InsertChunk(ctx context.Context, c *Chunk) error

	// UpdateChunk replaces a chunk row by ID.
	UpdateChunk(ctx context.Context, c *Chunk) error

	// UpdateChunkOutcome records only the terminal fields of a chunk. It is
	// the minimal fallback used when a full UpdateChunk fails.
	UpdateChunkOutcome(ctx context.Context, id string, status ChunkStatus, videoURL, errMsg string) error

	// FindChunkBySynthRequestID locates a chunk by its synthesis request ID.
	FindChunkBySynthRequestID(ctx context.Context, requestID string) (*Chunk, error)

	// ChunksForJob returns a job's chunks ordered by index.
	ChunksForJob(ctx context.Context, jobID string) ([]*Chunk, error)

	// CreateGeneration inserts a generation row.
	CreateGeneration(ctx context.Context, g *Generation) error

	// GetGeneration retrieves a generation by ID.
	GetGeneration(ctx context.Context, id string) (*Generation, error)

	// UpdateGeneration applies a partial update to a generation row.
	UpdateGeneration(ctx context.Context, id string, patch GenerationPatch) error

	// GenerationStatus reads only the status column; used as the
	// cancellation probe between pipeline steps.
	GenerationStatus(ctx context.Context, id string) (GenerationStatus, error)
}
