package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time check that PGStore implements Store.
var _ Store = (*PGStore)(nil)

// PGStore is the Postgres implementation of Store on a pgx connection pool.
// The claim query relies on FOR UPDATE SKIP LOCKED so multiple workers never
// double-claim a job.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore creates a Postgres-backed store.
func NewPGStore(pool *pgxpool.Pool, logger *slog.Logger) *PGStore {
	return &PGStore{pool: pool, logger: logger}
}

const jobColumns = `id, tier, is_first_time, user_video_url, master_audio_url,
	target_images, prompt, user_bpm, generation_id,
	sync_offset, bpm, chunk_duration, analysis_status,
	status, output_url, error_message, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Tier, &j.IsFirstTime, &j.UserVideoURL, &j.MasterAudioURL,
		&j.TargetImages, &j.Prompt, &j.UserBPM, &j.GenerationID,
		&j.SyncOffset, &j.BPM, &j.ChunkDuration, &j.AnalysisStatus,
		&j.Status, &j.OutputURL, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

// CreateJob inserts a new job row.
func (s *PGStore) CreateJob(ctx context.Context, j *Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tier, is_first_time, user_video_url, master_audio_url,
			target_images, prompt, user_bpm, generation_id, analysis_status, status,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		j.ID, j.Tier, j.IsFirstTime, j.UserVideoURL, j.MasterAudioURL,
		j.TargetImages, j.Prompt, j.UserBPM, j.GenerationID, j.AnalysisStatus, j.Status,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *PGStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// UpdateJob applies a partial update to a job row.
func (s *PGStore) UpdateJob(ctx context.Context, id string, patch JobPatch) error {
	set := []string{"updated_at = now()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.AnalysisStatus != nil {
		add("analysis_status", *patch.AnalysisStatus)
	}
	if patch.SyncOffset != nil {
		add("sync_offset", *patch.SyncOffset)
	}
	if patch.BPM != nil {
		add("bpm", *patch.BPM)
	}
	if patch.ChunkDuration != nil {
		add("chunk_duration", *patch.ChunkDuration)
	}
	if patch.OutputURL != nil {
		add("output_url", *patch.OutputURL)
	}
	if patch.ErrorMessage != nil {
		add("error_message", TruncateError(*patch.ErrorMessage))
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// claimQuery selects the highest-priority dispatchable PENDING job and flips
// it to PROCESSING in one statement. Tiers that require analysis are skipped
// until analyzed; SKIP LOCKED keeps concurrent workers from colliding.
const claimQuery = `
	UPDATE jobs SET status = 'PROCESSING', updated_at = now()
	WHERE id = (
		SELECT id FROM jobs
		WHERE status = 'PENDING'
		  AND (tier NOT IN ('demo', 'industry') OR analysis_status = 'ANALYZED')
		ORDER BY
			is_first_time DESC,
			CASE tier
				WHEN 'demo' THEN 5
				WHEN 'label' THEN 4
				WHEN 'artist' THEN 3
				WHEN 'open_mic' THEN 2
				WHEN 'industry' THEN 1
				ELSE 0
			END DESC,
			created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING ` + jobColumns

// ClaimNextJob atomically claims the next dispatchable job.
func (s *PGStore) ClaimNextJob(ctx context.Context) (*Job, error) {
	return scanJob(s.pool.QueryRow(ctx, claimQuery))
}

// CountProcessing returns the number of PROCESSING jobs.
func (s *PGStore) CountProcessing(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE status = 'PROCESSING'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processing: %w", err)
	}
	return n, nil
}

// MaxConcurrentJobs reads the concurrency ceiling from system_config,
// returning fallback on any miss or error.
func (s *PGStore) MaxConcurrentJobs(ctx context.Context, fallback int) int {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT value::int FROM system_config WHERE key = 'max_concurrent_jobs'`).Scan(&n)
	if err != nil || n <= 0 {
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("reading max_concurrent_jobs failed, using fallback",
				slog.Int("fallback", fallback), slog.String("error", err.Error()))
		}
		return fallback
	}
	return n
}

const chunkColumns = `id, job_id, generation_id, idx, status,
	video_start_time, video_end_time, audio_start_time, chunk_duration, sync_offset,
	synth_request_id, synth_requested_at, synth_completed_at, synth_video_url,
	video_url, driver_chunk_url, image_url, image_index,
	credits_charged, error_message, completed_at`

func scanChunk(row pgx.Row) (*Chunk, error) {
	var c Chunk
	err := row.Scan(
		&c.ID, &c.JobID, &c.GenerationID, &c.Index, &c.Status,
		&c.VideoStartTime, &c.VideoEndTime, &c.AudioStartTime, &c.ChunkDuration, &c.SyncOffset,
		&c.SynthRequestID, &c.SynthRequestedAt, &c.SynthCompletedAt, &c.SynthVideoURL,
		&c.VideoURL, &c.DriverChunkURL, &c.ImageURL, &c.ImageIndex,
		&c.CreditsCharged, &c.ErrorMessage, &c.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	return &c, nil
}

// InsertChunk inserts a chunk row.
func (s *PGStore) InsertChunk(ctx context.Context, c *Chunk) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chunks (id, job_id, generation_id, idx, status,
			video_start_time, video_end_time, audio_start_time, chunk_duration, sync_offset,
			image_url, image_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.JobID, c.GenerationID, c.Index, c.Status,
		c.VideoStartTime, c.VideoEndTime, c.AudioStartTime, c.ChunkDuration, c.SyncOffset,
		c.ImageURL, c.ImageIndex,
	)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// UpdateChunk replaces the mutable columns of a chunk row.
func (s *PGStore) UpdateChunk(ctx context.Context, c *Chunk) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chunks SET status = $2,
			synth_request_id = $3, synth_requested_at = $4, synth_completed_at = $5,
			synth_video_url = $6, video_url = $7, driver_chunk_url = $8,
			image_url = $9, image_index = $10, credits_charged = $11,
			error_message = $12, completed_at = $13
		WHERE id = $1`,
		c.ID, c.Status,
		c.SynthRequestID, c.SynthRequestedAt, c.SynthCompletedAt,
		c.SynthVideoURL, c.VideoURL, c.DriverChunkURL,
		c.ImageURL, c.ImageIndex, c.CreditsCharged,
		TruncateError(c.ErrorMessage), c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update chunk: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChunkNotFound
	}
	return nil
}

// UpdateChunkOutcome records only the terminal fields of a chunk.
func (s *PGStore) UpdateChunkOutcome(ctx context.Context, id string, status ChunkStatus, videoURL, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chunks SET status = $2,
			video_url = CASE WHEN $3 <> '' THEN $3 ELSE video_url END,
			error_message = CASE WHEN $4 <> '' THEN $4 ELSE error_message END
		WHERE id = $1`,
		id, status, videoURL, TruncateError(errMsg),
	)
	if err != nil {
		return fmt.Errorf("update chunk outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChunkNotFound
	}
	return nil
}

// FindChunkBySynthRequestID locates a chunk by its synthesis request ID.
func (s *PGStore) FindChunkBySynthRequestID(ctx context.Context, requestID string) (*Chunk, error) {
	if requestID == "" {
		return nil, ErrChunkNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE synth_request_id = $1`, requestID)
	return scanChunk(row)
}

// ChunksForJob returns a job's chunks ordered by index.
func (s *PGStore) ChunksForJob(ctx context.Context, jobID string) ([]*Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE job_id = $1 ORDER BY idx ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var result []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return result, nil
}

// CreateGeneration inserts a generation row.
func (s *PGStore) CreateGeneration(ctx context.Context, g *Generation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generations (id, status, current_stage, progress_percentage)
		VALUES ($1, $2, $3, $4)`,
		g.ID, g.Status, g.CurrentStage, g.ProgressPercentage,
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// GetGeneration retrieves a generation by ID.
func (s *PGStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, current_stage, progress_percentage,
			estimated_completion_at, final_output_path, cost_credits,
			error_message, completed_at
		FROM generations WHERE id = $1`, id).Scan(
		&g.ID, &g.Status, &g.CurrentStage, &g.ProgressPercentage,
		&g.EstimatedCompletionAt, &g.FinalOutputPath, &g.CostCredits,
		&g.ErrorMessage, &g.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGenerationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	return &g, nil
}

// UpdateGeneration applies a partial update to a generation row. The status
// guard keeps a user-set cancellation from being overwritten.
func (s *PGStore) UpdateGeneration(ctx context.Context, id string, patch GenerationPatch) error {
	set := []string{}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Status != nil {
		args = append(args, *patch.Status)
		set = append(set, fmt.Sprintf("status = CASE WHEN status = 'cancelled' THEN status ELSE $%d END", len(args)))
	}
	if patch.CurrentStage != nil {
		add("current_stage", *patch.CurrentStage)
	}
	if patch.ProgressPercentage != nil {
		add("progress_percentage", *patch.ProgressPercentage)
	}
	if patch.EstimatedCompletionAt != nil {
		add("estimated_completion_at", *patch.EstimatedCompletionAt)
	}
	if patch.FinalOutputPath != nil {
		add("final_output_path", *patch.FinalOutputPath)
	}
	if patch.CostCredits != nil {
		add("cost_credits", *patch.CostCredits)
	}
	if patch.ErrorMessage != nil {
		add("error_message", TruncateError(*patch.ErrorMessage))
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if len(set) == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE generations SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGenerationNotFound
	}
	return nil
}

// GenerationStatus reads only the status column.
func (s *PGStore) GenerationStatus(ctx context.Context, id string) (GenerationStatus, error) {
	var st GenerationStatus
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM generations WHERE id = $1`, id).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrGenerationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read generation status: %w", err)
	}
	return st, nil
}
