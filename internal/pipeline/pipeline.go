// Package pipeline turns an analyzed job into one muxed, stitched output
// video: pre-trim per sync offset, slice along the chunk grid, drive each
// slice through the synthesis service, mux against the matching audio slice
// and stream-copy the segments together.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/beatsync/engine/internal/analysis"
	"github.com/beatsync/engine/internal/fetch"
	"github.com/beatsync/engine/internal/job"
	"github.com/beatsync/engine/internal/job/id"
	"github.com/beatsync/engine/internal/media"
	"github.com/beatsync/engine/internal/storage"
	"github.com/beatsync/engine/internal/synth"
)

// Static errors for pipeline preconditions and outcomes.
var (
	// ErrNotAnalyzed is returned when a gated job reaches the pipeline
	// without finished analysis.
	ErrNotAnalyzed = errors.New("pipeline: job analysis has not completed")
	// ErrNoChunkDuration is returned when the job carries no usable chunk
	// duration.
	ErrNoChunkDuration = errors.New("pipeline: chunk duration is not set")
	// ErrNoTargetImages is returned when the job has no images to rotate.
	ErrNoTargetImages = errors.New("pipeline: at least one target image is required")
	// ErrAllChunksFailed is returned when no chunk completed.
	ErrAllChunksFailed = errors.New("pipeline: no chunks completed successfully")
	// ErrEmptyArtifact is returned when a produced file is missing or empty.
	ErrEmptyArtifact = errors.New("pipeline: produced artifact is missing or empty")
	// ErrNoVideoStream is returned when a video slice carries no video.
	ErrNoVideoStream = errors.New("pipeline: slice has no video stream")
)

const (
	// preTrimEpsilon: offsets below this skip the pre-trim entirely.
	preTrimEpsilon = 0.01
	// estimatedSecondsPerChunk feeds the user-facing completion estimate.
	estimatedSecondsPerChunk = 75
)

// Config carries the pipeline's static settings.
type Config struct {
	// TempDir hosts per-job scratch directories; empty means os.TempDir.
	TempDir string
	// WebhookURL, when set, is passed to the synthesis service so it can
	// call back on completion.
	WebhookURL string
	// WatermarkURL, when set, is overlaid on demo-tier final artifacts.
	WatermarkURL string
}

// Pipeline produces the final artifact for one job at a time.
type Pipeline struct {
	store      job.Store
	runner     media.Runner
	downloader *fetch.Downloader
	synth      synth.Client
	objects    storage.Store
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

// New creates a Pipeline.
func New(store job.Store, runner media.Runner, downloader *fetch.Downloader, client synth.Client, objects storage.Store, logger *slog.Logger, cfg Config) *Pipeline {
	return &Pipeline{
		store:      store,
		runner:     runner,
		downloader: downloader,
		synth:      client,
		objects:    objects,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run produces the job's output and returns a path to the final artifact that
// outlives the per-job scratch directory. The caller owns the returned file.
func (p *Pipeline) Run(ctx context.Context, j *job.Job) (string, error) {
	if j.Tier.RequiresAnalysis() && j.AnalysisStatus != job.AnalysisDone {
		return "", ErrNotAnalyzed
	}
	if j.ChunkDuration == nil || *j.ChunkDuration <= 0 {
		return "", ErrNoChunkDuration
	}
	if len(j.TargetImages) == 0 {
		return "", ErrNoTargetImages
	}
	chunkDuration := *j.ChunkDuration

	dir, err := os.MkdirTemp(p.cfg.TempDir, "produce-*")
	if err != nil {
		return "", fmt.Errorf("pipeline: create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	videoPath := filepath.Join(dir, "user_video.mp4")
	audioPath := filepath.Join(dir, "master_audio")
	if err := p.downloader.ToFile(ctx, j.UserVideoURL, videoPath); err != nil {
		return "", fmt.Errorf("pipeline: download video: %w", err)
	}
	if err := p.downloader.ToFile(ctx, j.MasterAudioURL, audioPath); err != nil {
		return "", fmt.Errorf("pipeline: download audio: %w", err)
	}

	videoDuration, err := p.runner.ProbeDuration(ctx, videoPath)
	if err != nil {
		return "", fmt.Errorf("pipeline: probe video: %w", err)
	}
	if err := j.ValidateDuration(videoDuration); err != nil {
		return "", err
	}

	videoPath, audioPath, videoDuration, err = p.preTrim(ctx, j, dir, videoPath, audioPath, videoDuration)
	if err != nil {
		return "", err
	}

	spans := analysis.Grid(videoDuration, chunkDuration)
	if len(spans) == 0 {
		return "", fmt.Errorf("pipeline: empty chunk grid for %.2fs source", videoDuration)
	}
	n := len(spans)

	offset := 0.0
	if j.SyncOffset != nil {
		offset = *j.SyncOffset
	}

	chunks := make([]*job.Chunk, n)
	for i, span := range spans {
		chunks[i] = &job.Chunk{
			ID:             id.GenerateChunk(j.ID, i),
			JobID:          j.ID,
			GenerationID:   j.GenerationID,
			Index:          i,
			Status:         job.ChunkPending,
			VideoStartTime: span.Start,
			VideoEndTime:   span.Start + span.Duration,
			AudioStartTime: span.Start,
			ChunkDuration:  span.Duration,
			SyncOffset:     offset,
		}
		if err := p.store.InsertChunk(ctx, chunks[i]); err != nil {
			return "", fmt.Errorf("pipeline: persist chunk %d: %w", i, err)
		}
	}

	p.startGeneration(ctx, j, n)

	p.logger.Info("chunk loop starting",
		slog.String("job_id", j.ID),
		slog.Int("num_chunks", n),
		slog.Float64("chunk_duration", chunkDuration),
	)

	var segments []string
	for i, span := range spans {
		if p.cancelled(ctx, j.GenerationID) {
			p.failRemaining(ctx, chunks[i:])
			return "", fmt.Errorf("pipeline: %w", job.ErrCancelled)
		}

		c := chunks[i]
		c.Status = job.ChunkProcessing
		if err := p.store.UpdateChunk(ctx, c); err != nil {
			p.logger.Warn("mark chunk processing failed", slog.String("chunk_id", c.ID), slog.String("error", err.Error()))
		}
		p.updateGeneration(ctx, j.GenerationID, job.GenerationPatch{
			CurrentStage:       stagePtr(job.StageProcessingChunks),
			ProgressPercentage: intPtr(10 + 80*i/n),
		})

		segment, err := p.produceChunk(ctx, j, c, span, dir, videoPath, audioPath, chunkDuration)
		if err != nil {
			p.failChunk(ctx, c, err)
			continue
		}
		segments = append(segments, segment)

		p.updateGeneration(ctx, j.GenerationID, job.GenerationPatch{
			CurrentStage:       stagePtr(job.StageProcessingChunks),
			ProgressPercentage: intPtr(10 + 80*(i+1)/n),
		})
	}

	if len(segments) == 0 {
		return "", ErrAllChunksFailed
	}

	p.recordCredits(ctx, j)

	p.updateGeneration(ctx, j.GenerationID, job.GenerationPatch{
		CurrentStage:       stagePtr(job.StageStitching),
		ProgressPercentage: intPtr(90),
	})

	finalPath := filepath.Join(dir, "final.mp4")
	if err := p.runner.Concat(ctx, segments, finalPath); err != nil {
		return "", fmt.Errorf("pipeline: stitch segments: %w", err)
	}
	if err := verifyNonEmpty(finalPath); err != nil {
		return "", err
	}

	p.updateGeneration(ctx, j.GenerationID, job.GenerationPatch{
		CurrentStage:       stagePtr(job.StageFinalizing),
		ProgressPercentage: intPtr(95),
	})

	finalPath, err = p.applyWatermark(ctx, j, dir, finalPath)
	if err != nil {
		return "", err
	}

	// The scratch dir is removed on return; hand back a copy that survives.
	persistent, err := persistArtifact(p.cfg.TempDir, finalPath)
	if err != nil {
		return "", err
	}
	return persistent, nil
}

// preTrim aligns the streams once so chunk boundaries become flat offsets in
// both. A positive offset means dead space at the video head; negative means
// the video starts mid-song and the audio head is dropped instead.
func (p *Pipeline) preTrim(ctx context.Context, j *job.Job, dir, videoPath, audioPath string, videoDuration float64) (string, string, float64, error) {
	offset := 0.0
	if j.SyncOffset != nil {
		offset = *j.SyncOffset
	}
	if math.Abs(offset) < preTrimEpsilon {
		return videoPath, audioPath, videoDuration, nil
	}

	if offset > 0 {
		trimmed := filepath.Join(dir, "user_video_trimmed.mp4")
		if err := p.runner.TrimVideoHead(ctx, videoPath, trimmed, offset); err != nil {
			return "", "", 0, fmt.Errorf("pipeline: trim video head: %w", err)
		}
		p.logger.Info("video head trimmed", slog.String("job_id", j.ID), slog.Float64("offset", offset))
		return trimmed, audioPath, videoDuration - offset, nil
	}

	trimmed := filepath.Join(dir, "master_audio_trimmed.wav")
	if err := p.runner.TrimAudioHead(ctx, audioPath, trimmed, -offset); err != nil {
		return "", "", 0, fmt.Errorf("pipeline: trim audio head: %w", err)
	}
	p.logger.Info("audio head trimmed", slog.String("job_id", j.ID), slog.Float64("offset", offset))
	return videoPath, trimmed, videoDuration, nil
}

// produceChunk runs one grid cell end to end and returns the local path of
// the muxed segment.
func (p *Pipeline) produceChunk(ctx context.Context, j *job.Job, c *job.Chunk, span analysis.ChunkSpan, dir, videoPath, audioPath string, chunkDuration float64) (string, error) {
	slicePath := filepath.Join(dir, fmt.Sprintf("chunk_%03d.mp4", c.Index))
	if err := p.runner.SliceVideo(ctx, videoPath, slicePath, span.Start, span.Duration); err != nil {
		return "", fmt.Errorf("slice video: %w", err)
	}
	if err := verifyNonEmpty(slicePath); err != nil {
		return "", err
	}
	hasVideo, err := p.runner.ProbeHasVideo(ctx, slicePath)
	if err != nil {
		return "", fmt.Errorf("probe slice: %w", err)
	}
	if !hasVideo {
		return "", fmt.Errorf("%w: chunk %d", ErrNoVideoStream, c.Index)
	}

	// The final chunk may come out shorter than the grid span; the audio
	// slice must match the actual video length.
	sliceDuration, err := p.runner.ProbeDuration(ctx, slicePath)
	if err != nil || sliceDuration <= 0 {
		sliceDuration = span.Duration
	}

	driverURL, err := p.publishDriver(ctx, j.ID, c.Index, slicePath)
	if err != nil {
		return "", fmt.Errorf("upload driver slice: %w", err)
	}
	c.DriverChunkURL = driverURL

	c.ImageIndex = c.Index % len(j.TargetImages)
	c.ImageURL = j.TargetImages[c.ImageIndex]

	requestID, err := p.synth.Submit(ctx, synth.SubmitRequest{
		DriverVideoURL: driverURL,
		TargetImageURL: c.ImageURL,
		Prompt:         j.EffectivePrompt(),
		WebhookURL:     p.cfg.WebhookURL,
	})
	if err != nil {
		return "", fmt.Errorf("submit synthesis: %w", err)
	}

	// The request ID must be on record before the first poll so a webhook
	// arriving early can find this chunk.
	requestedAt := p.now().UTC()
	c.SynthRequestID = requestID
	c.SynthRequestedAt = &requestedAt
	if err := p.store.UpdateChunk(ctx, c); err != nil {
		return "", fmt.Errorf("persist synthesis request id: %w", err)
	}

	synthVideoURL, err := p.synth.Await(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("await synthesis: %w", err)
	}
	completedAt := p.now().UTC()
	c.SynthCompletedAt = &completedAt
	c.SynthVideoURL = synthVideoURL

	synthPath := filepath.Join(dir, fmt.Sprintf("synth_%03d.mp4", c.Index))
	if err := p.downloader.ToFile(ctx, synthVideoURL, synthPath); err != nil {
		return "", fmt.Errorf("download synthesis output: %w", err)
	}

	audioSlice := filepath.Join(dir, fmt.Sprintf("audio_%03d.wav", c.Index))
	if err := p.runner.ExtractAudioSlice(ctx, audioPath, audioSlice, span.Start, sliceDuration); err != nil {
		return "", fmt.Errorf("slice audio: %w", err)
	}

	segmentPath := filepath.Join(dir, fmt.Sprintf("segment_%03d.mp4", c.Index))
	if err := p.runner.Mux(ctx, synthPath, audioSlice, segmentPath); err != nil {
		return "", fmt.Errorf("mux segment: %w", err)
	}
	if err := verifyNonEmpty(segmentPath); err != nil {
		return "", err
	}

	videoURL, err := p.publishSegment(ctx, j, c.Index, segmentPath)
	if err != nil {
		return "", fmt.Errorf("upload segment: %w", err)
	}

	doneAt := p.now().UTC()
	c.Status = job.ChunkCompleted
	c.VideoURL = videoURL
	c.CreditsCharged = int(chunkDuration)
	c.CompletedAt = &doneAt
	if err := p.store.UpdateChunk(ctx, c); err != nil {
		// Muxing succeeded; a database hiccup must not fail the chunk.
		p.logger.Warn("full chunk update failed, falling back to minimal",
			slog.String("chunk_id", c.ID), slog.String("error", err.Error()))
		msg := job.TruncateError(fmt.Sprintf("persistence error: %s", err))
		if err := p.store.UpdateChunkOutcome(ctx, c.ID, job.ChunkCompleted, videoURL, msg); err != nil {
			p.logger.Error("minimal chunk update failed", slog.String("chunk_id", c.ID), slog.String("error", err.Error()))
		}
	}

	p.logger.Info("chunk completed",
		slog.String("job_id", j.ID),
		slog.Int("chunk_index", c.Index),
		slog.String("video_url", videoURL),
	)
	return segmentPath, nil
}

// publishDriver uploads a video slice for the synthesis service to fetch.
func (p *Pipeline) publishDriver(ctx context.Context, jobID string, index int, path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is produced by trusted internal code
	if err != nil {
		return "", err
	}
	key := storage.TempChunkKey(jobID, index)
	if err := storage.Put(ctx, p.objects, key, data, "video/mp4"); err != nil {
		return "", err
	}
	return p.objects.SignedURL(ctx, key, storage.SignedURLTTL)
}

// publishSegment uploads a muxed segment under the outputs namespace.
func (p *Pipeline) publishSegment(ctx context.Context, j *job.Job, index int, path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is produced by trusted internal code
	if err != nil {
		return "", err
	}
	key := storage.OutputChunkKey(outputOwner(j), index)
	if err := storage.Put(ctx, p.objects, key, data, "video/mp4"); err != nil {
		return "", err
	}
	return p.objects.SignedURL(ctx, key, storage.SignedURLTTL)
}

// outputOwner namespaces outputs by generation when one exists, else by job.
func outputOwner(j *job.Job) string {
	if j.GenerationID != "" {
		return j.GenerationID
	}
	return j.ID
}

// cancelled probes the generation's status; missing generations never cancel.
func (p *Pipeline) cancelled(ctx context.Context, generationID string) bool {
	if generationID == "" {
		return false
	}
	status, err := p.store.GenerationStatus(ctx, generationID)
	if err != nil {
		return false
	}
	return status == job.GenerationCancelled
}

// failRemaining marks every not-yet-started chunk as cancelled.
func (p *Pipeline) failRemaining(ctx context.Context, remaining []*job.Chunk) {
	for _, c := range remaining {
		if err := p.store.UpdateChunkOutcome(ctx, c.ID, job.ChunkFailed, "", job.CancelledByUser); err != nil {
			p.logger.Warn("mark chunk cancelled failed", slog.String("chunk_id", c.ID), slog.String("error", err.Error()))
		}
	}
}

// failChunk records a chunk failure with whatever observability data the
// chunk accumulated, falling back to a status-only update.
func (p *Pipeline) failChunk(ctx context.Context, c *job.Chunk, cause error) {
	p.logger.Error("chunk failed",
		slog.String("job_id", c.JobID),
		slog.Int("chunk_index", c.Index),
		slog.String("error", cause.Error()),
	)
	c.Status = job.ChunkFailed
	c.ErrorMessage = job.TruncateError(cause.Error())
	if err := p.store.UpdateChunk(ctx, c); err != nil {
		if err := p.store.UpdateChunkOutcome(ctx, c.ID, job.ChunkFailed, "", c.ErrorMessage); err != nil {
			p.logger.Error("minimal chunk failure update failed", slog.String("chunk_id", c.ID), slog.String("error", err.Error()))
		}
	}
}

// startGeneration moves the rollup into the chunk stage with a completion
// estimate of 75 seconds per chunk.
func (p *Pipeline) startGeneration(ctx context.Context, j *job.Job, n int) {
	eta := p.now().UTC().Add(time.Duration(n*estimatedSecondsPerChunk) * time.Second)
	processing := job.GenerationProcessing
	p.updateGeneration(ctx, j.GenerationID, job.GenerationPatch{
		Status:                &processing,
		CurrentStage:          stagePtr(job.StageProcessingChunks),
		ProgressPercentage:    intPtr(10),
		EstimatedCompletionAt: &eta,
	})
}

// recordCredits writes the sum of completed-chunk charges to the generation.
func (p *Pipeline) recordCredits(ctx context.Context, j *job.Job) {
	if j.GenerationID == "" {
		return
	}
	chunks, err := p.store.ChunksForJob(ctx, j.ID)
	if err != nil {
		p.logger.Warn("credit rollup read failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
		return
	}
	total := 0
	for _, c := range chunks {
		if c.Status == job.ChunkCompleted {
			total += c.CreditsCharged
		}
	}
	p.updateGeneration(ctx, j.GenerationID, job.GenerationPatch{CostCredits: &total})
}

// applyWatermark overlays the configured logo on demo-tier artifacts.
func (p *Pipeline) applyWatermark(ctx context.Context, j *job.Job, dir, finalPath string) (string, error) {
	if j.Tier != job.TierDemo || p.cfg.WatermarkURL == "" {
		return finalPath, nil
	}
	logoPath := filepath.Join(dir, "watermark"+filepath.Ext(p.cfg.WatermarkURL))
	if err := p.downloader.ToFile(ctx, p.cfg.WatermarkURL, logoPath); err != nil {
		return "", fmt.Errorf("pipeline: download watermark: %w", err)
	}
	marked := filepath.Join(dir, "final_watermarked.mp4")
	if err := p.runner.Overlay(ctx, finalPath, logoPath, marked); err != nil {
		return "", fmt.Errorf("pipeline: apply watermark: %w", err)
	}
	return marked, nil
}

func (p *Pipeline) updateGeneration(ctx context.Context, generationID string, patch job.GenerationPatch) {
	if generationID == "" {
		return
	}
	if err := p.store.UpdateGeneration(ctx, generationID, patch); err != nil {
		p.logger.Warn("update generation failed", slog.String("generation_id", generationID), slog.String("error", err.Error()))
	}
}

// persistArtifact copies the final file outside the scratch dir.
func persistArtifact(tempDir, src string) (string, error) {
	in, err := os.Open(src) // #nosec G304 - path is produced by trusted internal code
	if err != nil {
		return "", fmt.Errorf("pipeline: open final artifact: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.CreateTemp(tempDir, "final-*.mp4")
	if err != nil {
		return "", fmt.Errorf("pipeline: create persistent artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("pipeline: copy final artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("pipeline: close persistent artifact: %w", err)
	}
	return out.Name(), nil
}

func verifyNonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyArtifact, filepath.Base(path))
	}
	return nil
}

func intPtr(v int) *int               { return &v }
func stagePtr(s job.Stage) *job.Stage { return &s }
