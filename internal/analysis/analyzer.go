// Package analysis derives (sync offset, tempo, chunk duration) from a
// tracking video and a master audio track, persisting progress and results
// against the job and its generation rollup.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/beatsync/engine/internal/fetch"
	"github.com/beatsync/engine/internal/job"
	"github.com/beatsync/engine/internal/media"
)

// DebugJobID is the sentinel job ID that skips all persistence.
const DebugJobID = "debug"

// Sync-offset thresholds.
const (
	// alignmentWindow truncates both tracks before correlation; 15 seconds
	// is enough to locate the downbeat region.
	alignmentWindow = 15.0
	// fallbackOffsetCeiling: a primary offset below this triggers the
	// onset check.
	fallbackOffsetCeiling = 0.1
	// fallbackOnsetFloor: the onset replaces the offset only past this.
	fallbackOnsetFloor = 0.3
)

// ErrNoAudio is returned when an input carries no usable audio stream.
var ErrNoAudio = errors.New("analysis: input has no audio stream")

// OnsetDiagnostics records whether and why the onset fallback fired.
type OnsetDiagnostics struct {
	FallbackUsed  bool    `json:"fallback_used"`
	PrimaryOffset float64 `json:"primary_offset"`
	FirstOnset    float64 `json:"first_onset"`
	Reason        string  `json:"reason"`
}

// Result is the analyzer output.
type Result struct {
	SyncOffset          float64
	BPM                 float64
	ChunkDuration       float64
	MeasuresPerChunk    int
	CorrelationStrength float64
	// LibraryBPM is the estimator's tempo, kept for diagnostics even when
	// a user-declared tempo wins.
	LibraryBPM float64
	Onset      OnsetDiagnostics
}

// Request identifies the media to analyze. An empty or debug JobID skips
// persistence.
type Request struct {
	JobID    string
	VideoURL string
	AudioURL string
	UserBPM  float64
}

// Analyzer computes sync offset, tempo and chunk duration.
type Analyzer struct {
	store      job.Store
	runner     media.Runner
	downloader *fetch.Downloader
	logger     *slog.Logger
	tempDir    string
}

// New creates an Analyzer. store may be nil for persistence-free use.
func New(store job.Store, runner media.Runner, downloader *fetch.Downloader, logger *slog.Logger, tempDir string) *Analyzer {
	return &Analyzer{
		store:      store,
		runner:     runner,
		downloader: downloader,
		logger:     logger,
		tempDir:    tempDir,
	}
}

// Analyze runs the full analysis pass. Failures are persisted as
// analysis_status=FAILED with a truncated error before returning.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	a.persistStart(ctx, req.JobID)

	res, err := a.analyze(ctx, req)
	if err != nil {
		a.persistFailure(ctx, req.JobID, err)
		return nil, err
	}

	a.persistResult(ctx, req.JobID, res)
	return res, nil
}

func (a *Analyzer) analyze(ctx context.Context, req Request) (*Result, error) {
	dir, err := os.MkdirTemp(a.tempDir, "analysis-*")
	if err != nil {
		return nil, fmt.Errorf("analysis: create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	videoPath := filepath.Join(dir, "video.mp4")
	audioPath := filepath.Join(dir, "audio")
	if err := a.downloader.ToFile(ctx, req.VideoURL, videoPath); err != nil {
		return nil, fmt.Errorf("analysis: download video: %w", err)
	}
	if err := a.downloader.ToFile(ctx, req.AudioURL, audioPath); err != nil {
		return nil, fmt.Errorf("analysis: download audio: %w", err)
	}

	// Normalize the master to PCM WAV unless it already is one.
	masterWAV := audioPath
	if !strings.HasSuffix(strings.ToLower(req.AudioURL), ".wav") {
		masterWAV = filepath.Join(dir, "audio.wav")
		if err := a.runner.TranscodeToWAV(ctx, audioPath, masterWAV); err != nil {
			return nil, fmt.Errorf("analysis: normalize audio: %w", err)
		}
	}

	hasAudio, err := a.runner.ProbeHasAudio(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("analysis: probe video audio: %w", err)
	}
	if !hasAudio {
		return nil, fmt.Errorf("%w: tracking video", ErrNoAudio)
	}

	alignWAV := filepath.Join(dir, "video_audio.wav")
	if err := a.runner.ExtractAlignmentTrack(ctx, videoPath, alignWAV); err != nil {
		return nil, fmt.Errorf("analysis: extract alignment track: %w", err)
	}

	videoClip, err := media.DecodeWAVFile(alignWAV)
	if err != nil {
		return nil, fmt.Errorf("analysis: decode alignment track: %w", err)
	}
	masterClip, err := media.DecodeWAVFile(masterWAV)
	if errors.Is(err, media.ErrUnsupportedFormat) {
		// Mastered WAVs are often 24-bit or float; normalize through ffmpeg.
		normalized := filepath.Join(dir, "audio_pcm16.wav")
		if terr := a.runner.TranscodeToWAV(ctx, masterWAV, normalized); terr != nil {
			return nil, fmt.Errorf("analysis: normalize master audio: %w", terr)
		}
		masterClip, err = media.DecodeWAVFile(normalized)
	}
	if err != nil {
		return nil, fmt.Errorf("analysis: decode master audio: %w", err)
	}

	videoTrack := media.Resample(videoClip, media.AnalysisRate)
	masterTrack := media.Resample(masterClip, media.AnalysisRate)

	res := &Result{}
	res.SyncOffset, res.CorrelationStrength, res.Onset = a.computeOffset(videoTrack, masterTrack)

	// Tempo always gets a library estimate; a valid user BPM wins.
	res.LibraryBPM = media.EstimateTempo(media.OnsetEnvelope(masterTrack.Samples), media.AnalysisRate)
	res.BPM = res.LibraryBPM
	if req.UserBPM >= job.MinBPM && req.UserBPM <= job.MaxBPM {
		res.BPM = req.UserBPM
	}
	if res.BPM <= 0 {
		return nil, fmt.Errorf("analysis: could not determine tempo")
	}

	plan := ChunkDurationForBPM(res.BPM)
	res.ChunkDuration = plan.Duration
	res.MeasuresPerChunk = plan.MeasuresPerChunk

	a.logger.Info("analysis complete",
		slog.String("job_id", req.JobID),
		slog.Float64("sync_offset", res.SyncOffset),
		slog.Float64("bpm", res.BPM),
		slog.Float64("chunk_duration", res.ChunkDuration),
		slog.Bool("onset_fallback", res.Onset.FallbackUsed),
	)
	return res, nil
}

// computeOffset runs the primary cross-correlation over the first 15 s of
// both tracks and applies the onset fallback for near-zero offsets.
func (a *Analyzer) computeOffset(videoTrack, masterTrack *media.AudioClip) (float64, float64, OnsetDiagnostics) {
	v := &media.AudioClip{Samples: videoTrack.Samples, SampleRate: videoTrack.SampleRate}
	m := &media.AudioClip{Samples: masterTrack.Samples, SampleRate: masterTrack.SampleRate}
	v.Truncate(alignmentWindow)
	m.Truncate(alignmentWindow)

	lag, strength := media.CrossCorrelate(v.Samples, m.Samples)
	offset := float64(lag) / float64(media.AnalysisRate)

	diag := OnsetDiagnostics{PrimaryOffset: offset, Reason: "cross-correlation peak"}

	if math.Abs(offset) < fallbackOffsetCeiling {
		envelope := media.OnsetEnvelope(videoTrack.Samples)
		diag.FirstOnset = media.FirstOnset(envelope, media.AnalysisRate)
		if diag.FirstOnset > fallbackOnsetFloor {
			diag.FallbackUsed = true
			diag.Reason = fmt.Sprintf(
				"correlation offset %.3fs below %.1fs threshold, first onset at %.3fs",
				offset, fallbackOffsetCeiling, diag.FirstOnset)
			offset = diag.FirstOnset
		}
	}

	return offset, strength, diag
}

func (a *Analyzer) skipPersistence(jobID string) bool {
	return a.store == nil || jobID == "" || jobID == DebugJobID
}

func (a *Analyzer) persistStart(ctx context.Context, jobID string) {
	if a.skipPersistence(jobID) {
		return
	}
	running := job.AnalysisRunning
	if err := a.store.UpdateJob(ctx, jobID, job.JobPatch{AnalysisStatus: &running}); err != nil {
		a.logger.Warn("persist analysis start failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	a.updateGeneration(ctx, jobID, 5)
}

func (a *Analyzer) persistResult(ctx context.Context, jobID string, res *Result) {
	if a.skipPersistence(jobID) {
		return
	}
	done := job.AnalysisDone
	patch := job.JobPatch{
		AnalysisStatus: &done,
		SyncOffset:     &res.SyncOffset,
		BPM:            &res.BPM,
		ChunkDuration:  &res.ChunkDuration,
	}
	if err := a.store.UpdateJob(ctx, jobID, patch); err != nil {
		a.logger.Warn("persist analysis result failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	a.updateGeneration(ctx, jobID, 10)
}

func (a *Analyzer) persistFailure(ctx context.Context, jobID string, cause error) {
	if a.skipPersistence(jobID) {
		return
	}
	failed := job.AnalysisFailed
	msg := job.TruncateError(cause.Error())
	if err := a.store.UpdateJob(ctx, jobID, job.JobPatch{AnalysisStatus: &failed, ErrorMessage: &msg}); err != nil {
		a.logger.Warn("persist analysis failure failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

func (a *Analyzer) updateGeneration(ctx context.Context, jobID string, progress int) {
	j, err := a.store.GetJob(ctx, jobID)
	if err != nil || j.GenerationID == "" {
		return
	}
	stage := job.StageAnalyzing
	if err := a.store.UpdateGeneration(ctx, j.GenerationID, job.GenerationPatch{
		CurrentStage:       &stage,
		ProgressPercentage: &progress,
	}); err != nil {
		a.logger.Warn("update generation failed", slog.String("generation_id", j.GenerationID), slog.String("error", err.Error()))
	}
}
