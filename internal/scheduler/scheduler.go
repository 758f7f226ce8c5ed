// Package scheduler drives the job queue: each tick it claims at most one
// dispatchable job, capacity permitting, and runs it through the production
// pipeline on its own goroutine, strictly one chunk at a time within a job.
// Ramp-up is paced by the tick period.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/beatsync/engine/internal/job"
	"github.com/beatsync/engine/internal/storage"
)

const (
	// DefaultTick is the queue polling period.
	DefaultTick = 10 * time.Second
	// DefaultMaxConcurrentJobs is the capacity fallback when the store
	// carries no max_concurrent_jobs setting.
	DefaultMaxConcurrentJobs = 3
	// jobDeadline bounds a single job end to end; sized for the industry
	// tier ceiling.
	jobDeadline = 30 * time.Minute
)

// Producer runs one claimed job to completion and returns the local path of
// the final artifact. The scheduler owns uploading and terminal recording.
type Producer interface {
	Run(ctx context.Context, j *job.Job) (string, error)
}

// Config carries the scheduler's static settings.
type Config struct {
	// Tick overrides the polling period; zero means DefaultTick.
	Tick time.Duration
	// MaxConcurrentJobs is the capacity fallback; zero means the default.
	MaxConcurrentJobs int
}

// Scheduler claims and dispatches jobs.
type Scheduler struct {
	store    job.Store
	producer Producer
	objects  storage.Store
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	wg sync.WaitGroup
}

// New creates a Scheduler.
func New(store job.Store, producer Producer, objects storage.Store, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	return &Scheduler{
		store:    store,
		producer: producer,
		objects:  objects,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		slog.Duration("tick", s.cfg.Tick),
		slog.Int("max_concurrent_jobs", s.cfg.MaxConcurrentJobs),
	)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for in-flight jobs")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Wait blocks until every dispatched job has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick claims at most one dispatchable job, capacity permitting, and starts
// a worker goroutine for it. One claim per tick keeps ramp-up gradual.
func (s *Scheduler) Tick(ctx context.Context) {
	limit := s.store.MaxConcurrentJobs(ctx, s.cfg.MaxConcurrentJobs)

	processing, err := s.store.CountProcessing(ctx)
	if err != nil {
		s.logger.Error("count processing failed", slog.String("error", err.Error()))
		return
	}
	if processing >= limit {
		return
	}

	j, err := s.store.ClaimNextJob(ctx)
	if errors.Is(err, job.ErrJobNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("claim failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Info("job claimed",
		slog.String("job_id", j.ID),
		slog.String("tier", string(j.Tier)),
		slog.Bool("is_first_time", j.IsFirstTime),
	)

	s.wg.Add(1)
	go func(claimed *job.Job) {
		defer s.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobDeadline)
		defer cancel()
		s.process(runCtx, claimed)
	}(j)
}

// process runs one claimed job to a terminal state.
func (s *Scheduler) process(ctx context.Context, j *job.Job) {
	// A cancellation between enqueue and claim must not start the pipeline.
	if s.generationCancelled(ctx, j.GenerationID) {
		s.logger.Info("job cancelled before dispatch", slog.String("job_id", j.ID))
		s.markFailed(ctx, j, job.CancelledByUser)
		return
	}

	finalPath, err := s.producer.Run(ctx, j)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, job.ErrCancelled) {
			msg = job.CancelledByUser
		}
		s.logger.Error("job failed", slog.String("job_id", j.ID), slog.String("error", msg))
		s.markFailed(ctx, j, msg)
		return
	}
	defer func() { _ = os.Remove(finalPath) }()

	outputURL, err := s.publishFinal(ctx, j, finalPath)
	if err != nil {
		s.logger.Error("final upload failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
		s.markFailed(ctx, j, fmt.Sprintf("final upload failed: %s", err))
		return
	}

	s.markCompleted(ctx, j, outputURL)
	s.cleanupInputs(ctx, j)
	s.logger.Info("job completed", slog.String("job_id", j.ID), slog.String("output_url", outputURL))
}

// publishFinal uploads the stitched artifact and returns its signed URL.
func (s *Scheduler) publishFinal(ctx context.Context, j *job.Job, path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is produced by trusted internal code
	if err != nil {
		return "", fmt.Errorf("read final artifact: %w", err)
	}
	owner := j.GenerationID
	if owner == "" {
		owner = j.ID
	}
	key := storage.OutputFinalKey(owner)
	if err := storage.Put(ctx, s.objects, key, data, "video/mp4"); err != nil {
		return "", fmt.Errorf("upload final artifact: %w", err)
	}
	return s.objects.SignedURL(ctx, key, storage.SignedURLTTL)
}

func (s *Scheduler) markCompleted(ctx context.Context, j *job.Job, outputURL string) {
	completed := job.StatusCompleted
	if err := s.store.UpdateJob(ctx, j.ID, job.JobPatch{Status: &completed, OutputURL: &outputURL}); err != nil {
		s.logger.Error("mark job completed failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
	}
	if j.GenerationID == "" {
		return
	}
	doneAt := s.now().UTC()
	status := job.GenerationCompleted
	stage := job.StageCompleted
	progress := 100
	if err := s.store.UpdateGeneration(ctx, j.GenerationID, job.GenerationPatch{
		Status:             &status,
		CurrentStage:       &stage,
		ProgressPercentage: &progress,
		FinalOutputPath:    &outputURL,
		CompletedAt:        &doneAt,
	}); err != nil {
		s.logger.Error("mark generation completed failed", slog.String("generation_id", j.GenerationID), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) markFailed(ctx context.Context, j *job.Job, msg string) {
	failed := job.StatusFailed
	truncated := job.TruncateError(msg)
	if err := s.store.UpdateJob(ctx, j.ID, job.JobPatch{Status: &failed, ErrorMessage: &truncated}); err != nil {
		s.logger.Error("mark job failed failed", slog.String("job_id", j.ID), slog.String("error", err.Error()))
	}
	if j.GenerationID == "" {
		return
	}
	// A cancelled generation keeps its status; the store enforces that.
	status := job.GenerationFailed
	if err := s.store.UpdateGeneration(ctx, j.GenerationID, job.GenerationPatch{
		Status:       &status,
		ErrorMessage: &truncated,
	}); err != nil {
		s.logger.Error("mark generation failed failed", slog.String("generation_id", j.GenerationID), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) generationCancelled(ctx context.Context, generationID string) bool {
	if generationID == "" {
		return false
	}
	status, err := s.store.GenerationStatus(ctx, generationID)
	if err != nil {
		return false
	}
	return status == job.GenerationCancelled
}

// cleanupInputs best-effort deletes input objects once a job has completed.
// Only URLs that point into the inputs namespace are touched.
func (s *Scheduler) cleanupInputs(ctx context.Context, j *job.Job) {
	urls := append([]string{j.UserVideoURL, j.MasterAudioURL}, j.TargetImages...)
	for _, u := range urls {
		key, ok := inputKeyFromURL(u)
		if !ok {
			continue
		}
		if err := s.objects.Delete(ctx, key); err != nil {
			s.logger.Warn("input cleanup failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

// inputKeyFromURL extracts the inputs/ object key out of a signed URL.
func inputKeyFromURL(u string) (string, bool) {
	idx := strings.Index(u, storage.InputsPrefix+"/")
	if idx < 0 {
		return "", false
	}
	key := u[idx:]
	if q := strings.IndexByte(key, '?'); q >= 0 {
		key = key[:q]
	}
	return key, true
}
