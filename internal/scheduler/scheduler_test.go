package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatsync/engine/internal/job"
	"github.com/beatsync/engine/internal/storage"
)

// fakeProducer returns a fresh artifact file per job, optionally blocking on
// a release channel or failing outright.
type fakeProducer struct {
	mu      sync.Mutex
	tempDir string
	ran     []string
	err     error
	release chan struct{}
}

func (f *fakeProducer) Run(_ context.Context, j *job.Job) (string, error) {
	f.mu.Lock()
	f.ran = append(f.ran, j.ID)
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.tempDir, fmt.Sprintf("final-%s.mp4", j.ID))
	if err := os.WriteFile(path, []byte("final-artifact"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeProducer) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ran)
}

type fixture struct {
	store    *job.MemoryStore
	producer *fakeProducer
	objects  *storage.LocalStore
	s        *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := job.NewMemoryStore()
	producer := &fakeProducer{tempDir: t.TempDir()}
	objects, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &fixture{
		store:    store,
		producer: producer,
		objects:  objects,
		s:        New(store, producer, objects, logger, cfg),
	}
}

func seedJob(t *testing.T, fx *fixture, id string, withGeneration bool) {
	t.Helper()
	ctx := t.Context()
	j := &job.Job{
		ID:             id,
		Tier:           job.TierLabel,
		UserVideoURL:   "http://example/video.mp4",
		MasterAudioURL: "http://example/master.wav",
		TargetImages:   []string{"http://example/a.png"},
		Status:         job.StatusPending,
	}
	if withGeneration {
		j.GenerationID = "gen-" + id
		require.NoError(t, fx.store.CreateGeneration(ctx, &job.Generation{
			ID:     j.GenerationID,
			Status: job.GenerationPending,
		}))
	}
	require.NoError(t, fx.store.CreateJob(ctx, j))
}

func TestTick_ClaimsAtMostOneJob(t *testing.T) {
	fx := newFixture(t, Config{MaxConcurrentJobs: 5})
	fx.producer.release = make(chan struct{})
	for i := 0; i < 3; i++ {
		seedJob(t, fx, fmt.Sprintf("job-%d", i), false)
	}

	fx.s.Tick(t.Context())

	// Plenty of capacity, but a tick dispatches a single job.
	processing, err := fx.store.CountProcessing(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, processing)

	close(fx.producer.release)
	fx.s.Wait()
	assert.Equal(t, 1, fx.producer.runCount())
}

func TestTick_CapacityGate(t *testing.T) {
	fx := newFixture(t, Config{MaxConcurrentJobs: 5})
	fx.store.SetMaxConcurrentJobs(2)
	fx.producer.release = make(chan struct{})
	for i := 0; i < 3; i++ {
		seedJob(t, fx, fmt.Sprintf("job-%d", i), false)
	}

	fx.s.Tick(t.Context())
	fx.s.Tick(t.Context())
	fx.s.Tick(t.Context())

	// Store-owned limit wins over the fallback: two in flight, one left
	// pending until a slot frees up.
	processing, err := fx.store.CountProcessing(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, processing)

	close(fx.producer.release)
	fx.s.Wait()
	assert.Equal(t, 2, fx.producer.runCount())
}

func TestTick_NothingToClaim(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.s.Tick(t.Context())
	fx.s.Wait()
	assert.Zero(t, fx.producer.runCount())
}

func TestProcess_SuccessRecordsTerminalState(t *testing.T) {
	fx := newFixture(t, Config{})
	seedJob(t, fx, "job-ok", true)

	fx.s.Tick(t.Context())
	fx.s.Wait()

	j, err := fx.store.GetJob(t.Context(), "job-ok")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Contains(t, j.OutputURL, "outputs/gen-job-ok/final.mp4")

	g, err := fx.store.GetGeneration(t.Context(), "gen-job-ok")
	require.NoError(t, err)
	assert.Equal(t, job.GenerationCompleted, g.Status)
	assert.Equal(t, job.StageCompleted, g.CurrentStage)
	assert.Equal(t, 100, g.ProgressPercentage)
	assert.Equal(t, j.OutputURL, g.FinalOutputPath)
	assert.NotNil(t, g.CompletedAt)

	// The final artifact landed in the outputs namespace.
	data, err := os.ReadFile(filepath.Join(fx.objects.Root(), "outputs", "gen-job-ok", "final.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "final-artifact", string(data))
}

func TestProcess_FailureRecordsError(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.producer.err = errors.New("ffmpeg exploded")
	seedJob(t, fx, "job-bad", true)

	fx.s.Tick(t.Context())
	fx.s.Wait()

	j, err := fx.store.GetJob(t.Context(), "job-bad")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "ffmpeg exploded")

	g, err := fx.store.GetGeneration(t.Context(), "gen-job-bad")
	require.NoError(t, err)
	assert.Equal(t, job.GenerationFailed, g.Status)
	assert.Contains(t, g.ErrorMessage, "ffmpeg exploded")
}

func TestProcess_CancelledBeforeDispatch(t *testing.T) {
	fx := newFixture(t, Config{})
	seedJob(t, fx, "job-c", true)
	cancelled := job.GenerationCancelled
	require.NoError(t, fx.store.UpdateGeneration(t.Context(), "gen-job-c",
		job.GenerationPatch{Status: &cancelled}))

	fx.s.Tick(t.Context())
	fx.s.Wait()

	// The pipeline never started.
	assert.Zero(t, fx.producer.runCount())

	j, err := fx.store.GetJob(t.Context(), "job-c")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.CancelledByUser, j.ErrorMessage)

	status, err := fx.store.GenerationStatus(t.Context(), "gen-job-c")
	require.NoError(t, err)
	assert.Equal(t, job.GenerationCancelled, status)
}

func TestProcess_CancelledMidRun(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.producer.err = fmt.Errorf("pipeline: %w", job.ErrCancelled)
	seedJob(t, fx, "job-m", true)
	// Simulate the user cancelling while the pipeline was running.
	cancelled := job.GenerationCancelled
	seedThenCancel := func() {
		require.NoError(t, fx.store.UpdateGeneration(t.Context(), "gen-job-m",
			job.GenerationPatch{Status: &cancelled}))
	}

	fx.s.Tick(t.Context())
	seedThenCancel()
	fx.s.Wait()

	j, err := fx.store.GetJob(t.Context(), "job-m")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.CancelledByUser, j.ErrorMessage)

	// The failed rollup never overwrites the cancellation.
	status, err := fx.store.GenerationStatus(t.Context(), "gen-job-m")
	require.NoError(t, err)
	assert.Equal(t, job.GenerationCancelled, status)
}

func TestProcess_CleansUpInputObjects(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := t.Context()

	videoKey := storage.InputKey("gen-job-in", "video.mp4")
	audioKey := storage.InputKey("gen-job-in", "master.wav")
	require.NoError(t, storage.Put(ctx, fx.objects, videoKey, []byte("v"), "video/mp4"))
	require.NoError(t, storage.Put(ctx, fx.objects, audioKey, []byte("a"), "audio/wav"))
	videoURL, err := fx.objects.SignedURL(ctx, videoKey, storage.SignedURLTTL)
	require.NoError(t, err)
	audioURL, err := fx.objects.SignedURL(ctx, audioKey, storage.SignedURLTTL)
	require.NoError(t, err)

	j := &job.Job{
		ID:             "job-in",
		Tier:           job.TierLabel,
		UserVideoURL:   videoURL,
		MasterAudioURL: audioURL,
		TargetImages:   []string{"http://external/a.png"},
		GenerationID:   "gen-job-in",
		Status:         job.StatusPending,
	}
	require.NoError(t, fx.store.CreateJob(ctx, j))
	require.NoError(t, fx.store.CreateGeneration(ctx, &job.Generation{ID: "gen-job-in", Status: job.GenerationPending}))

	fx.s.Tick(ctx)
	fx.s.Wait()

	_, err = os.Stat(filepath.Join(fx.objects.Root(), videoKey))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(fx.objects.Root(), audioKey))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	fx := newFixture(t, Config{Tick: time.Millisecond})
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		fx.s.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}

func TestInputKeyFromURL(t *testing.T) {
	key, ok := inputKeyFromURL("file:///data/objects/inputs/gen-1/video.mp4?expires=123")
	require.True(t, ok)
	assert.Equal(t, "inputs/gen-1/video.mp4", key)

	_, ok = inputKeyFromURL("https://cdn.example.com/user-upload.mp4")
	assert.False(t, ok)
}
