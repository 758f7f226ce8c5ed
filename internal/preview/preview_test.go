package preview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatsync/engine/internal/analysis"
	"github.com/beatsync/engine/internal/fetch"
	"github.com/beatsync/engine/internal/storage"

	"log/slog"
)

type fakeAnalyzer struct {
	result *analysis.Result
	err    error
	got    analysis.Request
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req analysis.Request) (*analysis.Result, error) {
	f.got = req
	return f.result, f.err
}

type window struct{ start, duration float64 }

// fakeRunner probes canned durations and writes empty slice files while
// recording the requested windows.
type fakeRunner struct {
	videoDuration float64
	audioDuration float64
	videoSlices   []window
	audioSlices   []window
}

func (f *fakeRunner) ProbeDuration(_ context.Context, path string) (float64, error) {
	if strings.Contains(path, "source_video") {
		return f.videoDuration, nil
	}
	return f.audioDuration, nil
}
func (f *fakeRunner) ProbeHasVideo(context.Context, string) (bool, error) { return true, nil }
func (f *fakeRunner) ProbeHasAudio(context.Context, string) (bool, error) { return true, nil }
func (f *fakeRunner) TrimVideoHead(context.Context, string, string, float64) error {
	return nil
}
func (f *fakeRunner) TrimAudioHead(context.Context, string, string, float64) error {
	return nil
}
func (f *fakeRunner) SliceVideo(context.Context, string, string, float64, float64) error {
	return nil
}
func (f *fakeRunner) SliceCopy(_ context.Context, _, dst string, start, duration float64) error {
	f.videoSlices = append(f.videoSlices, window{start, duration})
	return os.WriteFile(dst, []byte("video-slice"), 0o644)
}
func (f *fakeRunner) ExtractAudioSlice(_ context.Context, _, dst string, start, duration float64) error {
	f.audioSlices = append(f.audioSlices, window{start, duration})
	return os.WriteFile(dst, []byte("audio-slice"), 0o644)
}
func (f *fakeRunner) ExtractAlignmentTrack(context.Context, string, string) error { return nil }
func (f *fakeRunner) TranscodeToWAV(context.Context, string, string) error        { return nil }
func (f *fakeRunner) Mux(context.Context, string, string, string) error           { return nil }
func (f *fakeRunner) Concat(context.Context, []string, string) error              { return nil }
func (f *fakeRunner) Overlay(context.Context, string, string, string) error       { return nil }

func newService(t *testing.T, an Analyzer, runner *fakeRunner) (*Service, *storage.LocalStore) {
	t.Helper()
	objects, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(an, runner, fetch.NewDownloader(), objects, logger, t.TempDir()), objects
}

func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerate_GridAndTiming(t *testing.T) {
	an := &fakeAnalyzer{result: &analysis.Result{
		SyncOffset:    2.0,
		BPM:           120,
		ChunkDuration: 8.0,
	}}
	runner := &fakeRunner{videoDuration: 16.0, audioDuration: 20.0}
	svc, _ := newService(t, an, runner)
	srv := mediaServer(t)

	resp, err := svc.Generate(t.Context(), Request{
		VideoURL:     srv.URL + "/video.mp4",
		AudioURL:     srv.URL + "/master.wav",
		ImageURLs:    []string{"http://img/a.png", "http://img/b.png"},
		GenerationID: "gen-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 16.0, resp.VideoDuration)
	assert.Equal(t, 20.0, resp.AudioDuration)
	assert.Equal(t, 2, resp.NumChunks)
	require.Len(t, resp.Chunks, 2)

	c0, c1 := resp.Chunks[0], resp.Chunks[1]
	assert.Equal(t, 0.0, c0.VideoStartTime)
	assert.Equal(t, 8.0, c0.VideoEndTime)
	assert.Equal(t, 2.0, c0.AudioStartTime)
	assert.Equal(t, 10.0, c0.AudioEndTime)
	assert.Equal(t, 8.0, c1.VideoStartTime)
	assert.Equal(t, 16.0, c1.VideoEndTime)
	assert.Equal(t, 10.0, c1.AudioStartTime)

	// Images rotate across chunks.
	require.NotNil(t, c0.ImageIndex)
	assert.Equal(t, 0, *c0.ImageIndex)
	assert.Equal(t, "http://img/a.png", *c0.ImageURL)
	require.NotNil(t, c1.ImageIndex)
	assert.Equal(t, 1, *c1.ImageIndex)

	assert.Contains(t, c0.VideoChunkURL, "chunk_previews/gen-1/")
	assert.Contains(t, c0.AudioChunkURL, "audio_chunk_000.wav")

	// Audio always cuts a full chunk duration; the video tail is clamped.
	require.Len(t, runner.videoSlices, 2)
	assert.Equal(t, window{0, 8}, runner.videoSlices[0])
	require.Len(t, runner.audioSlices, 2)
	assert.Equal(t, window{2, 8}, runner.audioSlices[0])
	assert.Equal(t, window{10, 8}, runner.audioSlices[1])

	assert.Equal(t, analysis.DebugJobID, an.got.JobID)
}

func TestGenerate_ShortTailKept(t *testing.T) {
	// 10s video over 8s chunks: the 2s tail stays in previews.
	an := &fakeAnalyzer{result: &analysis.Result{ChunkDuration: 8.0}}
	runner := &fakeRunner{videoDuration: 10.0, audioDuration: 10.0}
	svc, _ := newService(t, an, runner)
	srv := mediaServer(t)

	resp, err := svc.Generate(t.Context(), Request{
		VideoURL: srv.URL + "/v",
		AudioURL: srv.URL + "/a",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.NumChunks)
	assert.Equal(t, 10.0, resp.Chunks[1].VideoEndTime)
	assert.Equal(t, window{8, 2}, runner.videoSlices[1])
	// No generation namespace falls back to temp.
	assert.Contains(t, resp.Chunks[0].VideoChunkURL, "chunk_previews/temp/")
	// No images requested leaves the optional fields null.
	assert.Nil(t, resp.Chunks[0].ImageURL)
	assert.Nil(t, resp.Chunks[0].ImageIndex)
}

func TestGenerate_UploadsSlices(t *testing.T) {
	an := &fakeAnalyzer{result: &analysis.Result{ChunkDuration: 8.0}}
	runner := &fakeRunner{videoDuration: 8.0, audioDuration: 8.0}
	svc, objects := newService(t, an, runner)
	srv := mediaServer(t)

	_, err := svc.Generate(t.Context(), Request{
		VideoURL:     srv.URL + "/v",
		AudioURL:     srv.URL + "/a",
		GenerationID: "gen-2",
	})
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(objects.Root(), "chunk_previews", "gen-2", "*", "video_chunk_000.mp4"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "video-slice", string(data))
}

func TestGenerate_AnalysisFailure(t *testing.T) {
	an := &fakeAnalyzer{err: assert.AnError}
	svc, _ := newService(t, an, &fakeRunner{})
	srv := mediaServer(t)

	_, err := svc.Generate(t.Context(), Request{
		VideoURL: srv.URL + "/v",
		AudioURL: srv.URL + "/a",
	})
	assert.ErrorIs(t, err, assert.AnError)
}
