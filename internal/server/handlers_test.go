package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatsync/engine/internal/analysis"
	"github.com/beatsync/engine/internal/job"
	"github.com/beatsync/engine/internal/preview"
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

type fakePreviewer struct {
	result *preview.Response
	err    error
	got    preview.Request
}

func (f *fakePreviewer) Generate(_ context.Context, req preview.Request) (*preview.Response, error) {
	f.got = req
	return f.result, f.err
}

func newTestServer(t *testing.T, an Analyzer, pv Previewer, store job.Store, opts ...HandlerOption) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := NewHandlers(an, pv, store, logger, opts...)
	srv := httptest.NewServer(NewRouter(h, logger, DefaultConfig()))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeAnalyzer{}, &fakePreviewer{}, job.NewMemoryStore())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
}

func TestAnalyze(t *testing.T) {
	an := &fakeAnalyzer{result: &analysis.Result{
		SyncOffset:    2.0,
		BPM:           120,
		ChunkDuration: 8.0,
		Onset:         analysis.OnsetDiagnostics{Reason: "cross-correlation peak"},
	}}
	srv := newTestServer(t, an, &fakePreviewer{}, job.NewMemoryStore())

	resp := postJSON(t, srv.URL+"/analyze", AnalyzeRequest{
		Video: "http://media.example/video.mp4",
		Audio: "http://media.example/master.wav",
		JobID: "job-1",
		BPM:   120,
	}, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[AnalyzeResponse](t, resp)
	assert.Equal(t, "completed", body.Status)
	assert.Equal(t, "job-1", body.JobID)
	assert.Equal(t, 2.0, body.SyncOffset)
	assert.Equal(t, 120.0, body.BPM)
	assert.Equal(t, 8.0, body.ChunkDuration)
	assert.Equal(t, "cross-correlation peak", body.Analysis.OnsetDetection.Reason)

	assert.Equal(t, "job-1", an.got.JobID)
	assert.Equal(t, 120.0, an.got.UserBPM)
}

func TestAnalyze_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  AnalyzeRequest
	}{
		{"missing video", AnalyzeRequest{Audio: "http://m/a.wav"}},
		{"missing audio", AnalyzeRequest{Video: "http://m/v.mp4"}},
		{"not a url", AnalyzeRequest{Video: "not-a-url", Audio: "http://m/a.wav"}},
		{"bpm out of range", AnalyzeRequest{Video: "http://m/v.mp4", Audio: "http://m/a.wav", BPM: 500}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeAnalyzer{}, &fakePreviewer{}, job.NewMemoryStore())
			resp := postJSON(t, srv.URL+"/analyze", tt.req, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestAnalyze_FailureIs500(t *testing.T) {
	an := &fakeAnalyzer{err: assert.AnError}
	srv := newTestServer(t, an, &fakePreviewer{}, job.NewMemoryStore())

	resp := postJSON(t, srv.URL+"/analyze", AnalyzeRequest{
		Video: "http://m/v.mp4",
		Audio: "http://m/a.wav",
	}, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAnalyze_SharedSecret(t *testing.T) {
	an := &fakeAnalyzer{result: &analysis.Result{BPM: 100, ChunkDuration: 8}}
	srv := newTestServer(t, an, &fakePreviewer{}, job.NewMemoryStore(), WithSharedSecret("s3cret"))

	req := AnalyzeRequest{Video: "http://m/v.mp4", Audio: "http://m/a.wav"}

	resp := postJSON(t, srv.URL+"/analyze", req, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/analyze", req, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/analyze", req, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPreview_AcceptsBothFieldNames(t *testing.T) {
	pv := &fakePreviewer{result: &preview.Response{NumChunks: 2}}
	srv := newTestServer(t, &fakeAnalyzer{}, pv, job.NewMemoryStore())

	resp := postJSON(t, srv.URL+"/preview", map[string]any{
		"video":      "http://m/v.mp4",
		"audio":      "http://m/a.wav",
		"image_urls": []string{"http://img/a.png"},
	}, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[PreviewResponse](t, resp)
	assert.Equal(t, 2, body.NumChunks)
	assert.Equal(t, "http://m/v.mp4", pv.got.VideoURL)
	assert.Equal(t, []string{"http://img/a.png"}, pv.got.ImageURLs)
}

func TestPreview_MissingMedia(t *testing.T) {
	srv := newTestServer(t, &fakeAnalyzer{}, &fakePreviewer{}, job.NewMemoryStore())

	resp := postJSON(t, srv.URL+"/preview", map[string]any{"audio_url": "http://m/a.wav"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/preview", map[string]any{"video_url": "http://m/v.mp4"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func seedProcessingChunk(t *testing.T, store *job.MemoryStore, requestID string) *job.Chunk {
	t.Helper()
	c := &job.Chunk{
		ID:             "job-1-chunk-0",
		JobID:          "job-1",
		Index:          0,
		Status:         job.ChunkProcessing,
		SynthRequestID: requestID,
	}
	require.NoError(t, store.InsertChunk(t.Context(), c))
	return c
}

func TestSynthWebhook_RecordsCompletion(t *testing.T) {
	store := job.NewMemoryStore()
	seedProcessingChunk(t, store, "req-42")
	srv := newTestServer(t, &fakeAnalyzer{}, &fakePreviewer{}, store)

	resp := postJSON(t, srv.URL+"/webhooks/synth", map[string]any{
		"request_id": "req-42",
		"status":     "OK",
		"payload":    map[string]any{"video": map[string]any{"url": "https://synth.example/out.mp4"}},
	}, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[WebhookResponse](t, resp)
	assert.Equal(t, "recorded", body.Status)

	c, err := store.FindChunkBySynthRequestID(t.Context(), "req-42")
	require.NoError(t, err)
	assert.Equal(t, "https://synth.example/out.mp4", c.SynthVideoURL)
	require.NotNil(t, c.SynthCompletedAt)
	assert.WithinDuration(t, time.Now(), *c.SynthCompletedAt, time.Minute)
}

func TestSynthWebhook_GatewayRequestID(t *testing.T) {
	store := job.NewMemoryStore()
	seedProcessingChunk(t, store, "req-77")
	srv := newTestServer(t, &fakeAnalyzer{}, &fakePreviewer{}, store)

	resp := postJSON(t, srv.URL+"/webhooks/synth", map[string]any{
		"gateway_request_id": "req-77",
		"status":             "COMPLETED",
		"payload":            map[string]any{"video": "https://synth.example/out.mp4"},
	}, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	c, err := store.FindChunkBySynthRequestID(t.Context(), "req-77")
	require.NoError(t, err)
	assert.Equal(t, "https://synth.example/out.mp4", c.SynthVideoURL)
}

func TestSynthWebhook_SettledChunkIgnored(t *testing.T) {
	store := job.NewMemoryStore()
	c := seedProcessingChunk(t, store, "req-9")
	c.Status = job.ChunkCompleted
	c.SynthVideoURL = "https://synth.example/original.mp4"
	require.NoError(t, store.UpdateChunk(t.Context(), c))
	srv := newTestServer(t, &fakeAnalyzer{}, &fakePreviewer{}, store)

	resp := postJSON(t, srv.URL+"/webhooks/synth", map[string]any{
		"request_id": "req-9",
		"status":     "OK",
		"payload":    map[string]any{"video": map[string]any{"url": "https://synth.example/late.mp4"}},
	}, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[WebhookResponse](t, resp)
	assert.Equal(t, "ignored", body.Status)

	got, err := store.FindChunkBySynthRequestID(t.Context(), "req-9")
	require.NoError(t, err)
	assert.Equal(t, "https://synth.example/original.mp4", got.SynthVideoURL)
}

func TestSynthWebhook_UnknownRequest(t *testing.T) {
	srv := newTestServer(t, &fakeAnalyzer{}, &fakePreviewer{}, job.NewMemoryStore())

	resp := postJSON(t, srv.URL+"/webhooks/synth", map[string]any{
		"request_id": "req-unknown",
		"status":     "OK",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSynthWebhook_MissingRequestID(t *testing.T) {
	srv := newTestServer(t, &fakeAnalyzer{}, &fakePreviewer{}, job.NewMemoryStore())

	resp := postJSON(t, srv.URL+"/webhooks/synth", map[string]any{"status": "OK"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &fakeAnalyzer{}, &fakePreviewer{}, job.NewMemoryStore())

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/analyze", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
