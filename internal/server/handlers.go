package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/beatsync/engine/internal/analysis"
	"github.com/beatsync/engine/internal/job"
	"github.com/beatsync/engine/internal/preview"
)

// Analyzer is the slice of the analysis service the handlers need.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error)
}

// Previewer is the slice of the preview service the handlers need.
type Previewer interface {
	Generate(ctx context.Context, req preview.Request) (*preview.Response, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	analyzer     Analyzer
	previewer    Previewer
	store        job.Store
	validator    *validator.Validate
	logger       *slog.Logger
	sharedSecret string
	now          func() time.Time
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithSharedSecret gates POST /analyze and POST /preview behind a bearer
// token. Empty leaves the endpoints open.
func WithSharedSecret(secret string) HandlerOption {
	return func(h *Handlers) {
		h.sharedSecret = secret
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(analyzer Analyzer, previewer Previewer, store job.Store, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		analyzer:  analyzer,
		previewer: previewer,
		store:     store,
		validator: validator.New(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Analyze handles POST /analyze requests.
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token", "UNAUTHORIZED")
		return
	}

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	res, err := h.analyzer.Analyze(r.Context(), analysis.Request{
		JobID:    req.JobID,
		VideoURL: req.Video,
		AudioURL: req.Audio,
		UserBPM:  req.BPM,
	})
	if err != nil {
		h.logger.Error("analysis failed",
			slog.String("job_id", req.JobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, job.TruncateError(err.Error()), "ANALYSIS_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, AnalyzeResponse{
		Status:        "completed",
		JobID:         req.JobID,
		SyncOffset:    res.SyncOffset,
		BPM:           res.BPM,
		ChunkDuration: res.ChunkDuration,
		Analysis:      AnalysisDetails{OnsetDetection: res.Onset},
	})
}

// Preview handles POST /preview requests.
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token", "UNAUTHORIZED")
		return
	}

	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	videoURL := req.EffectiveVideoURL()
	audioURL := req.EffectiveAudioURL()
	if videoURL == "" {
		writeError(w, http.StatusBadRequest, "missing required field: video_url or video", "VALIDATION_ERROR")
		return
	}
	if audioURL == "" {
		writeError(w, http.StatusBadRequest, "missing required field: audio_url or audio", "VALIDATION_ERROR")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	resp, err := h.previewer.Generate(r.Context(), preview.Request{
		VideoURL:     videoURL,
		AudioURL:     audioURL,
		ImageURLs:    req.ImageURLs,
		GenerationID: req.GenerationID,
		UserBPM:      req.BPM,
	})
	if err != nil {
		h.logger.Error("preview generation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, job.TruncateError(err.Error()), "PREVIEW_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// SynthWebhook handles POST /webhooks/synth, the synthesis service's
// out-of-band completion callback. The poller usually wins the race; a
// webhook for an already-terminal chunk is a benign duplicate.
func (h *Handlers) SynthWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	requestID := req.EffectiveRequestID()
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required", "VALIDATION_ERROR")
		return
	}

	chunk, err := h.store.FindChunkBySynthRequestID(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, job.ErrChunkNotFound) {
			writeError(w, http.StatusNotFound, "no chunk for request id", "CHUNK_NOT_FOUND")
			return
		}
		h.logger.Error("webhook chunk lookup failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "chunk lookup failed", "LOOKUP_FAILED")
		return
	}

	if chunk.Status != job.ChunkProcessing {
		h.logger.Info("webhook for settled chunk ignored",
			slog.String("chunk_id", chunk.ID),
			slog.String("status", string(chunk.Status)),
		)
		writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", ChunkID: chunk.ID})
		return
	}

	if !webhookSucceeded(req.Status) {
		h.logger.Warn("synthesis webhook reported failure",
			slog.String("chunk_id", chunk.ID),
			slog.String("status", req.Status),
			slog.String("error", req.Error),
		)
		// The poller owns failure handling; just acknowledge.
		writeJSON(w, http.StatusOK, WebhookResponse{Status: "acknowledged", ChunkID: chunk.ID})
		return
	}

	videoURL := extractWebhookVideoURL(req.Payload)
	completedAt := h.now().UTC()
	chunk.SynthCompletedAt = &completedAt
	if videoURL != "" {
		chunk.SynthVideoURL = videoURL
	}
	if err := h.store.UpdateChunk(r.Context(), chunk); err != nil {
		h.logger.Error("webhook chunk update failed",
			slog.String("chunk_id", chunk.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "chunk update failed", "UPDATE_FAILED")
		return
	}

	h.logger.Info("synthesis completion recorded via webhook",
		slog.String("chunk_id", chunk.ID),
		slog.String("request_id", requestID),
	)
	writeJSON(w, http.StatusOK, WebhookResponse{Status: "recorded", ChunkID: chunk.ID})
}

// authorized enforces the optional shared-secret bearer token.
func (h *Handlers) authorized(r *http.Request) bool {
	if h.sharedSecret == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	return ok && token == h.sharedSecret
}

// webhookSucceeded maps the service's terminal status vocabulary.
func webhookSucceeded(status string) bool {
	switch strings.ToUpper(status) {
	case "OK", "COMPLETED", "SUCCESS":
		return true
	}
	return false
}

// extractWebhookVideoURL pulls the result URL out of the callback payload.
// The video field arrives as either an object with a url or a bare string.
func extractWebhookVideoURL(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var body struct {
		Video json.RawMessage `json:"video"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Video) == 0 {
		return ""
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body.Video, &obj); err == nil && obj.URL != "" {
		return obj.URL
	}
	var s string
	if err := json.Unmarshal(body.Video, &s); err == nil {
		return s
	}
	return ""
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
