// Package server provides the HTTP surface of the engine: the analyzer and
// preview endpoints, the synthesis webhook receiver and the health check.
// Handlers, middleware, routes and DTOs stay separated from domain types.
package server

import (
	"encoding/json"

	"github.com/beatsync/engine/internal/analysis"
	"github.com/beatsync/engine/internal/preview"
)

// AnalyzeRequest is the HTTP request body for POST /analyze.
type AnalyzeRequest struct {
	// Video is the URL of the tracking video.
	Video string `json:"video" validate:"required,url"`
	// Audio is the URL of the master audio track.
	Audio string `json:"audio" validate:"required,url"`
	// JobID ties the analysis to a job row; empty or "debug" skips
	// persistence.
	JobID string `json:"job_id"`
	// BPM is an optional user-declared tempo.
	BPM float64 `json:"bpm" validate:"omitempty,gte=1,lte=300"`
}

// AnalyzeResponse is the HTTP response for POST /analyze.
type AnalyzeResponse struct {
	Status        string          `json:"status"`
	JobID         string          `json:"job_id,omitempty"`
	SyncOffset    float64         `json:"sync_offset"`
	BPM           float64         `json:"bpm"`
	ChunkDuration float64         `json:"chunk_duration"`
	Analysis      AnalysisDetails `json:"analysis"`
}

// AnalysisDetails embeds the analyzer diagnostics in a response.
type AnalysisDetails struct {
	OnsetDetection analysis.OnsetDiagnostics `json:"onset_detection"`
}

// PreviewRequest is the HTTP request body for POST /preview. The media URLs
// are accepted under both naming conventions.
type PreviewRequest struct {
	VideoURL     string   `json:"video_url"`
	Video        string   `json:"video"`
	AudioURL     string   `json:"audio_url"`
	Audio        string   `json:"audio"`
	ImageURLs    []string `json:"image_urls"`
	GenerationID string   `json:"generation_id"`
	BPM          float64  `json:"bpm" validate:"omitempty,gte=1,lte=300"`
}

// EffectiveVideoURL returns the video URL under either field name.
func (r *PreviewRequest) EffectiveVideoURL() string {
	if r.VideoURL != "" {
		return r.VideoURL
	}
	return r.Video
}

// EffectiveAudioURL returns the audio URL under either field name.
func (r *PreviewRequest) EffectiveAudioURL() string {
	if r.AudioURL != "" {
		return r.AudioURL
	}
	return r.Audio
}

// PreviewResponse aliases the preview payload for the HTTP layer.
type PreviewResponse = preview.Response

// WebhookRequest is the synthesis service's completion callback payload.
type WebhookRequest struct {
	RequestID        string          `json:"request_id"`
	GatewayRequestID string          `json:"gateway_request_id"`
	Status           string          `json:"status"`
	Payload          json.RawMessage `json:"payload"`
	Error            string          `json:"error"`
}

// EffectiveRequestID returns whichever request identifier was supplied.
func (r *WebhookRequest) EffectiveRequestID() string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return r.GatewayRequestID
}

// WebhookResponse acknowledges a webhook delivery.
type WebhookResponse struct {
	Status  string `json:"status"`
	ChunkID string `json:"chunk_id,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
