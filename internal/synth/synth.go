// Package synth provides the client for the external queue-based video
// synthesis service. A chunk's driver video and target image are submitted,
// the request is polled until terminal, and the result video URL is
// extracted from the response payload.
package synth

import "context"

// SubmitRequest carries everything needed to synthesize one chunk.
type SubmitRequest struct {
	// DriverVideoURL is the signed URL of the sliced tracking-video chunk.
	DriverVideoURL string
	// TargetImageURL is the character image for this chunk.
	TargetImageURL string
	// Prompt is the optional guidance text, clipped to 100 characters.
	Prompt string
	// WebhookURL, when set, is passed to the service for out-of-band
	// completion callbacks.
	WebhookURL string
}

// Client defines the interface for the synthesis service.
type Client interface {
	// Submit enqueues a synthesis task and returns its request ID.
	Submit(ctx context.Context, req SubmitRequest) (requestID string, err error)

	// Await polls the task until it completes, fails or times out, and
	// returns the result video URL on success.
	Await(ctx context.Context, requestID string) (videoURL string, err error)

	// FetchResult reads the result endpoint directly. Returns ErrNotReady
	// while the task is still running.
	FetchResult(ctx context.Context, requestID string) (videoURL string, err error)
}
