package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Static errors for synthesis client operations.
var (
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("synth: API key is required")
	// ErrRequestIDRequired is returned when the request ID is not provided.
	ErrRequestIDRequired = errors.New("synth: request ID is required")
	// ErrNoRequestID is returned when the submit response contains no request ID.
	ErrNoRequestID = errors.New("synth: submit failed: no request ID returned")
	// ErrSubmitFailed is returned when the submit call fails.
	ErrSubmitFailed = errors.New("synth: submit failed")
	// ErrTaskFailed is returned when the service reports a FAILED status.
	ErrTaskFailed = errors.New("synth: task failed")
	// ErrTimeout is returned when the task does not complete within the poll budget.
	ErrTimeout = errors.New("synth: task timed out")
	// ErrNoVideoURL is returned when a completed task carries no video URL.
	ErrNoVideoURL = errors.New("synth: completed task has no video URL")
	// ErrNotReady is returned by FetchResult while the task is still running.
	ErrNotReady = errors.New("synth: result not ready")
	// ErrRequestFailed is returned when a call fails with a non-2xx status.
	ErrRequestFailed = errors.New("synth: request failed")
)

// Task statuses reported by the queue API.
const (
	statusInQueue    = "IN_QUEUE"
	statusInProgress = "IN_PROGRESS"
	statusCompleted  = "COMPLETED"
	statusFailed     = "FAILED"
)

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// HTTPClient is the HTTP implementation of the synthesis Client interface
// for a fal-style queue API: submissions go to the full endpoint path while
// status and result reads use the bare model ID.
type HTTPClient struct {
	apiKey       string
	baseURL      string
	endpoint     string
	modelID      string
	httpClient   *http.Client
	pollInterval time.Duration
	maxAttempts  int
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(hc *HTTPClient) {
		hc.apiKey = key
	}
}

// WithBaseURL sets a custom base URL for the queue API.
func WithBaseURL(u string) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithPollInterval sets the delay between status polls.
func WithPollInterval(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.pollInterval = d
	}
}

// WithMaxAttempts sets the poll attempt budget.
func WithMaxAttempts(n int) ClientOption {
	return func(hc *HTTPClient) {
		hc.maxAttempts = n
	}
}

// NewClient creates a new synthesis HTTP client. The endpoint is the full
// submission path; the model ID is its status/result prefix.
func NewClient(endpoint, modelID string, opts ...ClientOption) (*HTTPClient, error) {
	c := &HTTPClient{
		baseURL:      "https://queue.fal.run",
		endpoint:     strings.Trim(endpoint, "/"),
		modelID:      strings.Trim(modelID, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: 5 * time.Second,
		maxAttempts:  60,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		return nil, ErrAPIKeyRequired
	}
	return c, nil
}

type submitPayload struct {
	ImageURL             string `json:"image_url"`
	VideoURL             string `json:"video_url"`
	CharacterOrientation string `json:"character_orientation"`
	Prompt               string `json:"prompt,omitempty"`
}

type submitResponse struct {
	RequestID string          `json:"request_id"`
	Detail    json.RawMessage `json:"detail"`
}

// Submit enqueues a synthesis task. The webhook URL travels as the
// fal_webhook query parameter, not in the JSON body.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	prompt := req.Prompt
	if runes := []rune(prompt); len(runes) > 100 {
		prompt = string(runes[:100])
	}
	payload := submitPayload{
		ImageURL: req.TargetImageURL,
		VideoURL: req.DriverVideoURL,
		// "image" keeps the portrait orientation of the target image.
		CharacterOrientation: "image",
		Prompt:               prompt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("synth: marshal submit payload: %w", err)
	}

	u := c.baseURL + "/" + c.endpoint
	if req.WebhookURL != "" {
		u += "?" + url.Values{"fal_webhook": {req.WebhookURL}}.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("synth: create submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrSubmitFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrSubmitFailed, resp.StatusCode, truncate(respBody, 200))
	}

	var sr submitResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrSubmitFailed, err)
	}
	if sr.RequestID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoRequestID, truncate(sr.Detail, 200))
	}
	return sr.RequestID, nil
}

type statusResponse struct {
	Status string          `json:"status"`
	Error  json.RawMessage `json:"error"`
}

// Await polls the task every pollInterval up to maxAttempts. When the
// status endpoint keeps failing (10 consecutive transport failures after at
// least 5 attempts), it falls back to reading the result endpoint directly
// on each subsequent attempt.
func (c *HTTPClient) Await(ctx context.Context, requestID string) (string, error) {
	if requestID == "" {
		return "", ErrRequestIDRequired
	}

	const maxStatusFailures = 10
	statusFailures := 0

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("synth: await cancelled: %w", ctx.Err())
		case <-time.After(c.pollInterval):
		}

		st, err := c.pollStatus(ctx, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("synth: await cancelled: %w", ctx.Err())
			}
			statusFailures++
			if statusFailures >= maxStatusFailures && attempt >= 5 {
				if videoURL, ferr := c.FetchResult(ctx, requestID); ferr == nil {
					return videoURL, nil
				}
			}
			continue
		}
		statusFailures = 0

		switch st.Status {
		case statusCompleted:
			return c.FetchResult(ctx, requestID)
		case statusFailed:
			return "", fmt.Errorf("%w: %s", ErrTaskFailed, errorMessage(st.Error))
		case statusInQueue, statusInProgress:
			continue
		}
	}
	return "", ErrTimeout
}

func (c *HTTPClient) pollStatus(ctx context.Context, requestID string) (*statusResponse, error) {
	u := fmt.Sprintf("%s/%s/requests/%s/status", c.baseURL, c.modelID, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("synth: create status request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synth: status request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status endpoint returned %d", ErrRequestFailed, resp.StatusCode)
	}

	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("synth: decode status response: %w", err)
	}
	return &st, nil
}

// resultPayload covers both response shapes the service emits:
// {"response": {"video": {"url": ...}}} and {"video": {"url": ...}}.
// The video field itself may be an object or a bare URL string.
type resultPayload struct {
	Status   string `json:"status"`
	Response *struct {
		Video json.RawMessage `json:"video"`
	} `json:"response"`
	Video json.RawMessage `json:"video"`
}

// FetchResult reads the result endpoint directly.
func (c *HTTPClient) FetchResult(ctx context.Context, requestID string) (string, error) {
	if requestID == "" {
		return "", ErrRequestIDRequired
	}

	u := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, c.modelID, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("synth: create result request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("synth: result request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The result endpoint answers 400 while the task is still running.
	if resp.StatusCode == http.StatusBadRequest {
		return "", ErrNotReady
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: result endpoint returned %d", ErrRequestFailed, resp.StatusCode)
	}

	var rp resultPayload
	if err := json.NewDecoder(resp.Body).Decode(&rp); err != nil {
		return "", fmt.Errorf("synth: decode result response: %w", err)
	}
	if rp.Status != "" && rp.Status != statusCompleted {
		return "", ErrNotReady
	}

	videoURL := extractVideoURL(&rp)
	if videoURL == "" {
		return "", ErrNoVideoURL
	}
	return videoURL, nil
}

// extractVideoURL pulls the video URL out of either result shape.
func extractVideoURL(rp *resultPayload) string {
	raw := rp.Video
	if rp.Response != nil && len(rp.Response.Video) > 0 {
		raw = rp.Response.Video
	}
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.URL
	}
	return ""
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(truncate(raw, 200))
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
