// Package preview produces dry-run chunk breakdowns: it analyzes a
// video/audio pair inline, slices both along the resulting chunk grid and
// returns signed URLs so the split can be inspected before production.
package preview

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/beatsync/engine/internal/analysis"
	"github.com/beatsync/engine/internal/fetch"
	"github.com/beatsync/engine/internal/job/id"
	"github.com/beatsync/engine/internal/media"
	"github.com/beatsync/engine/internal/storage"
)

// Analyzer is the slice of the analysis service the preview needs.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error)
}

// Request identifies the media pair to preview. GenerationID only namespaces
// the storage paths and may be empty.
type Request struct {
	VideoURL     string
	AudioURL     string
	ImageURLs    []string
	GenerationID string
	UserBPM      float64
}

// ChunkPreview describes one grid cell with signed URLs for its slices.
type ChunkPreview struct {
	ChunkIndex     int     `json:"chunk_index"`
	VideoChunkURL  string  `json:"video_chunk_url"`
	AudioChunkURL  string  `json:"audio_chunk_url"`
	ImageURL       *string `json:"image_url"`
	ImageIndex     *int    `json:"image_index"`
	VideoStartTime float64 `json:"video_start_time"`
	VideoEndTime   float64 `json:"video_end_time"`
	AudioStartTime float64 `json:"audio_start_time"`
	AudioEndTime   float64 `json:"audio_end_time"`
}

// Analysis summarizes the inline analysis embedded in a preview response.
type Analysis struct {
	BPM            float64                   `json:"bpm"`
	SyncOffset     float64                   `json:"sync_offset"`
	ChunkDuration  float64                   `json:"chunk_duration"`
	OnsetDetection analysis.OnsetDiagnostics `json:"onset_detection"`
}

// Response is the full preview payload.
type Response struct {
	VideoDuration float64        `json:"video_duration"`
	AudioDuration float64        `json:"audio_duration"`
	NumChunks     int            `json:"num_chunks"`
	Chunks        []ChunkPreview `json:"chunks"`
	Analysis      Analysis       `json:"analysis"`
}

// Service generates chunk previews.
type Service struct {
	analyzer   Analyzer
	runner     media.Runner
	downloader *fetch.Downloader
	objects    storage.Store
	logger     *slog.Logger
	tempDir    string
}

// New creates a preview Service.
func New(analyzer Analyzer, runner media.Runner, downloader *fetch.Downloader, objects storage.Store, logger *slog.Logger, tempDir string) *Service {
	return &Service{
		analyzer:   analyzer,
		runner:     runner,
		downloader: downloader,
		objects:    objects,
		logger:     logger,
		tempDir:    tempDir,
	}
}

// Generate analyzes the pair and uploads per-chunk slices. The preview grid
// covers the whole video, short tail included: unlike production it never
// drops the remainder, so the caller sees exactly how the source divides.
func (s *Service) Generate(ctx context.Context, req Request) (*Response, error) {
	res, err := s.analyzer.Analyze(ctx, analysis.Request{
		JobID:    analysis.DebugJobID,
		VideoURL: req.VideoURL,
		AudioURL: req.AudioURL,
		UserBPM:  req.UserBPM,
	})
	if err != nil {
		return nil, fmt.Errorf("preview: analysis: %w", err)
	}

	dir, err := os.MkdirTemp(s.tempDir, "preview-*")
	if err != nil {
		return nil, fmt.Errorf("preview: create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	videoPath := filepath.Join(dir, "source_video.mp4")
	audioPath := filepath.Join(dir, "master_audio")
	if err := s.downloader.ToFile(ctx, req.VideoURL, videoPath); err != nil {
		return nil, fmt.Errorf("preview: download video: %w", err)
	}
	if err := s.downloader.ToFile(ctx, req.AudioURL, audioPath); err != nil {
		return nil, fmt.Errorf("preview: download audio: %w", err)
	}

	videoDuration, err := s.runner.ProbeDuration(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("preview: probe video: %w", err)
	}
	audioDuration, err := s.runner.ProbeDuration(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("preview: probe audio: %w", err)
	}

	numChunks := int(math.Ceil(videoDuration / res.ChunkDuration))
	if numChunks < 1 {
		numChunks = 1
	}

	genID := req.GenerationID
	if genID == "" {
		genID = "temp"
	}
	requestID := id.New()

	s.logger.Info("generating chunk previews",
		slog.Float64("video_duration", videoDuration),
		slog.Float64("chunk_duration", res.ChunkDuration),
		slog.Int("num_chunks", numChunks),
	)

	chunks := make([]ChunkPreview, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		videoStart := float64(i) * res.ChunkDuration
		videoEnd := math.Min(videoStart+res.ChunkDuration, videoDuration)
		audioStart := videoStart + res.SyncOffset
		audioEnd := audioStart + res.ChunkDuration

		videoSlice := filepath.Join(dir, fmt.Sprintf("video_chunk_%03d.mp4", i))
		if err := s.runner.SliceCopy(ctx, videoPath, videoSlice, videoStart, videoEnd-videoStart); err != nil {
			return nil, fmt.Errorf("preview: slice video chunk %d: %w", i, err)
		}
		audioSlice := filepath.Join(dir, fmt.Sprintf("audio_chunk_%03d.wav", i))
		if err := s.runner.ExtractAudioSlice(ctx, audioPath, audioSlice, audioStart, res.ChunkDuration); err != nil {
			return nil, fmt.Errorf("preview: slice audio chunk %d: %w", i, err)
		}

		videoURL, err := s.publish(ctx, genID, requestID, videoSlice, fmt.Sprintf("video_chunk_%03d.mp4", i), "video/mp4")
		if err != nil {
			return nil, fmt.Errorf("preview: publish video chunk %d: %w", i, err)
		}
		audioURL, err := s.publish(ctx, genID, requestID, audioSlice, fmt.Sprintf("audio_chunk_%03d.wav", i), "audio/wav")
		if err != nil {
			return nil, fmt.Errorf("preview: publish audio chunk %d: %w", i, err)
		}

		cp := ChunkPreview{
			ChunkIndex:     i,
			VideoChunkURL:  videoURL,
			AudioChunkURL:  audioURL,
			VideoStartTime: videoStart,
			VideoEndTime:   videoEnd,
			AudioStartTime: audioStart,
			AudioEndTime:   audioEnd,
		}
		if len(req.ImageURLs) > 0 {
			idx := i % len(req.ImageURLs)
			cp.ImageIndex = &idx
			cp.ImageURL = &req.ImageURLs[idx]
		}
		chunks = append(chunks, cp)
	}

	return &Response{
		VideoDuration: videoDuration,
		AudioDuration: audioDuration,
		NumChunks:     numChunks,
		Chunks:        chunks,
		Analysis: Analysis{
			BPM:            res.BPM,
			SyncOffset:     res.SyncOffset,
			ChunkDuration:  res.ChunkDuration,
			OnsetDetection: res.Onset,
		},
	}, nil
}

// publish uploads a slice under the request-scoped preview prefix and returns
// a signed URL for it.
func (s *Service) publish(ctx context.Context, genID, requestID, path, name, contentType string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is produced by trusted internal code
	if err != nil {
		return "", fmt.Errorf("read slice: %w", err)
	}
	key := storage.PreviewKey(genID, requestID, name)
	if err := storage.Put(ctx, s.objects, key, data, contentType); err != nil {
		return "", err
	}
	return s.objects.SignedURL(ctx, key, storage.SignedURLTTL)
}
