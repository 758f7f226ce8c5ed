package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Static errors for media operations.
var (
	// ErrInvalidDuration is returned when a duration is not positive.
	ErrInvalidDuration = errors.New("invalid duration: must be positive")
	// ErrNoSegments is returned when no segments are provided for stitching.
	ErrNoSegments = errors.New("no segments provided")
	// ErrFFprobeExecution is returned when the ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
)

// Compile-time check that FFmpegRunner implements Runner.
var _ Runner = (*FFmpegRunner)(nil)

// FFmpegRunner implements Runner using the ffmpeg and ffprobe CLIs.
type FFmpegRunner struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string
}

// NewFFmpegRunner creates a new FFmpegRunner. Empty paths default to
// "ffmpeg" and "ffprobe" found via PATH.
func NewFFmpegRunner(ffmpegPath, ffprobePath string) *FFmpegRunner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegRunner{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ProbeDuration returns the duration in seconds of a media file.
func (r *FFmpegRunner) ProbeDuration(ctx context.Context, path string) (float64, error) {
	out, err := r.runFFprobe(ctx,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}

// ProbeHasVideo reports whether the file carries a video stream.
func (r *FFmpegRunner) ProbeHasVideo(ctx context.Context, path string) (bool, error) {
	return r.probeStream(ctx, path, "v:0")
}

// ProbeHasAudio reports whether the file carries an audio stream.
func (r *FFmpegRunner) ProbeHasAudio(ctx context.Context, path string) (bool, error) {
	return r.probeStream(ctx, path, "a:0")
}

func (r *FFmpegRunner) probeStream(ctx context.Context, path, selector string) (bool, error) {
	out, err := r.runFFprobe(ctx,
		"-v", "error",
		"-select_streams", selector,
		"-show_entries", "stream=codec_type",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// trimVideoHeadArgs builds the argv for a frame-accurate head trim.
// Input seeking keeps the seek fast; the re-encode makes it exact.
func trimVideoHeadArgs(src, dst string, offset float64) []string {
	return []string{
		"-y",
		"-ss", ftoa(offset),
		"-i", src,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-pix_fmt", "yuv420p",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		dst,
	}
}

// TrimVideoHead drops the first offset seconds of a video.
func (r *FFmpegRunner) TrimVideoHead(ctx context.Context, src, dst string, offset float64) error {
	return r.runFFmpeg(ctx, trimVideoHeadArgs(src, dst, offset))
}

func trimAudioHeadArgs(src, dst string, offset float64) []string {
	return []string{
		"-y",
		"-ss", ftoa(offset),
		"-i", src,
		"-ac", "2", "-ar", "44100", "-c:a", "pcm_s16le",
		dst,
	}
}

// TrimAudioHead drops the first offset seconds of an audio file, writing
// 44.1 kHz stereo PCM.
func (r *FFmpegRunner) TrimAudioHead(ctx context.Context, src, dst string, offset float64) error {
	return r.runFFmpeg(ctx, trimAudioHeadArgs(src, dst, offset))
}

func sliceVideoArgs(src, dst string, start, duration float64) []string {
	return []string{
		"-y",
		"-i", src,
		"-ss", ftoa(start),
		"-t", ftoa(duration),
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-pix_fmt", "yuv420p",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		dst,
	}
}

// SliceVideo extracts [start, start+duration) with a re-encode.
func (r *FFmpegRunner) SliceVideo(ctx context.Context, src, dst string, start, duration float64) error {
	if duration <= 0 {
		return fmt.Errorf("%w: got %.3f", ErrInvalidDuration, duration)
	}
	return r.runFFmpeg(ctx, sliceVideoArgs(src, dst, start, duration))
}

func sliceCopyArgs(src, dst string, start, duration float64) []string {
	return []string{
		"-y",
		"-i", src,
		"-ss", ftoa(start),
		"-t", ftoa(duration),
		"-c", "copy",
		dst,
	}
}

// SliceCopy extracts [start, start+duration) with stream copy.
func (r *FFmpegRunner) SliceCopy(ctx context.Context, src, dst string, start, duration float64) error {
	if duration <= 0 {
		return fmt.Errorf("%w: got %.3f", ErrInvalidDuration, duration)
	}
	return r.runFFmpeg(ctx, sliceCopyArgs(src, dst, start, duration))
}

func extractAudioSliceArgs(src, dst string, start, duration float64) []string {
	return []string{
		"-y",
		"-i", src,
		"-ss", ftoa(start),
		"-t", ftoa(duration),
		"-ac", "2", "-ar", "44100", "-c:a", "pcm_s16le",
		dst,
	}
}

// ExtractAudioSlice extracts a 44.1 kHz stereo PCM WAV slice.
func (r *FFmpegRunner) ExtractAudioSlice(ctx context.Context, src, dst string, start, duration float64) error {
	if duration <= 0 {
		return fmt.Errorf("%w: got %.3f", ErrInvalidDuration, duration)
	}
	return r.runFFmpeg(ctx, extractAudioSliceArgs(src, dst, start, duration))
}

func extractAlignmentTrackArgs(src, dst string) []string {
	return []string{
		"-y",
		"-i", src,
		"-vn",
		"-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le",
		dst,
	}
}

// ExtractAlignmentTrack pulls a mono 16 kHz PCM WAV from a video's audio.
func (r *FFmpegRunner) ExtractAlignmentTrack(ctx context.Context, src, dst string) error {
	return r.runFFmpeg(ctx, extractAlignmentTrackArgs(src, dst))
}

func transcodeToWAVArgs(src, dst string) []string {
	return []string{
		"-y",
		"-i", src,
		"-ac", "2", "-ar", "44100", "-c:a", "pcm_s16le",
		dst,
	}
}

// TranscodeToWAV normalizes any audio input to 44.1 kHz stereo PCM WAV.
func (r *FFmpegRunner) TranscodeToWAV(ctx context.Context, src, dst string) error {
	return r.runFFmpeg(ctx, transcodeToWAVArgs(src, dst))
}

// muxArgs builds the argv for combining a synthesized video stream with an
// audio slice. Both inputs share an origin after the head trim, so there is
// no delay filter; -shortest cuts at the shorter stream.
func muxArgs(videoSrc, audioSrc, dst string) []string {
	return []string{
		"-y",
		"-i", videoSrc,
		"-i", audioSrc,
		"-map", "0:v:0", "-map", "1:a:0",
		"-c:v", "libx264", "-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "192k",
		"-movflags", "+faststart",
		"-shortest",
		dst,
	}
}

// Mux combines a video stream and an audio file into one output.
func (r *FFmpegRunner) Mux(ctx context.Context, videoSrc, audioSrc, dst string) error {
	return r.runFFmpeg(ctx, muxArgs(videoSrc, audioSrc, dst))
}

// Concat stitches segments in order with stream copy. A single segment is
// copied directly, skipping ffmpeg entirely.
func (r *FFmpegRunner) Concat(ctx context.Context, segments []string, dst string) error {
	if len(segments) == 0 {
		return ErrNoSegments
	}
	if len(segments) == 1 {
		return copyFile(segments[0], dst)
	}

	listFile, err := createConcatList(segments)
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer func() { _ = os.Remove(listFile) }()

	return r.runFFmpeg(ctx, []string{
		"-y",
		"-f", "concat", "-safe", "0",
		"-i", listFile,
		"-c", "copy",
		dst,
	})
}

func overlayArgs(videoSrc, logoSrc, dst string) []string {
	return []string{
		"-y",
		"-i", videoSrc,
		"-i", logoSrc,
		"-filter_complex", "overlay=W-w-20:H-h-20",
		"-c:v", "libx264", "-preset", "veryfast",
		"-c:a", "copy",
		dst,
	}
}

// Overlay stamps a logo onto the bottom-right corner of a video.
func (r *FFmpegRunner) Overlay(ctx context.Context, videoSrc, logoSrc, dst string) error {
	return r.runFFmpeg(ctx, overlayArgs(videoSrc, logoSrc, dst))
}

// createConcatList writes the segment list in the format required by
// ffmpeg's concat demuxer.
func createConcatList(segments []string) (string, error) {
	f, err := os.CreateTemp("", "ffmpeg-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, path := range segments {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("get absolute path for %s: %w", path, err)
		}
		// Escape single quotes in path
		escapedPath := strings.ReplaceAll(absPath, "'", "'\\''")
		if _, err := fmt.Fprintf(f, "file '%s'\n", escapedPath); err != nil {
			return "", fmt.Errorf("write to concat list: %w", err)
		}
	}

	return f.Name(), nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src) // #nosec G304 - src is provided by trusted internal code
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}
	if err := os.WriteFile(dst, input, 0600); err != nil {
		return fmt.Errorf("write destination file: %w", err)
	}
	return nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (r *FFmpegRunner) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

func (r *FFmpegRunner) runFFprobe(ctx context.Context, args ...string) (string, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, r.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return "", fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	return stdout.String(), nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
