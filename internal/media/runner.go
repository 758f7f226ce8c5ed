// Package media provides audio and video processing over ffmpeg/ffprobe,
// plus the sample-level analysis primitives (WAV decode, resampling,
// cross-correlation, onset and tempo estimation) used by the analyzer.
package media

import "context"

// Runner defines the media operations the analyzer and pipeline need.
// Implementations shell out to ffmpeg; tests use a recording fake.
type Runner interface {
	// ProbeDuration returns the duration in seconds of a media file.
	ProbeDuration(ctx context.Context, path string) (float64, error)

	// ProbeHasVideo reports whether the file carries a video stream.
	ProbeHasVideo(ctx context.Context, path string) (bool, error)

	// ProbeHasAudio reports whether the file carries an audio stream.
	ProbeHasAudio(ctx context.Context, path string) (bool, error)

	// TrimVideoHead drops the first offset seconds of a video with a
	// frame-accurate re-encode.
	TrimVideoHead(ctx context.Context, src, dst string, offset float64) error

	// TrimAudioHead drops the first offset seconds of an audio file,
	// writing 44.1 kHz stereo PCM.
	TrimAudioHead(ctx context.Context, src, dst string, offset float64) error

	// SliceVideo extracts [start, start+duration) with a re-encode for
	// clean keyframe boundaries.
	SliceVideo(ctx context.Context, src, dst string, start, duration float64) error

	// SliceCopy extracts [start, start+duration) with stream copy; fast
	// but keyframe-imprecise, used for previews.
	SliceCopy(ctx context.Context, src, dst string, start, duration float64) error

	// ExtractAudioSlice extracts [start, start+duration) of an audio file
	// as 44.1 kHz stereo PCM WAV.
	ExtractAudioSlice(ctx context.Context, src, dst string, start, duration float64) error

	// ExtractAlignmentTrack pulls a mono 16 kHz PCM WAV from a video's
	// audio stream for cross-correlation.
	ExtractAlignmentTrack(ctx context.Context, src, dst string) error

	// TranscodeToWAV normalizes any audio input to 44.1 kHz stereo PCM WAV.
	TranscodeToWAV(ctx context.Context, src, dst string) error

	// Mux combines a video stream and an audio file into one output,
	// cutting at the shorter of the two.
	Mux(ctx context.Context, videoSrc, audioSrc, dst string) error

	// Concat stitches segments in order with stream copy. A single
	// segment is copied directly.
	Concat(ctx context.Context, segments []string, dst string) error

	// Overlay stamps a logo onto the bottom-right corner of a video.
	Overlay(ctx context.Context, videoSrc, logoSrc, dst string) error
}
