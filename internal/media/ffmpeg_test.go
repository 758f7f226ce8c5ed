package media

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimVideoHeadArgs(t *testing.T) {
	args := trimVideoHeadArgs("in.mp4", "out.mp4", 2.0)
	assert.Equal(t, []string{
		"-y",
		"-ss", "2",
		"-i", "in.mp4",
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-pix_fmt", "yuv420p",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		"out.mp4",
	}, args)
}

func TestTrimAudioHeadArgs(t *testing.T) {
	args := trimAudioHeadArgs("in.wav", "out.wav", 4.0)
	assert.Equal(t, []string{
		"-y",
		"-ss", "4",
		"-i", "in.wav",
		"-ac", "2", "-ar", "44100", "-c:a", "pcm_s16le",
		"out.wav",
	}, args)
}

func TestSliceVideoArgs_ReencodesForAccuracy(t *testing.T) {
	args := sliceVideoArgs("in.mp4", "out.mp4", 7.5, 7.5)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-ss 7.5 -t 7.5")
	assert.Contains(t, joined, "-c:v libx264 -preset fast -crf 23")
	assert.Contains(t, joined, "-avoid_negative_ts make_zero")
	assert.Contains(t, joined, "-movflags +faststart")
}

func TestSliceCopyArgs_StreamCopies(t *testing.T) {
	args := sliceCopyArgs("in.mp4", "out.mp4", 0, 9)
	assert.Equal(t, []string{
		"-y", "-i", "in.mp4", "-ss", "0", "-t", "9", "-c", "copy", "out.mp4",
	}, args)
}

func TestExtractAudioSliceArgs(t *testing.T) {
	args := extractAudioSliceArgs("master.wav", "slice.wav", 16, 8)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-ss 16 -t 8")
	assert.Contains(t, joined, "-ac 2 -ar 44100 -c:a pcm_s16le")
}

func TestExtractAlignmentTrackArgs(t *testing.T) {
	args := extractAlignmentTrackArgs("video.mp4", "track.wav")
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-vn")
	assert.Contains(t, joined, "-ac 1 -ar 16000 -c:a pcm_s16le")
}

func TestMuxArgs(t *testing.T) {
	args := muxArgs("synth.mp4", "slice.wav", "segment.mp4")
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-map 0:v:0 -map 1:a:0")
	assert.Contains(t, joined, "-c:v libx264 -preset veryfast")
	assert.Contains(t, joined, "-c:a aac -b:a 192k")
	assert.Contains(t, joined, "-shortest")
	assert.NotContains(t, joined, "adelay", "aligned streams must not be delay-filtered")
}

func TestOverlayArgs(t *testing.T) {
	args := overlayArgs("final.mp4", "logo.png", "marked.mp4")
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "overlay=W-w-20:H-h-20")
	assert.Contains(t, joined, "-c:a copy")
}

func TestSliceVideo_RejectsNonPositiveDuration(t *testing.T) {
	r := NewFFmpegRunner("", "")
	err := r.SliceVideo(t.Context(), "in.mp4", "out.mp4", 0, 0)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestConcat_RejectsEmpty(t *testing.T) {
	r := NewFFmpegRunner("", "")
	err := r.Concat(t.Context(), nil, "out.mp4")
	assert.ErrorIs(t, err, ErrNoSegments)
}

func TestConcat_SingleSegmentCopies(t *testing.T) {
	dir := t.TempDir()
	src := dir + "/seg.mp4"
	dst := dir + "/final.mp4"
	require.NoError(t, os.WriteFile(src, []byte("segment-bytes"), 0600))

	r := NewFFmpegRunner("", "")
	require.NoError(t, r.Concat(t.Context(), []string{src}, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("segment-bytes"), got)
}

func TestCreateConcatList_EscapesQuotes(t *testing.T) {
	list, err := createConcatList([]string{"/tmp/a.mp4", "/tmp/it's.mp4"})
	require.NoError(t, err)
	defer func() { _ = os.Remove(list) }()

	content, err := os.ReadFile(list)
	require.NoError(t, err)
	assert.Contains(t, string(content), "file '/tmp/a.mp4'\n")
	assert.Contains(t, string(content), `it'\''s.mp4`)
}

func TestFFmpegError_Unwrap(t *testing.T) {
	inner := os.ErrNotExist
	err := &FFmpegError{Args: []string{"-i", "x"}, Stderr: "boom", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "boom")
}
