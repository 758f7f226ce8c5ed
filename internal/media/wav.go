package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// WAV decode errors.
var (
	ErrNotWAV            = errors.New("not a RIFF/WAVE file")
	ErrUnsupportedFormat = errors.New("unsupported WAV format: want 16-bit PCM")
)

// AudioClip is decoded mono audio at a known sample rate. Multichannel
// sources are mixed down on decode.
type AudioClip struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the clip length in seconds.
func (c *AudioClip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Truncate clips the audio to at most seconds of samples.
func (c *AudioClip) Truncate(seconds float64) {
	limit := int(seconds * float64(c.SampleRate))
	if limit >= 0 && limit < len(c.Samples) {
		c.Samples = c.Samples[:limit]
	}
}

// DecodeWAVFile reads a 16-bit PCM WAV file produced by ffmpeg and returns
// the mixed-down mono samples in [-1, 1].
func DecodeWAVFile(path string) (*AudioClip, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is produced by trusted internal code
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	return DecodeWAV(data)
}

// DecodeWAV decodes 16-bit PCM WAV bytes.
func DecodeWAV(data []byte) (*AudioClip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		sampleRate    int
		channels      int
		bitsPerSample int
		pcm           []byte
	)

	// Walk the RIFF chunks; ffmpeg may emit LIST/fact chunks before data.
	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkSize > len(data) {
			chunkSize = len(data) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if format != 1 || bitsPerSample != 16 {
				return nil, fmt.Errorf("%w: format=%d bits=%d", ErrUnsupportedFormat, format, bitsPerSample)
			}
		case "data":
			pcm = data[body : body+chunkSize]
		}

		// Chunks are word-aligned.
		pos = body + chunkSize
		if chunkSize%2 == 1 {
			pos++
		}
	}

	if sampleRate == 0 || channels == 0 {
		return nil, fmt.Errorf("%w: missing fmt chunk", ErrNotWAV)
	}
	if pcm == nil {
		return nil, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
	}

	frames := len(pcm) / (2 * channels)
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			v := int16(binary.LittleEndian.Uint16(pcm[off : off+2]))
			sum += float64(v) / 32768.0
		}
		samples[i] = sum / float64(channels)
	}

	return &AudioClip{Samples: samples, SampleRate: sampleRate}, nil
}

// Resample converts the clip to targetRate with linear interpolation and
// returns a new clip. Good enough for alignment work; playback paths go
// through ffmpeg instead.
func Resample(c *AudioClip, targetRate int) *AudioClip {
	if c.SampleRate == targetRate || len(c.Samples) == 0 {
		out := make([]float64, len(c.Samples))
		copy(out, c.Samples)
		return &AudioClip{Samples: out, SampleRate: targetRate}
	}

	ratio := float64(c.SampleRate) / float64(targetRate)
	outLen := int(float64(len(c.Samples)) / ratio)
	out := make([]float64, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= len(c.Samples) {
			out[i] = c.Samples[len(c.Samples)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = c.Samples[idx]*(1-frac) + c.Samples[idx+1]*frac
	}
	return &AudioClip{Samples: out, SampleRate: targetRate}
}
