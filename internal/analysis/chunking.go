package analysis

import (
	"math"

	"github.com/beatsync/engine/internal/job"
)

// ChunkPlan is the whole-measure chunk sizing derived from a tempo.
type ChunkPlan struct {
	// Duration is the chunk length in seconds, always in (0, 9].
	Duration float64
	// MeasuresPerChunk is the number of 4/4 measures per chunk.
	MeasuresPerChunk int
	// SecondsPerMeasure is 240/bpm.
	SecondsPerMeasure float64
}

// ChunkDurationForBPM sizes chunks as whole 4/4 measures: the largest
// measure count whose span does not exceed the 9 second chunk limit, but
// never less than one measure.
func ChunkDurationForBPM(bpm float64) ChunkPlan {
	secondsPerBeat := 60.0 / bpm
	secondsPerMeasure := 4 * secondsPerBeat

	measures := max(1, int(job.ChunkLimit/secondsPerMeasure))
	duration := float64(measures) * secondsPerMeasure

	if duration > job.ChunkLimit {
		measures--
		duration = float64(measures) * secondsPerMeasure
	}
	if duration < secondsPerMeasure {
		measures = 1
		duration = secondsPerMeasure
	}

	return ChunkPlan{
		Duration:          duration,
		MeasuresPerChunk:  measures,
		SecondsPerMeasure: secondsPerMeasure,
	}
}

// ChunkSpan is one grid cell over the aligned streams.
type ChunkSpan struct {
	Index    int
	Start    float64
	Duration float64
}

// Grid splits an aligned source of totalDuration seconds into
// chunkDuration-sized spans. A trailing remainder shorter than 3 seconds is
// dropped when at least one full chunk precedes it.
func Grid(totalDuration, chunkDuration float64) []ChunkSpan {
	if totalDuration <= 0 || chunkDuration <= 0 {
		return nil
	}

	n := int(math.Ceil(totalDuration / chunkDuration))
	last := totalDuration - float64(n-1)*chunkDuration
	if n > 1 && last < job.MinChunkDuration {
		n--
	}

	spans := make([]ChunkSpan, n)
	for i := range spans {
		start := float64(i) * chunkDuration
		d := chunkDuration
		if rem := totalDuration - start; rem < d {
			d = rem
		}
		spans[i] = ChunkSpan{Index: i, Start: start, Duration: d}
	}
	return spans
}
