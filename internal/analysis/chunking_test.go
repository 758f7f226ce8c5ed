package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkDurationForBPM(t *testing.T) {
	tests := []struct {
		name         string
		bpm          float64
		wantMeasures int
		wantDuration float64
	}{
		// 120 BPM: measure 2.0s, four measures fill 8.0s.
		{"120 bpm", 120, 4, 8.0},
		// 90 BPM: measure ~2.6667s, three measures ~8.0s.
		{"90 bpm", 90, 3, 8.0},
		// 30 BPM: measure 8.0s collapses to one measure per chunk.
		{"30 bpm collapse", 30, 1, 8.0},
		// 200 BPM: measure 1.2s, seven measures 8.4s.
		{"200 bpm", 200, 7, 8.4},
		// 26 BPM: measure ~9.23s exceeds the limit but one measure is the floor.
		{"sub-limit floor", 26, 1, 240.0 / 26.0},
		// 160 BPM: measure 1.5s, six measures exactly 9.0s.
		{"exact limit", 160, 6, 9.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := ChunkDurationForBPM(tt.bpm)
			assert.Equal(t, tt.wantMeasures, plan.MeasuresPerChunk)
			assert.InDelta(t, tt.wantDuration, plan.Duration, 1e-9)
		})
	}
}

func TestChunkDurationLaw(t *testing.T) {
	// chunk_duration = m * (240/b) with m = max(1, floor(9b/240)),
	// and chunk_duration <= 9 whenever a full measure fits.
	for bpm := 27.0; bpm <= 300; bpm += 0.5 {
		plan := ChunkDurationForBPM(bpm)
		require.GreaterOrEqual(t, plan.MeasuresPerChunk, 1, "bpm %.1f", bpm)
		assert.InDelta(t, float64(plan.MeasuresPerChunk)*240.0/bpm, plan.Duration, 1e-9, "bpm %.1f", bpm)
		assert.LessOrEqual(t, plan.Duration, 9.0+1e-9, "bpm %.1f", bpm)
	}
}

func TestGrid(t *testing.T) {
	t.Run("single chunk", func(t *testing.T) {
		spans := Grid(8.0, 8.0)
		require.Len(t, spans, 1)
		assert.Equal(t, 0, spans[0].Index)
		assert.Equal(t, 0.0, spans[0].Start)
		assert.Equal(t, 8.0, spans[0].Duration)
	})

	t.Run("exact multiple", func(t *testing.T) {
		spans := Grid(16.0, 8.0)
		require.Len(t, spans, 2)
		assert.Equal(t, 8.0, spans[1].Start)
		assert.Equal(t, 8.0, spans[1].Duration)
	})

	t.Run("short remainder dropped", func(t *testing.T) {
		// 10s over 8s chunks leaves a 2s tail, below the 3s floor.
		spans := Grid(10.0, 8.0)
		require.Len(t, spans, 1)
		assert.Equal(t, 8.0, spans[0].Duration)
	})

	t.Run("remainder at exactly 3s kept", func(t *testing.T) {
		spans := Grid(11.0, 8.0)
		require.Len(t, spans, 2)
		assert.InDelta(t, 3.0, spans[1].Duration, 1e-9)
	})

	t.Run("remainder just below 3s dropped", func(t *testing.T) {
		spans := Grid(10.999, 8.0)
		assert.Len(t, spans, 1)
	})

	t.Run("short single source kept", func(t *testing.T) {
		spans := Grid(2.0, 8.0)
		require.Len(t, spans, 1)
		assert.Equal(t, 2.0, spans[0].Duration)
	})

	t.Run("empty source", func(t *testing.T) {
		assert.Nil(t, Grid(0, 8.0))
	})
}
