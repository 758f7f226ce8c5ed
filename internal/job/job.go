// Package job provides the Job, Chunk and Generation aggregates for the
// music-synchronized video production queue, together with the Store port
// used by the scheduler, analyzer and pipeline.
package job

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Tier represents the user class governing priority and duration ceilings.
type Tier string

const (
	TierDemo     Tier = "demo"
	TierLabel    Tier = "label"
	TierArtist   Tier = "artist"
	TierOpenMic  Tier = "open_mic"
	TierIndustry Tier = "industry"
)

// tierWeights orders the priority fetch: higher weight is scheduled first.
var tierWeights = map[Tier]int{
	TierDemo:     5,
	TierLabel:    4,
	TierArtist:   3,
	TierOpenMic:  2,
	TierIndustry: 1,
}

// IsValid returns true if the tier is a recognized value.
func (t Tier) IsValid() bool {
	_, ok := tierWeights[t]
	return ok
}

// Weight returns the scheduling weight for the tier. Unknown tiers weigh 0.
func (t Tier) Weight() int {
	return tierWeights[t]
}

// MaxDuration returns the maximum submission duration in seconds for the
// tier. Tiers without an extended allowance are capped at the single-chunk
// limit and must clip manually.
func (t Tier) MaxDuration() float64 {
	switch t {
	case TierDemo:
		return DemoMaxDuration
	case TierIndustry:
		return IndustryMaxDuration
	default:
		return ChunkLimit
	}
}

// RequiresAnalysis returns true for tiers that must not be dispatched until
// media analysis has finished.
func (t Tier) RequiresAnalysis() bool {
	return t == TierDemo || t == TierIndustry
}

// Duration and intake constants shared by the analyzer and the pipeline.
const (
	// ChunkLimit is the hard upper bound on a chunk in seconds.
	ChunkLimit = 9.0
	// DemoMaxDuration caps demo-tier submissions.
	DemoMaxDuration = 20.0
	// IndustryMaxDuration caps industry-tier submissions.
	IndustryMaxDuration = 90.0
	// MinChunkDuration is the floor below which a trailing chunk is dropped.
	MinChunkDuration = 3.0
	// MaxPromptLength bounds the synthesis prompt in code points.
	MaxPromptLength = 100
	// MinBPM and MaxBPM bound a user-declared tempo.
	MinBPM = 1.0
	MaxBPM = 300.0
	// MaxErrorLength bounds every persisted error message.
	MaxErrorLength = 500
)

// CancelledByUser is the distinguished error message written to a job and
// its remaining chunks when a user cancellation is observed.
const CancelledByUser = "Cancelled by user"

// Status represents the execution state of a Job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// AnalysisStatus represents the media-analysis state of a Job.
type AnalysisStatus string

const (
	AnalysisPending AnalysisStatus = "PENDING_ANALYSIS"
	AnalysisRunning AnalysisStatus = "ANALYZING"
	AnalysisDone    AnalysisStatus = "ANALYZED"
	AnalysisFailed  AnalysisStatus = "FAILED"
)

// ChunkStatus represents the state of a single chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "PENDING"
	ChunkProcessing ChunkStatus = "PROCESSING"
	ChunkCompleted  ChunkStatus = "COMPLETED"
	ChunkFailed     ChunkStatus = "FAILED"
)

// GenerationStatus represents the user-facing rollup state.
type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
	GenerationCancelled  GenerationStatus = "cancelled"
)

// Stage represents the user-facing pipeline stage on a generation.
type Stage string

const (
	StageAnalyzing        Stage = "analyzing"
	StageProcessing       Stage = "processing"
	StageProcessingChunks Stage = "processing_chunks"
	StageStitching        Stage = "stitching"
	StageFinalizing       Stage = "finalizing"
	StageCompleted        Stage = "completed"
)

var (
	// ErrValidation is returned when an input violates a declared contract.
	ErrValidation = errors.New("validation failed")
	// ErrTierRestriction is returned when a submission exceeds the
	// single-chunk limit on a tier that requires manual clipping.
	ErrTierRestriction = errors.New("tier restriction")
	// ErrCancelled is returned when a user cancellation is observed.
	ErrCancelled = errors.New(CancelledByUser)
)

// Job is one unit of work: a tracking video, a master audio track and one or
// more target images, produced into a single synchronized output video.
type Job struct {
	// ID is the unique identifier for this job.
	ID string
	// Tier is the user class governing priority and duration ceilings.
	Tier Tier
	// IsFirstTime marks a user's first submission; it dominates the
	// priority order.
	IsFirstTime bool
	// UserVideoURL is the source tracking video.
	UserVideoURL string
	// MasterAudioURL is the master music track.
	MasterAudioURL string
	// TargetImages are the character images rotated across chunks.
	TargetImages []string
	// Prompt is the optional synthesis prompt.
	Prompt string
	// UserBPM is a user-declared tempo; 0 means not supplied.
	UserBPM float64
	// GenerationID links the job to its user-facing rollup row.
	GenerationID string

	// Analysis outputs, nil until the analyzer has run.
	SyncOffset     *float64
	BPM            *float64
	ChunkDuration  *float64
	AnalysisStatus AnalysisStatus

	// Status is the current execution state.
	Status Status
	// OutputURL is the signed URL of the final stitched artifact.
	OutputURL string
	// ErrorMessage holds the truncated failure reason, if any.
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the intake contract for a job row.
func (j *Job) Validate() error {
	if !j.Tier.IsValid() {
		return fmt.Errorf("%w: invalid tier %q", ErrValidation, j.Tier)
	}
	if j.UserVideoURL == "" {
		return fmt.Errorf("%w: user video URL is required", ErrValidation)
	}
	if j.MasterAudioURL == "" {
		return fmt.Errorf("%w: master audio URL is required", ErrValidation)
	}
	if len(j.TargetImages) == 0 {
		return fmt.Errorf("%w: at least one target image is required", ErrValidation)
	}
	if utf8.RuneCountInString(strings.TrimSpace(j.Prompt)) > MaxPromptLength {
		return fmt.Errorf("%w: prompt exceeds %d characters", ErrValidation, MaxPromptLength)
	}
	if j.UserBPM != 0 && (j.UserBPM < MinBPM || j.UserBPM > MaxBPM) {
		return fmt.Errorf("%w: bpm %.2f outside [%.0f, %.0f]", ErrValidation, j.UserBPM, MinBPM, MaxBPM)
	}
	return nil
}

// ValidateDuration checks the probed video duration against the job's tier
// ceiling. Tiers without an extended allowance get a tier-restriction error
// instructing manual clipping.
func (j *Job) ValidateDuration(videoDuration float64) error {
	switch j.Tier {
	case TierDemo:
		if videoDuration > DemoMaxDuration {
			return fmt.Errorf("%w: demo tier is limited to %.0f seconds", ErrValidation, DemoMaxDuration)
		}
	case TierIndustry:
		if videoDuration > IndustryMaxDuration {
			return fmt.Errorf("%w: industry tier is limited to %.0f seconds", ErrValidation, IndustryMaxDuration)
		}
	default:
		if videoDuration > ChunkLimit {
			return fmt.Errorf("%w: %s tier requires clips of at most %.0f seconds, please trim the video", ErrTierRestriction, j.Tier, ChunkLimit)
		}
	}
	return nil
}

// EffectivePrompt returns the trimmed prompt clipped to the submission limit.
func (j *Job) EffectivePrompt() string {
	p := strings.TrimSpace(j.Prompt)
	if runes := []rune(p); len(runes) > MaxPromptLength {
		return string(runes[:MaxPromptLength])
	}
	return p
}

// Analyzed returns true once analysis results are available.
func (j *Job) Analyzed() bool {
	return j.AnalysisStatus == AnalysisDone &&
		j.SyncOffset != nil && j.BPM != nil && j.ChunkDuration != nil
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	c := *j
	c.TargetImages = append([]string(nil), j.TargetImages...)
	c.SyncOffset = clonePtr(j.SyncOffset)
	c.BPM = clonePtr(j.BPM)
	c.ChunkDuration = clonePtr(j.ChunkDuration)
	return &c
}

// Chunk is one whole-measure span of the aligned video/audio pair.
// (JobID, Index) is unique per job; Index runs 0..N-1.
type Chunk struct {
	ID           string
	JobID        string
	GenerationID string
	Index        int
	Status       ChunkStatus

	VideoStartTime float64
	VideoEndTime   float64
	AudioStartTime float64
	ChunkDuration  float64
	SyncOffset     float64

	// SynthRequestID couples the chunk to the external synthesis queue.
	// It must be persisted before polling starts so an out-of-band webhook
	// arriving first can locate the chunk.
	SynthRequestID   string
	SynthRequestedAt *time.Time
	SynthCompletedAt *time.Time
	// SynthVideoURL is the raw result URL on the synthesis service.
	SynthVideoURL string

	// VideoURL is the signed URL of the muxed, audio-aligned segment in the
	// outputs namespace, never the raw synthesis service URL.
	VideoURL string
	// DriverChunkURL is the signed URL of the sliced tracking-video segment
	// submitted to the synthesis service.
	DriverChunkURL string
	// ImageURL is the target image used for this chunk; ImageIndex is its
	// position in the job's image list.
	ImageURL   string
	ImageIndex int

	CreditsCharged int
	ErrorMessage   string
	CompletedAt    *time.Time
}

// Clone creates a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	d := *c
	d.SynthRequestedAt = clonePtr(c.SynthRequestedAt)
	d.SynthCompletedAt = clonePtr(c.SynthCompletedAt)
	d.CompletedAt = clonePtr(c.CompletedAt)
	return &d
}

// Generation is the user-facing rollup mutated by both the analyzer and the
// pipeline. ProgressPercentage only moves forward while the status is
// pending or processing.
type Generation struct {
	ID                    string
	Status                GenerationStatus
	CurrentStage          Stage
	ProgressPercentage    int
	EstimatedCompletionAt *time.Time
	FinalOutputPath       string
	CostCredits           int
	ErrorMessage          string
	CompletedAt           *time.Time
}

// Clone creates a deep copy of the generation.
func (g *Generation) Clone() *Generation {
	c := *g
	c.EstimatedCompletionAt = clonePtr(g.EstimatedCompletionAt)
	c.CompletedAt = clonePtr(g.CompletedAt)
	return &c
}

// TruncateError clips a user-visible error message to the persistence limit.
func TruncateError(msg string) string {
	if runes := []rune(msg); len(runes) > MaxErrorLength {
		return string(runes[:MaxErrorLength])
	}
	return msg
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
