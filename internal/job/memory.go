package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store.
// It uses maps with an RWMutex for thread-safe access and clones on every
// read and write. Suitable for development and testing; the Postgres binding
// serves production.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	chunks      map[string]*Chunk
	generations map[string]*Generation
	maxJobs     int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*Job),
		chunks:      make(map[string]*Chunk),
		generations: make(map[string]*Generation),
	}
}

// SetMaxConcurrentJobs sets the store-owned concurrency ceiling.
func (s *MemoryStore) SetMaxConcurrentJobs(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxJobs = n
}

// CreateJob persists a job. Creates a clone to avoid external mutations.
func (s *MemoryStore) CreateJob(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := j.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = c.CreatedAt
	s.jobs[c.ID] = c
	return nil
}

// GetJob retrieves a clone of a job by ID.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob applies a partial update to a job.
func (s *MemoryStore) UpdateJob(_ context.Context, id string, patch JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.AnalysisStatus != nil {
		j.AnalysisStatus = *patch.AnalysisStatus
	}
	if patch.SyncOffset != nil {
		j.SyncOffset = clonePtr(patch.SyncOffset)
	}
	if patch.BPM != nil {
		j.BPM = clonePtr(patch.BPM)
	}
	if patch.ChunkDuration != nil {
		j.ChunkDuration = clonePtr(patch.ChunkDuration)
	}
	if patch.OutputURL != nil {
		j.OutputURL = *patch.OutputURL
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = TruncateError(*patch.ErrorMessage)
	}
	j.UpdatedAt = time.Now()
	return nil
}

// dispatchable mirrors the claim predicate of the Postgres binding: PENDING,
// and either analysis is not required or it has completed.
func dispatchable(j *Job) bool {
	if j.Status != StatusPending {
		return false
	}
	if !j.Tier.RequiresAnalysis() {
		return true
	}
	return j.AnalysisStatus == AnalysisDone
}

// ClaimNextJob selects the highest-priority dispatchable job and flips it to
// PROCESSING in the same critical section.
func (s *MemoryStore) ClaimNextJob(_ context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Job
	for _, j := range s.jobs {
		if dispatchable(j) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrJobNotFound
	}

	sort.Slice(candidates, func(a, b int) bool {
		ja, jb := candidates[a], candidates[b]
		if ja.IsFirstTime != jb.IsFirstTime {
			return ja.IsFirstTime
		}
		if wa, wb := ja.Tier.Weight(), jb.Tier.Weight(); wa != wb {
			return wa > wb
		}
		return ja.CreatedAt.Before(jb.CreatedAt)
	})

	claimed := candidates[0]
	claimed.Status = StatusProcessing
	claimed.UpdatedAt = time.Now()
	return claimed.Clone(), nil
}

// CountProcessing returns the number of PROCESSING jobs.
func (s *MemoryStore) CountProcessing(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == StatusProcessing {
			n++
		}
	}
	return n, nil
}

// MaxConcurrentJobs returns the configured ceiling, or fallback if unset.
func (s *MemoryStore) MaxConcurrentJobs(_ context.Context, fallback int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.maxJobs > 0 {
		return s.maxJobs
	}
	return fallback
}

// InsertChunk persists a chunk.
func (s *MemoryStore) InsertChunk(_ context.Context, c *Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[c.ID] = c.Clone()
	return nil
}

// UpdateChunk replaces a chunk row by ID.
func (s *MemoryStore) UpdateChunk(_ context.Context, c *Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[c.ID]; !ok {
		return ErrChunkNotFound
	}
	s.chunks[c.ID] = c.Clone()
	return nil
}

// UpdateChunkOutcome records only the terminal fields of a chunk.
func (s *MemoryStore) UpdateChunkOutcome(_ context.Context, id string, status ChunkStatus, videoURL, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return ErrChunkNotFound
	}
	c.Status = status
	if videoURL != "" {
		c.VideoURL = videoURL
	}
	if errMsg != "" {
		c.ErrorMessage = TruncateError(errMsg)
	}
	return nil
}

// FindChunkBySynthRequestID locates a chunk by its synthesis request ID.
func (s *MemoryStore) FindChunkBySynthRequestID(_ context.Context, requestID string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if requestID == "" {
		return nil, ErrChunkNotFound
	}
	for _, c := range s.chunks {
		if c.SynthRequestID == requestID {
			return c.Clone(), nil
		}
	}
	return nil, ErrChunkNotFound
}

// ChunksForJob returns a job's chunks ordered by index.
func (s *MemoryStore) ChunksForJob(_ context.Context, jobID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Chunk
	for _, c := range s.chunks {
		if c.JobID == jobID {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].Index < result[b].Index })
	return result, nil
}

// CreateGeneration persists a generation.
func (s *MemoryStore) CreateGeneration(_ context.Context, g *Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[g.ID] = g.Clone()
	return nil
}

// GetGeneration retrieves a clone of a generation by ID.
func (s *MemoryStore) GetGeneration(_ context.Context, id string) (*Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.generations[id]
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return g.Clone(), nil
}

// UpdateGeneration applies a partial update to a generation. A status patch
// never overwrites a cancelled row.
func (s *MemoryStore) UpdateGeneration(_ context.Context, id string, patch GenerationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return ErrGenerationNotFound
	}
	if patch.Status != nil && g.Status != GenerationCancelled {
		g.Status = *patch.Status
	}
	if patch.CurrentStage != nil {
		g.CurrentStage = *patch.CurrentStage
	}
	if patch.ProgressPercentage != nil {
		g.ProgressPercentage = *patch.ProgressPercentage
	}
	if patch.EstimatedCompletionAt != nil {
		g.EstimatedCompletionAt = clonePtr(patch.EstimatedCompletionAt)
	}
	if patch.FinalOutputPath != nil {
		g.FinalOutputPath = *patch.FinalOutputPath
	}
	if patch.CostCredits != nil {
		g.CostCredits = *patch.CostCredits
	}
	if patch.ErrorMessage != nil {
		g.ErrorMessage = TruncateError(*patch.ErrorMessage)
	}
	if patch.CompletedAt != nil {
		g.CompletedAt = clonePtr(patch.CompletedAt)
	}
	return nil
}

// GenerationStatus reads only the status of a generation.
func (s *MemoryStore) GenerationStatus(_ context.Context, id string) (GenerationStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.generations[id]
	if !ok {
		return "", ErrGenerationNotFound
	}
	return g.Status, nil
}
