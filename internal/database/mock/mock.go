// Package mock provides in-memory implementations of the database interfaces
// for testing.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reunia/facematch/internal/database"
)

// EmbeddingStore is an in-memory implementation of database.EmbeddingStore
// using exact cosine similarity.
type EmbeddingStore struct {
	mu         sync.RWMutex
	embeddings map[string]*database.Embedding

	// Error injection
	StoreError  error
	SearchError error
}

// NewEmbeddingStore creates an empty in-memory embedding store.
func NewEmbeddingStore() *EmbeddingStore {
	return &EmbeddingStore{
		embeddings: make(map[string]*database.Embedding),
	}
}

// Store persists a vector and returns the new embedding ID.
func (s *EmbeddingStore) Store(ctx context.Context, subjectID, caseID string, vector []float32, meta database.EmbeddingMeta) (string, error) {
	if s.StoreError != nil {
		return "", s.StoreError
	}
	if len(vector) != database.EmbeddingDim {
		return "", database.ErrBadDimension
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.embeddings[id] = &database.Embedding{
		ID:            id,
		SubjectID:     subjectID,
		CaseID:        caseID,
		Vector:        vector,
		BBox:          meta.BBox,
		DetConfidence: meta.DetConfidence,
		Quality:       meta.Quality,
		Searchable:    true,
		CreatedAt:     time.Now(),
	}
	return id, nil
}

// Search scans all searchable embeddings with exact cosine similarity. Both
// modes produce identical results here, matching the convergence property of
// the real index as search-width grows.
func (s *EmbeddingStore) Search(ctx context.Context, vector []float32, threshold float64, maxResults int, mode database.SearchMode) ([]database.SearchResult, error) {
	if s.SearchError != nil {
		return nil, s.SearchError
	}
	if len(vector) != database.EmbeddingDim {
		return nil, database.ErrBadDimension
	}
	if maxResults <= 0 {
		maxResults = database.DefaultMaxResults
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []database.SearchResult
	for _, emb := range s.embeddings {
		if !emb.Searchable {
			continue
		}
		sim := database.CosineSimilarity(vector, emb.Vector)
		if sim < threshold {
			continue
		}
		results = append(results, database.SearchResult{
			EmbeddingID: emb.ID,
			SubjectID:   emb.SubjectID,
			CaseID:      emb.CaseID,
			Similarity:  sim,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// Disable soft-erases an embedding.
func (s *EmbeddingStore) Disable(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	emb, ok := s.embeddings[id]
	if !ok {
		return database.ErrNotFound
	}
	emb.Searchable = false
	return nil
}

// Delete hard-erases an embedding.
func (s *EmbeddingStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.embeddings[id]; !ok {
		return database.ErrNotFound
	}
	delete(s.embeddings, id)
	return nil
}

// Count returns the number of stored embeddings.
func (s *EmbeddingStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.embeddings), nil
}

// MatchStore is an in-memory implementation of database.MatchStore.
type MatchStore struct {
	mu        sync.RWMutex
	matches   map[string]*database.Match
	jobLookup func(matchID string) bool

	// Error injection
	CreateError  error
	ResolveError error
	GetError     error
}

// NewMatchStore creates an empty in-memory match store.
func NewMatchStore() *MatchStore {
	return &MatchStore{matches: make(map[string]*database.Match)}
}

// CreateMatch inserts a pending match row.
func (s *MatchStore) CreateMatch(ctx context.Context, m *database.Match) error {
	if s.CreateError != nil {
		return s.CreateError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

// GetMatch returns a match by ID, nil if not found.
func (s *MatchStore) GetMatch(ctx context.Context, id string) (*database.Match, error) {
	if s.GetError != nil {
		return nil, s.GetError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

// ResolveMatch applies a terminal review status while the match is pending.
func (s *MatchStore) ResolveMatch(ctx context.Context, id string, status database.ReviewStatus, reviewerID, notes string, durationSec int, reviewedAt time.Time) error {
	if s.ResolveError != nil {
		return s.ResolveError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return database.ErrNotFound
	}
	if m.ReviewStatus.Terminal() {
		return database.ErrAlreadyResolved
	}
	m.ReviewStatus = status
	m.ReviewerID = reviewerID
	m.ReviewNotes = notes
	m.ReviewDurationSec = durationSec
	m.ReviewedAt = &reviewedAt
	return nil
}

// PendingMatchesWithoutJob is satisfied with help from a linked job store.
// Tests wire it through SetJobLookup.
func (s *MatchStore) PendingMatchesWithoutJob(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, m := range s.matches {
		if m.ReviewStatus != database.ReviewPending || !m.RequestedAt.Before(cutoff) {
			continue
		}
		if s.jobLookup != nil && s.jobLookup(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// CountByStatus returns match counts per review status.
func (s *MatchStore) CountByStatus(ctx context.Context) (map[database.ReviewStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[database.ReviewStatus]int)
	for _, m := range s.matches {
		counts[m.ReviewStatus]++
	}
	return counts, nil
}

// Count returns the number of stored matches.
func (s *MatchStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matches)
}

// SetJobLookup links a job existence check so PendingMatchesWithoutJob can
// emulate the SQL anti-join.
func (s *MatchStore) SetJobLookup(fn func(matchID string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobLookup = fn
}

// JobStore is an in-memory implementation of database.JobStore.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*database.ReviewJob

	// Error injection
	InsertError error
}

// NewJobStore creates an empty in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*database.ReviewJob)}
}

// InsertJob adds a job unless one exists for the match ID.
func (s *JobStore) InsertJob(ctx context.Context, matchID string, priority database.Priority) (bool, error) {
	if s.InsertError != nil {
		return false, s.InsertError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[matchID]; ok {
		return false, nil
	}
	s.jobs[matchID] = &database.ReviewJob{
		MatchID:    matchID,
		Priority:   priority,
		State:      database.JobPending,
		EnqueuedAt: time.Now(),
	}
	return true, nil
}

// NextPending claims the next deliverable job by priority then enqueue order.
func (s *JobStore) NextPending(ctx context.Context) (*database.ReviewJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *database.ReviewJob
	for _, job := range s.jobs {
		if job.State != database.JobPending {
			continue
		}
		if next == nil ||
			job.Priority.Rank() < next.Priority.Rank() ||
			(job.Priority.Rank() == next.Priority.Rank() && job.EnqueuedAt.Before(next.EnqueuedAt)) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = database.JobDelivering
	cp := *next
	return &cp, nil
}

// MarkPending returns a delivering job to the pending bucket.
func (s *JobStore) MarkPending(ctx context.Context, matchID string, attempts int) error {
	return s.setState(matchID, database.JobPending, attempts)
}

// MarkDelivered records a successful delivery.
func (s *JobStore) MarkDelivered(ctx context.Context, matchID string, attempts int) error {
	return s.setState(matchID, database.JobDelivered, attempts)
}

// MarkFailed parks the job after exhausting retries.
func (s *JobStore) MarkFailed(ctx context.Context, matchID string, attempts int) error {
	return s.setState(matchID, database.JobFailed, attempts)
}

// ResetDelivering returns in-flight jobs to pending.
func (s *JobStore) ResetDelivering(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.State == database.JobDelivering {
			job.State = database.JobPending
		}
	}
	return nil
}

func (s *JobStore) setState(matchID string, state database.JobState, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[matchID]
	if !ok {
		return database.ErrNotFound
	}
	job.State = state
	job.Attempts = attempts
	return nil
}

// RemoveJob deletes the job for a resolved match.
func (s *JobStore) RemoveJob(ctx context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, matchID)
	return nil
}

// Claim records an optimistic reviewer claim.
func (s *JobStore) Claim(ctx context.Context, matchID, reviewerID string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[matchID]
	if !ok {
		return database.ErrNotFound
	}
	if job.ClaimedBy != "" && job.ClaimedBy != reviewerID &&
		job.ClaimedAt != nil && now.Sub(*job.ClaimedAt) < ttl {
		return database.ErrAlreadyClaimed
	}
	job.ClaimedBy = reviewerID
	job.ClaimedAt = &now
	return nil
}

// ListPending returns jobs awaiting review ordered by priority then age.
func (s *JobStore) ListPending(ctx context.Context, limit, offset int) ([]database.ReviewJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []database.ReviewJob
	for _, job := range s.jobs {
		if job.State == database.JobFailed {
			continue
		}
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority.Rank() != jobs[j].Priority.Rank() {
			return jobs[i].Priority.Rank() < jobs[j].Priority.Rank()
		}
		return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt)
	})

	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CountByState returns job counts per delivery state.
func (s *JobStore) CountByState(ctx context.Context) (map[database.JobState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[database.JobState]int)
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts, nil
}

// Has reports whether a job exists for the match ID.
func (s *JobStore) Has(matchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[matchID]
	return ok
}

// Get returns a copy of the job for inspection in tests.
func (s *JobStore) Get(matchID string) *database.ReviewJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[matchID]
	if !ok {
		return nil
	}
	cp := *job
	return &cp
}

// CaseDirectory is an in-memory implementation of database.CaseDirectory.
type CaseDirectory struct {
	mu       sync.RWMutex
	subjects map[string]*database.Subject

	// Error injection
	LookupError error
}

// NewCaseDirectory creates an empty in-memory case directory.
func NewCaseDirectory() *CaseDirectory {
	return &CaseDirectory{subjects: make(map[string]*database.Subject)}
}

// AddSubject registers subject display metadata.
func (d *CaseDirectory) AddSubject(subj database.Subject) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subjects[subj.SubjectID] = &subj
}

// GetSubject returns subject metadata, nil if unknown.
func (d *CaseDirectory) GetSubject(ctx context.Context, subjectID string) (*database.Subject, error) {
	if d.LookupError != nil {
		return nil, d.LookupError
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	subj, ok := d.subjects[subjectID]
	if !ok {
		return nil, nil
	}
	cp := *subj
	return &cp, nil
}

// Verify interface compliance.
var (
	_ database.EmbeddingStore = (*EmbeddingStore)(nil)
	_ database.MatchStore     = (*MatchStore)(nil)
	_ database.JobStore       = (*JobStore)(nil)
	_ database.CaseDirectory  = (*CaseDirectory)(nil)
)
