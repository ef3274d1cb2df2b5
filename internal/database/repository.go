package database

import (
	"context"
	"time"
)

// EmbeddingMeta carries optional metadata captured at ingestion time.
type EmbeddingMeta struct {
	BBox          []float64
	DetConfidence float64
	Quality       float64
}

// EmbeddingStore persists fixed-dimension face vectors and answers
// approximate-nearest-neighbor similarity queries.
type EmbeddingStore interface {
	// Store persists a vector atomically and returns the new embedding ID.
	// Vectors must be exactly EmbeddingDim long.
	Store(ctx context.Context, subjectID, caseID string, vector []float32, meta EmbeddingMeta) (string, error)
	// Search returns candidates with similarity >= threshold, sorted by
	// similarity descending, truncated to maxResults. Embeddings with
	// Searchable=false are never returned.
	Search(ctx context.Context, vector []float32, threshold float64, maxResults int, mode SearchMode) ([]SearchResult, error)
	// Disable soft-erases an embedding: it stops matching but historical
	// match rows keep their denormalized score and tier.
	Disable(ctx context.Context, id string) error
	// Delete hard-erases an embedding. Match history is never cascaded.
	Delete(ctx context.Context, id string) error
	// Count returns the number of stored embeddings, searchable or not.
	Count(ctx context.Context) (int, error)
}

// MatchStore persists match records and their review resolution.
type MatchStore interface {
	// CreateMatch inserts a pending match row.
	CreateMatch(ctx context.Context, m *Match) error
	// GetMatch returns a match by ID, nil if not found.
	GetMatch(ctx context.Context, id string) (*Match, error)
	// ResolveMatch applies a terminal review status. It only succeeds while
	// the match is still pending; resolving a terminal match returns
	// ErrAlreadyResolved.
	ResolveMatch(ctx context.Context, id string, status ReviewStatus, reviewerID, notes string, durationSec int, reviewedAt time.Time) error
	// PendingMatchesWithoutJob returns IDs of pending matches older than
	// cutoff that have no live review job (reconciliation sweep input).
	PendingMatchesWithoutJob(ctx context.Context, cutoff time.Time) ([]string, error)
	// CountByStatus returns match counts per review status.
	CountByStatus(ctx context.Context) (map[ReviewStatus]int, error)
}

// JobStore persists review queue jobs.
type JobStore interface {
	// InsertJob adds a job unless one already exists for the match ID.
	// Returns true if a new job was created.
	InsertJob(ctx context.Context, matchID string, priority Priority) (bool, error)
	// NextPending returns the next deliverable job by priority then enqueue
	// order, nil when the queue is drained, and moves it to delivering.
	NextPending(ctx context.Context) (*ReviewJob, error)
	// MarkPending returns a delivering job to the pending bucket after a
	// failed attempt, recording the attempt count.
	MarkPending(ctx context.Context, matchID string, attempts int) error
	// MarkDelivered records a successful delivery (job stays until the match
	// is resolved).
	MarkDelivered(ctx context.Context, matchID string, attempts int) error
	// MarkFailed parks the job after exhausting retries.
	MarkFailed(ctx context.Context, matchID string, attempts int) error
	// ResetDelivering returns in-flight jobs to pending after a restart.
	ResetDelivering(ctx context.Context) error
	// RemoveJob deletes the job for a resolved match.
	RemoveJob(ctx context.Context, matchID string) error
	// Claim records an optimistic reviewer claim. It fails with
	// ErrAlreadyClaimed while another unexpired claim exists.
	Claim(ctx context.Context, matchID, reviewerID string, now time.Time, ttl time.Duration) error
	// ListPending returns jobs awaiting review ordered by priority then age.
	ListPending(ctx context.Context, limit, offset int) ([]ReviewJob, error)
	// CountByState returns job counts per delivery state.
	CountByState(ctx context.Context) (map[JobState]int, error)
}

// CaseDirectory resolves subject display metadata owned by the external
// case-management service. Returns nil (no error) for unknown subjects so the
// enrichment stage can skip them.
type CaseDirectory interface {
	GetSubject(ctx context.Context, subjectID string) (*Subject, error)
}
