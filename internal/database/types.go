package database

import (
	"fmt"
	"time"
)

// EmbeddingDim is the fixed dimension for face embeddings (ArcFace buffalo_l).
const EmbeddingDim = 512

// Embedding is a stored face embedding belonging to a missing-person subject.
// Vectors are L2-normalized at ingestion time so cosine similarity reduces to
// the inner product.
type Embedding struct {
	ID            string
	SubjectID     string
	CaseID        string
	Vector        []float32
	BBox          []float64 // [x1, y1, x2, y2] in source image pixels, optional
	DetConfidence float64
	Quality       float64
	Searchable    bool
	CreatedAt     time.Time
}

// SearchMode selects the recall/latency trade-off for similarity search.
type SearchMode string

const (
	// SearchStandard uses a narrow candidate pool; for live citizen queries.
	SearchStandard SearchMode = "standard"
	// SearchPrecise widens the candidate pool for higher recall; for
	// human-review workflows.
	SearchPrecise SearchMode = "precise"
)

// SearchResult is one ranked candidate from a similarity search. It carries
// identifiers and a score only, never the stored vector.
type SearchResult struct {
	EmbeddingID string
	SubjectID   string
	CaseID      string
	Similarity  float64
}

// QuerySource identifies where a match query originated.
type QuerySource string

const (
	SourceCitizenUpload  QuerySource = "citizen_upload"
	SourceSightingPhoto  QuerySource = "sighting_photo"
	SourceBatch          QuerySource = "batch"
	SourceOperatorManual QuerySource = "operator_manual"
)

// ParseQuerySource validates a query source string.
func ParseQuerySource(s string) (QuerySource, error) {
	switch QuerySource(s) {
	case SourceCitizenUpload, SourceSightingPhoto, SourceBatch, SourceOperatorManual:
		return QuerySource(s), nil
	}
	return "", fmt.Errorf("unknown query source %q", s)
}

// ReviewStatus is the lifecycle state of a match. All states other than
// pending are terminal.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewApproved  ReviewStatus = "approved"
	ReviewRejected  ReviewStatus = "rejected"
	ReviewEscalated ReviewStatus = "escalated"
)

// Terminal reports whether the status can no longer change.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewApproved || s == ReviewRejected || s == ReviewEscalated
}

// ReviewAction is an operator decision on a pending match.
type ReviewAction string

const (
	ActionApprove  ReviewAction = "approve"
	ActionReject   ReviewAction = "reject"
	ActionEscalate ReviewAction = "escalate"
)

// ParseReviewAction validates a review action string.
func ParseReviewAction(s string) (ReviewAction, error) {
	switch ReviewAction(s) {
	case ActionApprove, ActionReject, ActionEscalate:
		return ReviewAction(s), nil
	}
	return "", fmt.Errorf("unknown review action %q", s)
}

// Status returns the terminal review status the action leads to.
func (a ReviewAction) Status() ReviewStatus {
	switch a {
	case ActionApprove:
		return ReviewApproved
	case ActionReject:
		return ReviewRejected
	case ActionEscalate:
		return ReviewEscalated
	}
	return ReviewPending
}

// Match records a single face comparison between a query image and a stored
// embedding. One row is created per candidate returned by a search, whatever
// its tier — every comparison is auditable.
type Match struct {
	ID                string
	QuerySource       QuerySource
	EmbeddingID       string
	SubjectID         string
	CaseID            string
	Similarity        float64
	Tier              Tier
	ReviewStatus      ReviewStatus
	ReviewerID        string
	ReviewNotes       string
	ReviewDurationSec int
	RequestedAt       time.Time
	ReviewedAt        *time.Time
}

// Priority orders review jobs for delivery.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank returns a sortable weight, lower delivered first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// JobState is the delivery state of a review job.
type JobState string

const (
	// JobPending means the job awaits delivery to a reviewer channel.
	JobPending JobState = "pending"
	// JobDelivering means a delivery attempt is in flight.
	JobDelivering JobState = "delivering"
	// JobDelivered means the reviewer channel accepted the job; the row stays
	// visible until the match is resolved.
	JobDelivered JobState = "delivered"
	// JobFailed means delivery retries were exhausted; the job is parked for
	// manual reconciliation, never silently dropped.
	JobFailed JobState = "failed"
)

// ReviewJob is one pending human review, keyed by match ID. The match ID
// doubles as the idempotency key: re-enqueueing the same match is a no-op.
type ReviewJob struct {
	MatchID    string
	Priority   Priority
	State      JobState
	Attempts   int
	ClaimedBy  string
	ClaimedAt  *time.Time
	EnqueuedAt time.Time
}

// QueueCounts summarizes queue and match lifecycle buckets for dashboards.
type QueueCounts struct {
	JobsPending    int `json:"jobs_pending"`
	JobsDelivering int `json:"jobs_delivering"`
	JobsDelivered  int `json:"jobs_delivered"`
	JobsFailed     int `json:"jobs_failed"`
	Pending        int `json:"matches_pending"`
	Approved       int `json:"matches_approved"`
	Rejected       int `json:"matches_rejected"`
	Escalated      int `json:"matches_escalated"`
}

// Subject is display metadata for a missing person, owned by the
// case-management service and read here for result enrichment only.
type Subject struct {
	SubjectID      string
	CaseID         string
	DisplayName    string
	NormalizedName string // DisplayName lowercased and de-accented, for audit lines
	CaseRef        string
	CaseStatus     string
}
