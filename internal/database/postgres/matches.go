package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reunia/facematch/internal/database"
)

// MatchRepository persists match records and their review resolution.
type MatchRepository struct {
	pool *Pool
}

// NewMatchRepository creates a new PostgreSQL match repository.
func NewMatchRepository(pool *Pool) *MatchRepository {
	return &MatchRepository{pool: pool}
}

// CreateMatch inserts a pending match row.
func (r *MatchRepository) CreateMatch(ctx context.Context, m *database.Match) error {
	query := `
		INSERT INTO matches (id, query_source, embedding_id, subject_id, case_id, similarity, tier, review_status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
	`
	if _, err := r.pool.Exec(ctx, query,
		m.ID, string(m.QuerySource), m.EmbeddingID, m.SubjectID, m.CaseID,
		m.Similarity, string(m.Tier), m.RequestedAt); err != nil {
		return fmt.Errorf("create match: %w", err)
	}
	return nil
}

// GetMatch returns a match by ID, nil if not found.
func (r *MatchRepository) GetMatch(ctx context.Context, id string) (*database.Match, error) {
	query := `
		SELECT id, query_source, embedding_id, subject_id, case_id, similarity, tier,
		       review_status, reviewer_id, review_notes, review_duration_sec, requested_at, reviewed_at
		FROM matches
		WHERE id = $1
	`

	var m database.Match
	var source, tier, status string
	var reviewedAt sql.NullTime

	err := r.pool.QueryRow(ctx, query, id).Scan(
		&m.ID, &source, &m.EmbeddingID, &m.SubjectID, &m.CaseID, &m.Similarity, &tier,
		&status, &m.ReviewerID, &m.ReviewNotes, &m.ReviewDurationSec, &m.RequestedAt, &reviewedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query match: %w", err)
	}

	m.QuerySource = database.QuerySource(source)
	m.Tier = database.Tier(tier)
	m.ReviewStatus = database.ReviewStatus(status)
	if reviewedAt.Valid {
		m.ReviewedAt = &reviewedAt.Time
	}
	return &m, nil
}

// ResolveMatch applies a terminal review status. The WHERE guard makes the
// transition monotonic: a match that already left pending is never updated.
func (r *MatchRepository) ResolveMatch(ctx context.Context, id string, status database.ReviewStatus, reviewerID, notes string, durationSec int, reviewedAt time.Time) error {
	query := `
		UPDATE matches
		SET review_status = $2, reviewer_id = $3, review_notes = $4,
		    review_duration_sec = $5, reviewed_at = $6
		WHERE id = $1 AND review_status = 'pending'
	`
	res, err := r.pool.Exec(ctx, query, id, string(status), reviewerID, notes, durationSec, reviewedAt)
	if err != nil {
		return fmt.Errorf("resolve match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve match rows: %w", err)
	}
	if n == 0 {
		existing, err := r.GetMatch(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return database.ErrNotFound
		}
		return database.ErrAlreadyResolved
	}
	return nil
}

// PendingMatchesWithoutJob returns IDs of pending matches older than cutoff
// with no live review job. Input for the reconciliation sweep that repairs a
// crash between persist and enqueue.
func (r *MatchRepository) PendingMatchesWithoutJob(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		SELECT m.id
		FROM matches m
		LEFT JOIN review_jobs j ON j.match_id = m.id
		WHERE m.review_status = 'pending'
		  AND m.requested_at < $1
		  AND j.match_id IS NULL
		ORDER BY m.requested_at
	`

	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query orphaned matches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan match id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned matches: %w", err)
	}
	return ids, nil
}

// CountByStatus returns match counts per review status.
func (r *MatchRepository) CountByStatus(ctx context.Context) (map[database.ReviewStatus]int, error) {
	rows, err := r.pool.Query(ctx, "SELECT review_status, COUNT(*) FROM matches GROUP BY review_status")
	if err != nil {
		return nil, fmt.Errorf("count matches: %w", err)
	}
	defer rows.Close()

	counts := make(map[database.ReviewStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan match count: %w", err)
		}
		counts[database.ReviewStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match counts: %w", err)
	}
	return counts, nil
}

// Verify interface compliance.
var _ database.MatchStore = (*MatchRepository)(nil)
