package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reunia/facematch/internal/database"
)

// JobRepository persists review queue jobs. The match ID primary key is the
// idempotency key: inserting the same match twice is a no-op.
type JobRepository struct {
	pool *Pool
}

// NewJobRepository creates a new PostgreSQL review job repository.
func NewJobRepository(pool *Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// InsertJob adds a job unless one already exists for the match ID.
func (r *JobRepository) InsertJob(ctx context.Context, matchID string, priority database.Priority) (bool, error) {
	query := `
		INSERT INTO review_jobs (match_id, priority, state, enqueued_at)
		VALUES ($1, $2, 'pending', NOW())
		ON CONFLICT (match_id) DO NOTHING
	`
	res, err := r.pool.Exec(ctx, query, matchID, string(priority))
	if err != nil {
		return false, fmt.Errorf("insert review job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert review job rows: %w", err)
	}
	return n > 0, nil
}

// NextPending atomically claims the next deliverable job, highest priority
// first, oldest first within a priority. Returns nil when drained.
func (r *JobRepository) NextPending(ctx context.Context) (*database.ReviewJob, error) {
	query := `
		UPDATE review_jobs
		SET state = 'delivering'
		WHERE match_id = (
			SELECT match_id FROM review_jobs
			WHERE state = 'pending'
			ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING match_id, priority, state, attempts, claimed_by, claimed_at, enqueued_at
	`

	job, err := scanJob(r.pool.QueryRow(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending job: %w", err)
	}
	return job, nil
}

// MarkPending returns a delivering job to the pending bucket after a failed
// attempt.
func (r *JobRepository) MarkPending(ctx context.Context, matchID string, attempts int) error {
	if _, err := r.pool.Exec(ctx,
		"UPDATE review_jobs SET state = 'pending', attempts = $2 WHERE match_id = $1",
		matchID, attempts); err != nil {
		return fmt.Errorf("mark job pending: %w", err)
	}
	return nil
}

// MarkDelivered records a successful delivery. The job row stays until the
// match is resolved so ListPending keeps showing it to the dashboard.
func (r *JobRepository) MarkDelivered(ctx context.Context, matchID string, attempts int) error {
	if _, err := r.pool.Exec(ctx,
		"UPDATE review_jobs SET state = 'delivered', attempts = $2 WHERE match_id = $1",
		matchID, attempts); err != nil {
		return fmt.Errorf("mark job delivered: %w", err)
	}
	return nil
}

// ResetDelivering returns in-flight jobs to pending. Called at startup so a
// crash mid-delivery results in redelivery, not a stuck job.
func (r *JobRepository) ResetDelivering(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx,
		"UPDATE review_jobs SET state = 'pending' WHERE state = 'delivering'"); err != nil {
		return fmt.Errorf("reset delivering jobs: %w", err)
	}
	return nil
}

// MarkFailed parks the job after exhausting delivery retries.
func (r *JobRepository) MarkFailed(ctx context.Context, matchID string, attempts int) error {
	if _, err := r.pool.Exec(ctx,
		"UPDATE review_jobs SET state = 'failed', attempts = $2 WHERE match_id = $1",
		matchID, attempts); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// RemoveJob deletes the job for a resolved match.
func (r *JobRepository) RemoveJob(ctx context.Context, matchID string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM review_jobs WHERE match_id = $1", matchID); err != nil {
		return fmt.Errorf("remove review job: %w", err)
	}
	return nil
}

// Claim records an optimistic reviewer claim. The single UPDATE guard is the
// concurrency control: only one reviewer can hold an unexpired claim.
func (r *JobRepository) Claim(ctx context.Context, matchID, reviewerID string, now time.Time, ttl time.Duration) error {
	query := `
		UPDATE review_jobs
		SET claimed_by = $2, claimed_at = $3
		WHERE match_id = $1
		  AND (claimed_by = '' OR claimed_by = $2 OR claimed_at < $4)
	`
	res, err := r.pool.Exec(ctx, query, matchID, reviewerID, now, now.Add(-ttl))
	if err != nil {
		return fmt.Errorf("claim review job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim review job rows: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM review_jobs WHERE match_id = $1)", matchID).Scan(&exists); err != nil {
			return fmt.Errorf("check review job exists: %w", err)
		}
		if !exists {
			return database.ErrNotFound
		}
		return database.ErrAlreadyClaimed
	}
	return nil
}

// ListPending returns jobs awaiting review ordered by priority then age.
func (r *JobRepository) ListPending(ctx context.Context, limit, offset int) ([]database.ReviewJob, error) {
	query := `
		SELECT match_id, priority, state, attempts, claimed_by, claimed_at, enqueued_at
		FROM review_jobs
		WHERE state != 'failed'
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, enqueued_at
		LIMIT $1 OFFSET $2
	`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []database.ReviewJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review jobs: %w", err)
	}
	return jobs, nil
}

// CountByState returns job counts per delivery state.
func (r *JobRepository) CountByState(ctx context.Context) (map[database.JobState]int, error) {
	rows, err := r.pool.Query(ctx, "SELECT state, COUNT(*) FROM review_jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count review jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[database.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[database.JobState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return counts, nil
}

// scanner covers sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*database.ReviewJob, error) {
	var job database.ReviewJob
	var priority, state string
	var claimedAt sql.NullTime

	if err := s.Scan(&job.MatchID, &priority, &state, &job.Attempts,
		&job.ClaimedBy, &claimedAt, &job.EnqueuedAt); err != nil {
		return nil, err
	}

	job.Priority = database.Priority(priority)
	job.State = database.JobState(state)
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	return &job, nil
}

// Verify interface compliance.
var _ database.JobStore = (*JobRepository)(nil)
