// Package queue owns the human review workflow: durable, priority-ordered,
// idempotent delivery of pending matches to reviewers, and the terminal
// resolution of each match. Nothing downstream of a match fires without a
// resolution passing through here.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/config"
	"github.com/reunia/facematch/internal/database"
	"github.com/reunia/facematch/internal/logger"
	"github.com/reunia/facematch/internal/metrics"
)

// ErrNotesRequired is returned when a reject resolution carries no notes. A
// rejection without a stated reason is not auditable.
var ErrNotesRequired = errors.New("reject requires non-empty notes")

// Deliverer pushes a review job to the reviewer-facing channel (dashboard
// feed, webhook, etc.).
type Deliverer interface {
	Deliver(ctx context.Context, job *database.ReviewJob, match *database.Match) error
}

// ReviewQueue coordinates job storage, delivery, and match resolution.
type ReviewQueue struct {
	jobs      database.JobStore
	matches   database.MatchStore
	deliverer Deliverer
	logger    *zap.Logger

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	claimTTL       time.Duration

	pollInterval time.Duration
	wg           sync.WaitGroup
	stop         chan struct{}
	stopOnce     sync.Once
}

// New creates a review queue. Start must be called to begin delivery.
func New(jobs database.JobStore, matches database.MatchStore, deliverer Deliverer, cfg *config.QueueConfig, logger *zap.Logger) *ReviewQueue {
	return &ReviewQueue{
		jobs:           jobs,
		matches:        matches,
		deliverer:      deliverer,
		logger:         logger,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		claimTTL:       cfg.ClaimTTL,
		pollInterval:   500 * time.Millisecond,
		stop:           make(chan struct{}),
	}
}

// Enqueue submits a review job for a match. The match ID is the idempotency
// key: enqueueing the same match twice results in a single job. Returns true
// if a new job was created. Enqueues triggered by a submission log through
// the submission's correlation-scoped logger.
func (q *ReviewQueue) Enqueue(ctx context.Context, matchID string, priority database.Priority) (bool, error) {
	created, err := q.jobs.InsertJob(ctx, matchID, priority)
	if err != nil {
		return false, fmt.Errorf("enqueue match %s: %w", matchID, err)
	}
	log := logger.FromContextOr(ctx, q.logger)
	if created {
		log.Debug("review job enqueued",
			zap.String("match_id", matchID),
			zap.String("priority", string(priority)))
	} else {
		log.Debug("review job already queued", zap.String("match_id", matchID))
	}
	return created, nil
}

// Start recovers jobs stuck in delivering from a previous run and launches
// the delivery loop.
func (q *ReviewQueue) Start(ctx context.Context) error {
	if err := q.jobs.ResetDelivering(ctx); err != nil {
		return fmt.Errorf("recover in-flight jobs: %w", err)
	}

	q.wg.Add(1)
	go q.deliveryLoop(ctx)
	return nil
}

// Stop shuts down the delivery loop and waits for the in-flight delivery to
// finish.
func (q *ReviewQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

func (q *ReviewQueue) deliveryLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainPending(ctx)
		}
	}
}

// drainPending delivers jobs until the pending bucket is empty.
func (q *ReviewQueue) drainPending(ctx context.Context) {
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.jobs.NextPending(ctx)
		if err != nil {
			q.logger.Error("failed to fetch next review job", zap.Error(err))
			return
		}
		if job == nil {
			return
		}
		q.deliverJob(ctx, job)
	}
}

// deliverJob attempts delivery with exponential backoff. After exhausting
// retries the job is parked as failed, never dropped.
func (q *ReviewQueue) deliverJob(ctx context.Context, job *database.ReviewJob) {
	match, err := q.matches.GetMatch(ctx, job.MatchID)
	if err != nil {
		// A match load failure consumes an attempt like a delivery failure
		// does; a persistently failing store parks the job instead of
		// redelivering it forever.
		attempts := job.Attempts + 1
		q.logger.Error("failed to load match for delivery",
			zap.String("match_id", job.MatchID),
			zap.Int("attempt", attempts),
			zap.Error(err))
		if attempts >= q.maxAttempts {
			metrics.JobDeliveriesTotal.WithLabelValues("parked").Inc()
			if err := q.jobs.MarkFailed(ctx, job.MatchID, attempts); err != nil {
				q.logger.Error("failed to park job", zap.String("match_id", job.MatchID), zap.Error(err))
			}
			return
		}
		metrics.JobDeliveriesTotal.WithLabelValues("retried").Inc()
		if err := q.jobs.MarkPending(ctx, job.MatchID, attempts); err != nil {
			q.logger.Error("failed to requeue job", zap.String("match_id", job.MatchID), zap.Error(err))
		}
		return
	}
	if match == nil || match.ReviewStatus.Terminal() {
		// Resolved (or erased) while queued; nothing left to deliver.
		if err := q.jobs.RemoveJob(ctx, job.MatchID); err != nil {
			q.logger.Error("failed to remove stale job", zap.String("match_id", job.MatchID), zap.Error(err))
		}
		return
	}

	attempts := job.Attempts

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.initialBackoff
	policy.MaxInterval = q.maxBackoff
	policy.MaxElapsedTime = 0

	operation := func() error {
		attempts++
		if err := q.deliverer.Deliver(ctx, job, match); err != nil {
			metrics.JobDeliveriesTotal.WithLabelValues("retried").Inc()
			q.logger.Warn("review job delivery failed",
				zap.String("match_id", job.MatchID),
				zap.Int("attempt", attempts),
				zap.Error(err))
			return err
		}
		return nil
	}

	remaining := q.maxAttempts - job.Attempts
	if remaining < 1 {
		remaining = 1
	}
	err = backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(remaining-1)), ctx))

	if err != nil {
		metrics.JobDeliveriesTotal.WithLabelValues("parked").Inc()
		q.logger.Error("review job parked after exhausting retries",
			zap.String("match_id", job.MatchID),
			zap.Int("attempts", attempts))
		if err := q.jobs.MarkFailed(ctx, job.MatchID, attempts); err != nil {
			q.logger.Error("failed to park job", zap.String("match_id", job.MatchID), zap.Error(err))
		}
		return
	}

	metrics.JobDeliveriesTotal.WithLabelValues("delivered").Inc()
	if err := q.jobs.MarkDelivered(ctx, job.MatchID, attempts); err != nil {
		q.logger.Error("failed to mark job delivered", zap.String("match_id", job.MatchID), zap.Error(err))
	}
}

// Resolve applies a reviewer decision to a pending match and removes its job.
// Rejections must carry notes; the check happens before any state change.
func (q *ReviewQueue) Resolve(ctx context.Context, matchID, reviewerID string, action database.ReviewAction, notes string, durationSec int) error {
	if action == database.ActionReject && notes == "" {
		return ErrNotesRequired
	}

	status := action.Status()
	if err := q.matches.ResolveMatch(ctx, matchID, status, reviewerID, notes, durationSec, time.Now()); err != nil {
		return fmt.Errorf("resolve match %s: %w", matchID, err)
	}

	metrics.ReviewResolutionsTotal.WithLabelValues(string(status)).Inc()
	q.logger.Info("match resolved",
		zap.String("match_id", matchID),
		zap.String("reviewer_id", reviewerID),
		zap.String("status", string(status)))

	if err := q.jobs.RemoveJob(ctx, matchID); err != nil {
		// Resolution is durable; a leftover job row is repaired by the stale
		// job check in deliverJob.
		q.logger.Error("failed to remove job after resolution",
			zap.String("match_id", matchID), zap.Error(err))
	}
	return nil
}

// Claim records that a reviewer opened a match, blocking other reviewers
// until the claim expires.
func (q *ReviewQueue) Claim(ctx context.Context, matchID, reviewerID string) error {
	return q.jobs.Claim(ctx, matchID, reviewerID, time.Now(), q.claimTTL)
}

// ListPending returns jobs awaiting review for the dashboard.
func (q *ReviewQueue) ListPending(ctx context.Context, limit, offset int) ([]database.ReviewJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return q.jobs.ListPending(ctx, limit, offset)
}

// Status reports counts per queue and match lifecycle bucket.
func (q *ReviewQueue) Status(ctx context.Context) (*database.QueueCounts, error) {
	jobCounts, err := q.jobs.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	matchCounts, err := q.matches.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count matches: %w", err)
	}

	return &database.QueueCounts{
		JobsPending:    jobCounts[database.JobPending],
		JobsDelivering: jobCounts[database.JobDelivering],
		JobsDelivered:  jobCounts[database.JobDelivered],
		JobsFailed:     jobCounts[database.JobFailed],
		Pending:        matchCounts[database.ReviewPending],
		Approved:       matchCounts[database.ReviewApproved],
		Rejected:       matchCounts[database.ReviewRejected],
		Escalated:      matchCounts[database.ReviewEscalated],
	}, nil
}

// Reconcile re-enqueues pending matches older than maxAge that lost their job
// (crash between persist and enqueue). Returns the number of jobs recreated.
func (q *ReviewQueue) Reconcile(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	ids, err := q.matches.PendingMatchesWithoutJob(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find orphaned matches: %w", err)
	}

	recreated := 0
	for _, id := range ids {
		match, err := q.matches.GetMatch(ctx, id)
		if err != nil {
			return recreated, fmt.Errorf("load orphaned match %s: %w", id, err)
		}
		if match == nil {
			continue
		}
		created, err := q.Enqueue(ctx, id, database.PriorityForTier(match.Tier))
		if err != nil {
			return recreated, err
		}
		if created {
			recreated++
			q.logger.Info("re-enqueued orphaned match", zap.String("match_id", id))
		}
	}
	return recreated, nil
}
