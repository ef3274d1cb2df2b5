package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/database"
)

// LogDeliverer publishes review jobs to the structured log stream, which the
// review dashboard tails. Used until a dedicated push channel exists.
type LogDeliverer struct {
	logger *zap.Logger
}

// NewLogDeliverer creates a log-based deliverer.
func NewLogDeliverer(logger *zap.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

// Deliver emits one log event per job. Scores and identifiers only, never
// vectors.
func (d *LogDeliverer) Deliver(ctx context.Context, job *database.ReviewJob, match *database.Match) error {
	d.logger.Info("review job ready",
		zap.String("match_id", job.MatchID),
		zap.String("priority", string(job.Priority)),
		zap.String("subject_id", match.SubjectID),
		zap.String("case_id", match.CaseID),
		zap.Float64("similarity", match.Similarity),
		zap.String("tier", string(match.Tier)),
	)
	return nil
}

// Verify interface compliance.
var _ Deliverer = (*LogDeliverer)(nil)
