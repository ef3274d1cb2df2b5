package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/database"
)

// AuditEvent summarizes one pipeline run for the audit trail. It carries
// identifiers, counts, scores, and the normalized names of enriched
// candidates; never vectors or image bytes.
type AuditEvent struct {
	CorrelationID string
	QuerySource   database.QuerySource
	Detected      bool
	UsedFallback  bool
	MatchCount    int
	EnqueuedCount int
	TopSimilarity float64
	SubjectNames  []string // normalized, one per enriched candidate
	ProcessingMS  int
	Stage         Stage     // set when the run failed
	ErrorKind     ErrorKind // set when the run failed
}

// AuditSink receives one event per pipeline run. Implementations must not
// block the pipeline on downstream availability.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// LogAuditSink writes audit events to the structured log stream.
type LogAuditSink struct {
	logger *zap.Logger
}

// NewLogAuditSink creates a log-backed audit sink.
func NewLogAuditSink(logger *zap.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

// Record emits the event as a single log entry.
func (s *LogAuditSink) Record(ctx context.Context, event AuditEvent) {
	fields := []zap.Field{
		zap.String("correlation_id", event.CorrelationID),
		zap.String("query_source", string(event.QuerySource)),
		zap.Bool("detected", event.Detected),
		zap.Bool("used_fallback", event.UsedFallback),
		zap.Int("match_count", event.MatchCount),
		zap.Int("enqueued_count", event.EnqueuedCount),
		zap.Float64("top_similarity", event.TopSimilarity),
		zap.Int("processing_ms", event.ProcessingMS),
	}
	if len(event.SubjectNames) > 0 {
		fields = append(fields, zap.Strings("subjects", event.SubjectNames))
	}
	if event.Stage != "" {
		fields = append(fields,
			zap.String("failed_stage", string(event.Stage)),
			zap.String("error_kind", string(event.ErrorKind)))
	}
	s.logger.Info("face match audit", fields...)
}

// Verify interface compliance.
var _ AuditSink = (*LogAuditSink)(nil)
