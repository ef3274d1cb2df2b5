// Package pipeline orchestrates a face match submission: detect, embed,
// search, enrich, persist, enqueue. Each submission runs its stages
// sequentially; independent submissions run concurrently with no shared
// mutable pipeline state. The only irrevocable side effect is persist plus
// enqueue, and everything persisted routes through human review: there is no
// path from a similarity score directly to a notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/database"
	"github.com/reunia/facematch/internal/fallback"
	"github.com/reunia/facematch/internal/imaging"
	"github.com/reunia/facematch/internal/logger"
	"github.com/reunia/facematch/internal/metrics"
	"github.com/reunia/facematch/internal/recognition"
)

// fallbackFaceConfidence is assigned when the fallback engine stands in for
// real detection: a decodable image is treated as one full-frame face of
// middling confidence, so downstream ranking still works.
const fallbackFaceConfidence = 0.5

// Detector finds faces in an image.
type Detector interface {
	Detect(ctx context.Context, imageData []byte) (*recognition.DetectResult, error)
}

// Embedder generates a face embedding. Satisfied by the recognition client
// directly or wrapped in the embedding cache.
type Embedder interface {
	Embed(ctx context.Context, imageData []byte, bbox *recognition.BoundingBox) (*recognition.EmbedResult, error)
}

// HealthChecker probes the recognition service before each submission.
type HealthChecker interface {
	CheckHealth(ctx context.Context) (*recognition.Health, error)
}

// Enqueuer submits review jobs. Satisfied by the review queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, matchID string, priority database.Priority) (bool, error)
}

// Options tune a single submission. Nil fields select the configured
// defaults, so an explicit zero threshold is distinguishable from "use the
// default".
type Options struct {
	Threshold  *float64 // minimum similarity in [0, 1]
	MaxResults *int     // result cap in [1, configured max]
	Precise    bool     // widen the search for review workflows
}

// MatchSummary is one sanitized result row: identifiers and scores only,
// never vectors.
type MatchSummary struct {
	MatchID     string            `json:"match_id"`
	SubjectID   string            `json:"subject_id"`
	CaseID      string            `json:"case_id"`
	DisplayName string            `json:"display_name,omitempty"`
	CaseRef     string            `json:"case_ref,omitempty"`
	Similarity  float64           `json:"similarity"`
	Tier        database.Tier     `json:"tier"`
	Priority    database.Priority `json:"priority"`
}

// Result is the aggregate outcome of one submission.
type Result struct {
	Success        bool           `json:"success"`
	Detected       bool           `json:"detected"`
	UsedFallback   bool           `json:"used_fallback"`
	FaceConfidence float64        `json:"face_confidence"`
	FaceQuality    float64        `json:"face_quality"`
	FaceCount      int            `json:"face_count"`
	Matches        []MatchSummary `json:"matches"`
	EnqueuedCount  int            `json:"enqueued_count"`
	ProcessingMS   int            `json:"processing_ms"`
	CorrelationID  string         `json:"correlation_id"`
	Error          string         `json:"error,omitempty"`
}

// Pipeline wires the submission stages together. All handles are injected at
// construction; the pipeline holds no lazily-initialized state.
type Pipeline struct {
	detector   Detector
	embedder   Embedder
	health     HealthChecker
	embeddings database.EmbeddingStore
	matches    database.MatchStore
	enqueuer   Enqueuer
	casedir    database.CaseDirectory
	audit      AuditSink
	logger     *zap.Logger

	defaultThreshold  float64
	defaultMaxResults int
	maxMaxResults     int
}

// Config carries the pipeline's tunable defaults.
type Config struct {
	DefaultThreshold  float64
	DefaultMaxResults int
	MaxMaxResults     int
}

// New creates a pipeline.
func New(
	detector Detector,
	embedder Embedder,
	health HealthChecker,
	embeddings database.EmbeddingStore,
	matches database.MatchStore,
	enqueuer Enqueuer,
	casedir database.CaseDirectory,
	audit AuditSink,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.DefaultThreshold == 0 {
		cfg.DefaultThreshold = database.DefaultSearchThreshold
	}
	if cfg.DefaultMaxResults == 0 {
		cfg.DefaultMaxResults = database.DefaultMaxResults
	}
	if cfg.MaxMaxResults == 0 {
		cfg.MaxMaxResults = database.MaxMaxResults
	}
	return &Pipeline{
		detector:          detector,
		embedder:          embedder,
		health:            health,
		embeddings:        embeddings,
		matches:           matches,
		enqueuer:          enqueuer,
		casedir:           casedir,
		audit:             audit,
		logger:            logger,
		defaultThreshold:  cfg.DefaultThreshold,
		defaultMaxResults: cfg.DefaultMaxResults,
		maxMaxResults:     cfg.MaxMaxResults,
	}
}

// Submit runs the full pipeline for one image. The returned error, when
// non-nil, is always a *StageError.
func (p *Pipeline) Submit(ctx context.Context, imageData []byte, source database.QuerySource, opts Options) (*Result, error) {
	start := time.Now()
	correlationID := uuid.NewString()
	log := p.logger.With(
		zap.String("correlation_id", correlationID),
		zap.String("query_source", string(source)),
	)
	// Downstream components (queue, stores) log through the same
	// correlation-scoped logger.
	ctx = logger.ContextWithLogger(ctx, log)

	result := &Result{CorrelationID: correlationID, Matches: []MatchSummary{}}

	fail := func(stage Stage, kind ErrorKind, err error) (*Result, error) {
		stageErr := p.stageErr(stage, kind, correlationID, err)
		result.ProcessingMS = int(time.Since(start).Milliseconds())
		result.Error = stageErr.Error()
		metrics.SubmissionsTotal.WithLabelValues(string(source), "error").Inc()
		p.audit.Record(ctx, AuditEvent{
			CorrelationID: correlationID,
			QuerySource:   source,
			Detected:      result.Detected,
			UsedFallback:  result.UsedFallback,
			ProcessingMS:  result.ProcessingMS,
			Stage:         stage,
			ErrorKind:     kind,
		})
		return result, stageErr
	}

	// Validate
	threshold := p.defaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return fail(StageValidate, KindValidation, fmt.Errorf("threshold %v out of range [0, 1]", threshold))
	}
	maxResults := p.defaultMaxResults
	if opts.MaxResults != nil {
		maxResults = *opts.MaxResults
	}
	if maxResults < 1 || maxResults > p.maxMaxResults {
		return fail(StageValidate, KindValidation, fmt.Errorf("max results %d out of range [1, %d]", maxResults, p.maxMaxResults))
	}
	if _, err := imaging.Validate(imageData); err != nil {
		return fail(StageValidate, KindInput, err)
	}

	// Detect, falling back when the health probe fails.
	vector, faceConfidence, faceQuality, faceCount, usedFallback, stageErr := p.detectAndEmbed(ctx, log, imageData, correlationID)
	if stageErr != nil {
		result.UsedFallback = usedFallback
		return fail(stageErr.Stage, stageErr.Kind, stageErr.Err)
	}
	result.UsedFallback = usedFallback
	result.FaceConfidence = faceConfidence
	result.FaceQuality = faceQuality
	result.FaceCount = faceCount

	if faceCount == 0 {
		result.Detected = false
		result.Success = false
		result.ProcessingMS = int(time.Since(start).Milliseconds())
		metrics.SubmissionsTotal.WithLabelValues(string(source), "no_face").Inc()
		p.audit.Record(ctx, AuditEvent{
			CorrelationID: correlationID,
			QuerySource:   source,
			Detected:      false,
			UsedFallback:  usedFallback,
			ProcessingMS:  result.ProcessingMS,
		})
		return result, nil
	}
	result.Detected = true

	// Search
	mode := database.SearchStandard
	if opts.Precise {
		mode = database.SearchPrecise
	}
	candidates, err := p.embeddings.Search(ctx, vector, threshold, maxResults, mode)
	if err != nil {
		return fail(StageSearch, KindPersistence, err)
	}

	// Enrich, persist, enqueue: one match row and one enqueue attempt per
	// candidate that survives enrichment.
	topSimilarity := 0.0
	var subjectNames []string
	for _, cand := range candidates {
		if cand.Similarity > topSimilarity {
			topSimilarity = cand.Similarity
		}

		subject, err := p.casedir.GetSubject(ctx, cand.SubjectID)
		if err != nil {
			log.Warn("subject lookup failed, skipping candidate",
				zap.String("subject_id", cand.SubjectID), zap.Error(err))
			continue
		}
		if subject == nil {
			log.Warn("subject not found in case directory, skipping candidate",
				zap.String("subject_id", cand.SubjectID))
			continue
		}

		tier := database.ClassifyTier(cand.Similarity)
		match := &database.Match{
			ID:           uuid.NewString(),
			QuerySource:  source,
			EmbeddingID:  cand.EmbeddingID,
			SubjectID:    cand.SubjectID,
			CaseID:       cand.CaseID,
			Similarity:   cand.Similarity,
			Tier:         tier,
			ReviewStatus: database.ReviewPending,
			RequestedAt:  time.Now(),
		}
		if err := p.matches.CreateMatch(ctx, match); err != nil {
			return fail(StagePersist, KindPersistence, err)
		}
		metrics.MatchesByTier.WithLabelValues(string(tier)).Inc()

		priority := database.PriorityForTier(tier)
		if _, err := p.enqueuer.Enqueue(ctx, match.ID, priority); err != nil {
			// Non-fatal: the match stays pending and the reconciliation
			// sweep re-enqueues it.
			log.Error("enqueue failed, match left for reconciliation",
				zap.String("match_id", match.ID), zap.Error(err))
		} else {
			result.EnqueuedCount++
		}

		subjectNames = append(subjectNames, subject.NormalizedName)
		result.Matches = append(result.Matches, MatchSummary{
			MatchID:     match.ID,
			SubjectID:   cand.SubjectID,
			CaseID:      cand.CaseID,
			DisplayName: subject.DisplayName,
			CaseRef:     subject.CaseRef,
			Similarity:  cand.Similarity,
			Tier:        tier,
			Priority:    priority,
		})
	}

	// Report
	result.Success = true
	result.ProcessingMS = int(time.Since(start).Milliseconds())

	outcome := "matched"
	if len(result.Matches) == 0 {
		outcome = "no_match"
	}
	metrics.SubmissionsTotal.WithLabelValues(string(source), outcome).Inc()
	metrics.SubmissionDuration.WithLabelValues(string(source)).Observe(time.Since(start).Seconds())

	p.audit.Record(ctx, AuditEvent{
		CorrelationID: correlationID,
		QuerySource:   source,
		Detected:      true,
		UsedFallback:  usedFallback,
		MatchCount:    len(result.Matches),
		EnqueuedCount: result.EnqueuedCount,
		TopSimilarity: topSimilarity,
		SubjectNames:  subjectNames,
		ProcessingMS:  result.ProcessingMS,
	})

	log.Info("submission complete",
		zap.Int("face_count", faceCount),
		zap.Int("match_count", len(result.Matches)),
		zap.Int("enqueued_count", result.EnqueuedCount),
		zap.Bool("used_fallback", usedFallback))

	return result, nil
}

// detectAndEmbed runs the detect and embed stages against the recognition
// service, or the fallback engine when the health probe fails. Returns the
// query vector, face confidence/quality, face count, and whether the fallback
// was used.
func (p *Pipeline) detectAndEmbed(ctx context.Context, log *zap.Logger, imageData []byte, correlationID string) ([]float32, float64, float64, int, bool, *StageError) {
	if _, err := p.health.CheckHealth(ctx); err != nil {
		log.Warn("recognition service unavailable, using fallback engine", zap.Error(err))
		metrics.FallbackActivationsTotal.Inc()

		vector, err := fallback.Extract(imageData)
		if err != nil {
			return nil, 0, 0, 0, true, p.stageErr(StageEmbed, KindInput, correlationID, err)
		}
		// The image already passed validation, so treat it as one full-frame
		// face.
		return vector, fallbackFaceConfidence, fallbackFaceConfidence, 1, true, nil
	}

	detection, err := p.detector.Detect(ctx, imageData)
	if err != nil {
		kind := KindUpstream
		if isInputErr(err) {
			kind = KindInput
		}
		return nil, 0, 0, 0, false, p.stageErr(StageDetect, kind, correlationID, err)
	}
	if len(detection.Faces) == 0 {
		return nil, 0, 0, 0, false, nil
	}

	primary := primaryFace(detection.Faces)
	quality := imaging.FaceQuality(
		primary.BoundingBox.W, primary.BoundingBox.H,
		detection.ImageWidth, detection.ImageHeight,
	)

	bbox := primary.BoundingBox
	embedding, err := p.embedder.Embed(ctx, imageData, &bbox)
	if err != nil {
		kind := KindUpstream
		if isInputErr(err) {
			kind = KindInput
		}
		return nil, 0, 0, 0, false, p.stageErr(StageEmbed, kind, correlationID, err)
	}
	if len(embedding.Embedding) != database.EmbeddingDim {
		return nil, 0, 0, 0, false, p.stageErr(StageEmbed, KindUpstream, correlationID,
			fmt.Errorf("recognition service returned %d dimensions, want %d",
				len(embedding.Embedding), database.EmbeddingDim))
	}

	if embedding.FaceQuality > 0 {
		quality = embedding.FaceQuality
	}
	return embedding.Embedding, primary.Confidence, quality, len(detection.Faces), false, nil
}

// primaryFace picks the face to embed: largest area wins, detection
// confidence breaks ties.
func primaryFace(faces []recognition.DetectedFace) recognition.DetectedFace {
	best := faces[0]
	for _, f := range faces[1:] {
		if f.FaceAreaPx > best.FaceAreaPx ||
			(f.FaceAreaPx == best.FaceAreaPx && f.Confidence > best.Confidence) {
			best = f
		}
	}
	return best
}

func isInputErr(err error) bool {
	return errors.Is(err, recognition.ErrBadInput)
}
