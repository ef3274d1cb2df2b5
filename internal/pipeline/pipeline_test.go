package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/casedir"
	"github.com/reunia/facematch/internal/database"
	"github.com/reunia/facematch/internal/database/mock"
	"github.com/reunia/facematch/internal/fallback"
	"github.com/reunia/facematch/internal/recognition"
)

// fakeRecognizer implements Detector, Embedder, and HealthChecker with
// injectable behavior.
type fakeRecognizer struct {
	faces       []recognition.DetectedFace
	vector      []float32
	healthErr   error
	detectErr   error
	embedErr    error
	embedCalled int
}

func (f *fakeRecognizer) Detect(ctx context.Context, imageData []byte) (*recognition.DetectResult, error) {
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	return &recognition.DetectResult{Faces: f.faces, ImageWidth: 640, ImageHeight: 480}, nil
}

func (f *fakeRecognizer) Embed(ctx context.Context, imageData []byte, bbox *recognition.BoundingBox) (*recognition.EmbedResult, error) {
	f.embedCalled++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return &recognition.EmbedResult{Embedding: f.vector, FaceConfidence: 0.95, FaceQuality: 0.9}, nil
}

func (f *fakeRecognizer) CheckHealth(ctx context.Context) (*recognition.Health, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	return &recognition.Health{Status: "healthy"}, nil
}

// fakeEnqueuer records enqueue calls and can inject failures.
type fakeEnqueuer struct {
	calls      []string
	priorities []database.Priority
	err        error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, matchID string, priority database.Priority) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.calls = append(f.calls, matchID)
	f.priorities = append(f.priorities, priority)
	return true, nil
}

type nopAudit struct{}

func (nopAudit) Record(ctx context.Context, event AuditEvent) {}

// recordingAudit captures audit events for inspection.
type recordingAudit struct {
	events []AuditEvent
}

func (r *recordingAudit) Record(ctx context.Context, event AuditEvent) {
	r.events = append(r.events, event)
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func oneFace() []recognition.DetectedFace {
	return []recognition.DetectedFace{{
		FaceIndex:   0,
		BoundingBox: recognition.BoundingBox{X: 10, Y: 10, W: 120, H: 120},
		Confidence:  0.95,
		FaceAreaPx:  14400,
	}}
}

// axisVector builds a unit vector at similarity cosTheta to the first axis.
func axisVector(cosTheta float64) []float32 {
	v := make([]float32, database.EmbeddingDim)
	v[0] = float32(cosTheta)
	v[1] = float32(math.Sqrt(1 - cosTheta*cosTheta))
	return v
}

type testEnv struct {
	pipeline   *Pipeline
	embeddings *mock.EmbeddingStore
	matches    *mock.MatchStore
	enqueuer   *fakeEnqueuer
	casedir    *mock.CaseDirectory
	recognizer *fakeRecognizer
}

func newTestEnv(t *testing.T, rec *fakeRecognizer) *testEnv {
	t.Helper()
	env := &testEnv{
		embeddings: mock.NewEmbeddingStore(),
		matches:    mock.NewMatchStore(),
		enqueuer:   &fakeEnqueuer{},
		casedir:    mock.NewCaseDirectory(),
		recognizer: rec,
	}
	env.pipeline = New(
		rec, rec, rec,
		env.embeddings, env.matches, env.enqueuer, env.casedir,
		nopAudit{}, Config{}, zap.NewNop(),
	)
	return env
}

func (e *testEnv) storeSubject(t *testing.T, subjectID string, vector []float32) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.embeddings.Store(ctx, subjectID, "case-"+subjectID, vector, database.EmbeddingMeta{}); err != nil {
		t.Fatalf("store embedding: %v", err)
	}
	e.casedir.AddSubject(database.Subject{
		SubjectID:   subjectID,
		CaseID:      "case-" + subjectID,
		DisplayName: "Subject " + subjectID,
		CaseRef:     "REF-" + subjectID,
		CaseStatus:  "open",
	})
}

func TestSubmitHighTierMatch(t *testing.T) {
	rec := &fakeRecognizer{faces: oneFace(), vector: axisVector(1.0)}
	env := newTestEnv(t, rec)
	// Stored vector at cosine similarity 0.86 to the query.
	env.storeSubject(t, "s1", axisVector(0.86))

	result, err := env.pipeline.Submit(context.Background(), testImage(t), database.SourceCitizenUpload, Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !result.Success || !result.Detected {
		t.Fatalf("result = %+v, want success and detected", result)
	}
	if len(result.Matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(result.Matches))
	}

	m := result.Matches[0]
	if m.Tier != database.TierHigh {
		t.Errorf("tier = %v, want HIGH", m.Tier)
	}
	if math.Abs(m.Similarity-0.86) > 0.001 {
		t.Errorf("similarity = %v, want ~0.86", m.Similarity)
	}
	if m.DisplayName != "Subject s1" || m.CaseRef != "REF-s1" {
		t.Errorf("enrichment missing: %+v", m)
	}

	if env.matches.Count() != 1 {
		t.Errorf("match rows = %d, want 1", env.matches.Count())
	}
	if len(env.enqueuer.calls) != 1 {
		t.Fatalf("enqueue calls = %d, want 1", len(env.enqueuer.calls))
	}
	if env.enqueuer.priorities[0] != database.PriorityHigh {
		t.Errorf("priority = %v, want high", env.enqueuer.priorities[0])
	}
	if result.EnqueuedCount != 1 {
		t.Errorf("enqueued count = %d, want 1", result.EnqueuedCount)
	}
}

// Every candidate returned by the search yields exactly one match row and one
// enqueue attempt.
func TestSubmitMatchEnqueueCountsAlign(t *testing.T) {
	rec := &fakeRecognizer{faces: oneFace(), vector: axisVector(1.0)}
	env := newTestEnv(t, rec)
	env.storeSubject(t, "s1", axisVector(0.9))
	env.storeSubject(t, "s2", axisVector(0.75))
	env.storeSubject(t, "s3", axisVector(0.6))
	// Below the default threshold, must not appear at all.
	env.storeSubject(t, "s4", axisVector(0.3))

	result, err := env.pipeline.Submit(context.Background(), testImage(t), database.SourceSightingPhoto, Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if len(result.Matches) != 3 {
		t.Fatalf("matches = %d, want 3", len(result.Matches))
	}
	if env.matches.Count() != len(result.Matches) {
		t.Errorf("match rows = %d, matches = %d", env.matches.Count(), len(result.Matches))
	}
	if len(env.enqueuer.calls) != len(result.Matches) {
		t.Errorf("enqueues = %d, matches = %d", len(env.enqueuer.calls), len(result.Matches))
	}

	wantTiers := []database.Tier{database.TierHigh, database.TierMedium, database.TierLow}
	for i, m := range result.Matches {
		if m.Tier != wantTiers[i] {
			t.Errorf("match %d tier = %v, want %v", i, m.Tier, wantTiers[i])
		}
	}
}

func TestSubmitNoFaces(t *testing.T) {
	rec := &fakeRecognizer{faces: nil}
	env := newTestEnv(t, rec)
	env.storeSubject(t, "s1", axisVector(0.9))

	result, err := env.pipeline.Submit(context.Background(), testImage(t), database.SourceCitizenUpload, Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if result.Success || result.Detected {
		t.Errorf("result = %+v, want not success, not detected", result)
	}
	if len(result.Matches) != 0 {
		t.Errorf("matches = %d, want 0", len(result.Matches))
	}
	if env.matches.Count() != 0 {
		t.Errorf("match rows = %d, want 0", env.matches.Count())
	}
	if len(env.enqueuer.calls) != 0 {
		t.Errorf("enqueues = %d, want 0", len(env.enqueuer.calls))
	}
}

// With the recognition service down, the fallback engine activates and
// identical input bytes produce identical vectors, so a stored fallback
// embedding of the same image matches at similarity ~1.0 on every run.
func TestSubmitFallbackDeterministic(t *testing.T) {
	img := testImage(t)
	vec, err := fallback.Extract(img)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	rec := &fakeRecognizer{healthErr: errors.New("connection refused")}
	env := newTestEnv(t, rec)
	env.storeSubject(t, "s1", vec)

	for run := 0; run < 2; run++ {
		result, err := env.pipeline.Submit(context.Background(), img, database.SourceCitizenUpload, Options{})
		if err != nil {
			t.Fatalf("Submit run %d: %v", run, err)
		}
		if !result.UsedFallback {
			t.Fatal("fallback not activated")
		}
		if !result.Detected || len(result.Matches) == 0 {
			t.Fatalf("run %d: no match from fallback vector", run)
		}
		if result.Matches[0].Similarity < 0.9999 {
			t.Errorf("run %d: self similarity = %v, want ~1.0", run, result.Matches[0].Similarity)
		}
	}
	if rec.embedCalled != 0 {
		t.Errorf("embedder called %d times while unhealthy", rec.embedCalled)
	}
}

func TestSubmitSearchFailureAborts(t *testing.T) {
	rec := &fakeRecognizer{faces: oneFace(), vector: axisVector(1.0)}
	env := newTestEnv(t, rec)
	env.embeddings.SearchError = errors.New("index offline")

	_, err := env.pipeline.Submit(context.Background(), testImage(t), database.SourceCitizenUpload, Options{})
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error = %v, want StageError", err)
	}
	if stageErr.Stage != StageSearch || stageErr.Kind != KindPersistence {
		t.Errorf("stage/kind = %v/%v, want search/persistence", stageErr.Stage, stageErr.Kind)
	}
	if env.matches.Count() != 0 {
		t.Errorf("match rows = %d after aborted search, want 0", env.matches.Count())
	}
}

func TestSubmitEnqueueFailureIsNonFatal(t *testing.T) {
	rec := &fakeRecognizer{faces: oneFace(), vector: axisVector(1.0)}
	env := newTestEnv(t, rec)
	env.storeSubject(t, "s1", axisVector(0.9))
	env.enqueuer.err = errors.New("queue down")

	result, err := env.pipeline.Submit(context.Background(), testImage(t), database.SourceCitizenUpload, Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !result.Success {
		t.Error("enqueue failure must not fail the pipeline")
	}
	if env.matches.Count() != 1 {
		t.Errorf("match rows = %d, want 1 (match stays for reconciliation)", env.matches.Count())
	}
	if result.EnqueuedCount != 0 {
		t.Errorf("enqueued count = %d, want 0", result.EnqueuedCount)
	}
}

func TestSubmitSkipsUnknownSubject(t *testing.T) {
	rec := &fakeRecognizer{faces: oneFace(), vector: axisVector(1.0)}
	env := newTestEnv(t, rec)
	// Embedding exists but the case directory has no subject record.
	ctx := context.Background()
	if _, err := env.embeddings.Store(ctx, "ghost", "case-ghost", axisVector(0.9), database.EmbeddingMeta{}); err != nil {
		t.Fatalf("store embedding: %v", err)
	}

	result, err := env.pipeline.Submit(ctx, testImage(t), database.SourceCitizenUpload, Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !result.Success {
		t.Error("missing subject must not fail the pipeline")
	}
	if len(result.Matches) != 0 || env.matches.Count() != 0 {
		t.Errorf("candidate with unknown subject must be skipped, got %d matches", len(result.Matches))
	}
}

func TestSubmitValidation(t *testing.T) {
	rec := &fakeRecognizer{faces: oneFace(), vector: axisVector(1.0)}

	tests := []struct {
		name  string
		image []byte
		opts  Options
		stage Stage
		kind  ErrorKind
	}{
		{"bad threshold", nil, Options{Threshold: floatPtr(1.5)}, StageValidate, KindValidation},
		{"negative threshold", nil, Options{Threshold: floatPtr(-0.1)}, StageValidate, KindValidation},
		{"excessive max results", nil, Options{MaxResults: intPtr(5000)}, StageValidate, KindValidation},
		{"zero max results", nil, Options{MaxResults: intPtr(0)}, StageValidate, KindValidation},
		{"garbage image", []byte("not an image"), Options{}, StageValidate, KindInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, rec)
			img := tt.image
			if img == nil {
				img = testImage(t)
			}

			_, err := env.pipeline.Submit(context.Background(), img, database.SourceCitizenUpload, tt.opts)
			var stageErr *StageError
			if !errors.As(err, &stageErr) {
				t.Fatalf("error = %v, want StageError", err)
			}
			if stageErr.Stage != tt.stage || stageErr.Kind != tt.kind {
				t.Errorf("stage/kind = %v/%v, want %v/%v", stageErr.Stage, stageErr.Kind, tt.stage, tt.kind)
			}
			if env.matches.Count() != 0 {
				t.Errorf("validation failure created %d match rows", env.matches.Count())
			}
		})
	}
}

// An explicit zero threshold means "no similarity floor", not "use the
// default": candidates below the default threshold come back.
func TestSubmitExplicitZeroThreshold(t *testing.T) {
	rec := &fakeRecognizer{faces: oneFace(), vector: axisVector(1.0)}
	env := newTestEnv(t, rec)
	env.storeSubject(t, "s1", axisVector(0.3))

	result, err := env.pipeline.Submit(context.Background(), testImage(t), database.SourceOperatorManual, Options{Threshold: floatPtr(0)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if len(result.Matches) != 1 {
		t.Fatalf("matches = %d, want 1 (zero threshold admits all candidates)", len(result.Matches))
	}
	if result.Matches[0].Tier != database.TierRejected {
		t.Errorf("tier = %v, want REJECTED for similarity 0.3", result.Matches[0].Tier)
	}

	// Without the explicit threshold the same candidate stays filtered out.
	result, err = env.pipeline.Submit(context.Background(), testImage(t), database.SourceOperatorManual, Options{})
	if err != nil {
		t.Fatalf("Submit with defaults: %v", err)
	}
	if len(result.Matches) != 0 {
		t.Errorf("matches = %d with default threshold, want 0", len(result.Matches))
	}
}

// The audit trail carries normalized candidate names so audit lines can be
// searched without matching diacritics or casing.
func TestSubmitAuditCarriesNormalizedNames(t *testing.T) {
	rec := &fakeRecognizer{faces: oneFace(), vector: axisVector(1.0)}
	embeddings := mock.NewEmbeddingStore()
	cd := mock.NewCaseDirectory()
	sink := &recordingAudit{}
	p := New(
		rec, rec, rec,
		embeddings, mock.NewMatchStore(), &fakeEnqueuer{}, cd,
		sink, Config{}, zap.NewNop(),
	)

	ctx := context.Background()
	if _, err := embeddings.Store(ctx, "s1", "case-s1", axisVector(0.9), database.EmbeddingMeta{}); err != nil {
		t.Fatalf("store embedding: %v", err)
	}
	cd.AddSubject(database.Subject{
		SubjectID:      "s1",
		CaseID:         "case-s1",
		DisplayName:    "José-Luís García",
		NormalizedName: casedir.NormalizeSubjectName("José-Luís García"),
		CaseRef:        "REF-1",
	})

	if _, err := p.Submit(ctx, testImage(t), database.SourceCitizenUpload, Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if len(sink.events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(sink.events))
	}
	want := []string{"jose luis garcia"}
	if !reflect.DeepEqual(sink.events[0].SubjectNames, want) {
		t.Errorf("audit subject names = %v, want %v", sink.events[0].SubjectNames, want)
	}
}

func TestSubmitUpstreamErrors(t *testing.T) {
	t.Run("detect failure", func(t *testing.T) {
		rec := &fakeRecognizer{detectErr: errors.New("model crashed")}
		env := newTestEnv(t, rec)

		_, err := env.pipeline.Submit(context.Background(), testImage(t), database.SourceCitizenUpload, Options{})
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			t.Fatalf("error = %v, want StageError", err)
		}
		if stageErr.Stage != StageDetect || stageErr.Kind != KindUpstream {
			t.Errorf("stage/kind = %v/%v, want detect/upstream", stageErr.Stage, stageErr.Kind)
		}
	})

	t.Run("embed bad input", func(t *testing.T) {
		rec := &fakeRecognizer{faces: oneFace(), embedErr: recognition.ErrBadInput}
		env := newTestEnv(t, rec)

		_, err := env.pipeline.Submit(context.Background(), testImage(t), database.SourceCitizenUpload, Options{})
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			t.Fatalf("error = %v, want StageError", err)
		}
		if stageErr.Stage != StageEmbed || stageErr.Kind != KindInput {
			t.Errorf("stage/kind = %v/%v, want embed/input", stageErr.Stage, stageErr.Kind)
		}
	})

	t.Run("wrong dimension from service", func(t *testing.T) {
		rec := &fakeRecognizer{faces: oneFace(), vector: make([]float32, 100)}
		env := newTestEnv(t, rec)

		_, err := env.pipeline.Submit(context.Background(), testImage(t), database.SourceCitizenUpload, Options{})
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			t.Fatalf("error = %v, want StageError", err)
		}
		if stageErr.Stage != StageEmbed || stageErr.Kind != KindUpstream {
			t.Errorf("stage/kind = %v/%v, want embed/upstream", stageErr.Stage, stageErr.Kind)
		}
	})
}

func TestPrimaryFaceSelection(t *testing.T) {
	faces := []recognition.DetectedFace{
		{FaceIndex: 0, FaceAreaPx: 100, Confidence: 0.99},
		{FaceIndex: 1, FaceAreaPx: 900, Confidence: 0.80},
		{FaceIndex: 2, FaceAreaPx: 900, Confidence: 0.85},
	}
	got := primaryFace(faces)
	if got.FaceIndex != 2 {
		t.Errorf("primary face = %d, want 2 (largest area, then confidence)", got.FaceIndex)
	}
}
