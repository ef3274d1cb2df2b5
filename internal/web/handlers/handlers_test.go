package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/config"
	"github.com/reunia/facematch/internal/database"
	"github.com/reunia/facematch/internal/database/mock"
	"github.com/reunia/facematch/internal/pipeline"
	"github.com/reunia/facematch/internal/queue"
	"github.com/reunia/facematch/internal/recognition"
)

// stubRecognizer answers detect/embed/health with canned values.
type stubRecognizer struct {
	embedding []float32
	healthErr error
}

func (s *stubRecognizer) Detect(ctx context.Context, imageData []byte) (*recognition.DetectResult, error) {
	return &recognition.DetectResult{
		Faces: []recognition.DetectedFace{{
			BoundingBox: recognition.BoundingBox{X: 8, Y: 8, W: 48, H: 48},
			Confidence:  0.95,
			FaceAreaPx:  48 * 48,
		}},
		ImageWidth:  64,
		ImageHeight: 64,
	}, nil
}

func (s *stubRecognizer) Embed(ctx context.Context, imageData []byte, bbox *recognition.BoundingBox) (*recognition.EmbedResult, error) {
	return &recognition.EmbedResult{
		Embedding:      s.embedding,
		FaceConfidence: 0.95,
		FaceQuality:    0.8,
	}, nil
}

func (s *stubRecognizer) CheckHealth(ctx context.Context) (*recognition.Health, error) {
	if s.healthErr != nil {
		return nil, s.healthErr
	}
	return &recognition.Health{Status: "healthy"}, nil
}

type nopAudit struct{}

func (nopAudit) Record(ctx context.Context, event pipeline.AuditEvent) {}

type testApp struct {
	router     *chi.Mux
	embeddings *mock.EmbeddingStore
	matches    *mock.MatchStore
	jobs       *mock.JobStore
	casedir    *mock.CaseDirectory
	queue      *queue.ReviewQueue
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	log := zap.NewNop()

	app := &testApp{
		embeddings: mock.NewEmbeddingStore(),
		matches:    mock.NewMatchStore(),
		jobs:       mock.NewJobStore(),
		casedir:    mock.NewCaseDirectory(),
	}
	app.queue = queue.New(app.jobs, app.matches, queue.NewLogDeliverer(log), &config.QueueConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		ClaimTTL:       time.Minute,
	}, log)
	app.matches.SetJobLookup(app.jobs.Has)

	rec := &stubRecognizer{embedding: unitVector(0)}
	p := pipeline.New(rec, rec, rec, app.embeddings, app.matches, app.queue,
		app.casedir, nopAudit{}, pipeline.Config{}, log)

	submit := NewSubmitHandler(p, log)
	review := NewReviewHandler(app.queue, log)
	embeddings := NewEmbeddingsHandler(app.embeddings, log)

	r := chi.NewRouter()
	r.Post("/submit", submit.Submit)
	r.Get("/review/pending", review.ListPending)
	r.Get("/review/status", review.Status)
	r.Post("/review/{matchID}/claim", review.Claim)
	r.Post("/review/{matchID}/resolve", review.Resolve)
	r.Post("/embeddings", embeddings.Ingest)
	r.Post("/embeddings/{id}/disable", embeddings.Disable)
	r.Delete("/embeddings/{id}", embeddings.Delete)
	app.router = r
	return app
}

func unitVector(axis int) []float32 {
	v := make([]float32, database.EmbeddingDim)
	v[axis] = 1
	return v
}

func pngUpload(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	var imgBuf bytes.Buffer
	if err := png.Encode(&imgBuf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "upload.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write(imgBuf.Bytes())
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	return &body, mw.FormDataContentType()
}

func (app *testApp) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewBuffer(data)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)
	return rec
}

func (app *testApp) addMatch(t *testing.T, id string) {
	t.Helper()
	err := app.matches.CreateMatch(context.Background(), &database.Match{
		ID:           id,
		QuerySource:  database.SourceCitizenUpload,
		SubjectID:    "s-" + id,
		CaseID:       "c-" + id,
		Similarity:   0.9,
		Tier:         database.TierHigh,
		ReviewStatus: database.ReviewPending,
		RequestedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("create match: %v", err)
	}
	if _, err := app.queue.Enqueue(context.Background(), id, database.PriorityHigh); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestSubmitEndToEnd(t *testing.T) {
	app := newTestApp(t)

	// Seed one embedding the query vector matches exactly, with display
	// metadata so enrichment keeps the candidate.
	_, err := app.embeddings.Store(context.Background(), "subj-1", "case-1", unitVector(0), database.EmbeddingMeta{})
	if err != nil {
		t.Fatalf("seed embedding: %v", err)
	}
	app.casedir.AddSubject(database.Subject{
		SubjectID:   "subj-1",
		CaseID:      "case-1",
		DisplayName: "Maria Garcia",
		CaseRef:     "CASE-2026-0001",
	})

	body, contentType := pngUpload(t, map[string]string{"query_source": "citizen_upload"})
	req := httptest.NewRequest(http.MethodPost, "/submit", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Success || !result.Detected {
		t.Errorf("result = %+v", result)
	}
	if len(result.Matches) != 1 || result.Matches[0].SubjectID != "subj-1" {
		t.Errorf("matches = %+v", result.Matches)
	}
	if result.EnqueuedCount != 1 {
		t.Errorf("enqueued = %d, want 1", result.EnqueuedCount)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	app := newTestApp(t)

	t.Run("unknown query source", func(t *testing.T) {
		body, contentType := pngUpload(t, map[string]string{"query_source": "press_release"})
		req := httptest.NewRequest(http.MethodPost, "/submit", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		app.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("missing image", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		mw.WriteField("query_source", "citizen_upload")
		mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/submit", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := httptest.NewRecorder()
		app.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("out of range threshold", func(t *testing.T) {
		body, contentType := pngUpload(t, map[string]string{
			"query_source": "citizen_upload",
			"threshold":    "1.5",
		})
		req := httptest.NewRequest(http.MethodPost, "/submit", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		app.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", rec.Code)
		}
	})
}

func TestReviewClaimStatusMapping(t *testing.T) {
	app := newTestApp(t)
	app.addMatch(t, "m1")

	rec := app.do(t, http.MethodPost, "/review/m1/claim", map[string]string{"reviewer_id": "r1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = app.do(t, http.MethodPost, "/review/m1/claim", map[string]string{"reviewer_id": "r2"})
	if rec.Code != http.StatusConflict {
		t.Errorf("competing claim status = %d, want 409", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/review/missing/claim", map[string]string{"reviewer_id": "r1"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown match claim status = %d, want 404", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/review/m1/claim", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing reviewer status = %d, want 400", rec.Code)
	}
}

func TestReviewResolveStatusMapping(t *testing.T) {
	app := newTestApp(t)
	app.addMatch(t, "m1")

	rec := app.do(t, http.MethodPost, "/review/m1/resolve", map[string]any{
		"reviewer_id": "r1",
		"action":      "reject",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("reject without notes status = %d, want 422", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/review/m1/resolve", map[string]any{
		"reviewer_id": "r1",
		"action":      "escalate-to-the-moon",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d, want 400", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/review/m1/resolve", map[string]any{
		"reviewer_id":      "r1",
		"action":           "approve",
		"duration_seconds": 42,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "approved" {
		t.Errorf("resolved status = %q, want approved", resp["status"])
	}

	// Second resolution hits the terminal match.
	rec = app.do(t, http.MethodPost, "/review/m1/resolve", map[string]any{
		"reviewer_id": "r2",
		"action":      "reject",
		"notes":       "different face shape",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("re-resolve status = %d, want 409", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/review/missing/resolve", map[string]any{
		"reviewer_id": "r1",
		"action":      "approve",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown match status = %d, want 404", rec.Code)
	}
}

func TestReviewListPendingAndStatus(t *testing.T) {
	app := newTestApp(t)
	app.addMatch(t, "m1")
	app.addMatch(t, "m2")

	rec := app.do(t, http.MethodGet, "/review/pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending status = %d", rec.Code)
	}
	var listResp struct {
		Jobs  []jobResponse `json:"jobs"`
		Count int           `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if listResp.Count != 2 || len(listResp.Jobs) != 2 {
		t.Errorf("count = %d jobs = %d, want 2", listResp.Count, len(listResp.Jobs))
	}

	rec = app.do(t, http.MethodGet, "/review/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	var counts database.QueueCounts
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
	if counts.JobsPending != 2 || counts.Pending != 2 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestEmbeddingsIngest(t *testing.T) {
	app := newTestApp(t)

	t.Run("created", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/embeddings", map[string]any{
			"subject_id": "subj-1",
			"case_id":    "case-1",
			"vector":     unitVector(3),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		var resp map[string]string
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["id"] == "" {
			t.Error("response missing embedding id")
		}
	})

	t.Run("wrong dimension", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/embeddings", map[string]any{
			"subject_id": "subj-1",
			"case_id":    "case-1",
			"vector":     []float32{1, 2, 3},
		})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("missing identifiers", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/embeddings", map[string]any{
			"vector": unitVector(0),
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestEmbeddingsDisableAndDelete(t *testing.T) {
	app := newTestApp(t)
	id, err := app.embeddings.Store(context.Background(), "subj-1", "case-1", unitVector(0), database.EmbeddingMeta{})
	if err != nil {
		t.Fatalf("seed embedding: %v", err)
	}

	rec := app.do(t, http.MethodPost, fmt.Sprintf("/embeddings/%s/disable", id), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}

	rec = app.do(t, http.MethodDelete, "/embeddings/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = app.do(t, http.MethodDelete, "/embeddings/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("repeat delete status = %d, want 404", rec.Code)
	}
}
