package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/database"
)

// EmbeddingsHandler administers the embedding store: ingestion by the
// case-management flow and erasure requests.
type EmbeddingsHandler struct {
	store  database.EmbeddingStore
	logger *zap.Logger
}

// NewEmbeddingsHandler creates an embeddings handler.
func NewEmbeddingsHandler(store database.EmbeddingStore, logger *zap.Logger) *EmbeddingsHandler {
	return &EmbeddingsHandler{store: store, logger: logger}
}

type ingestRequest struct {
	SubjectID     string    `json:"subject_id"`
	CaseID        string    `json:"case_id"`
	Vector        []float32 `json:"vector"`
	BBox          []float64 `json:"bbox,omitempty"`
	DetConfidence float64   `json:"det_confidence,omitempty"`
	Quality       float64   `json:"quality,omitempty"`
}

// Ingest stores a pre-computed embedding for a subject.
func (h *EmbeddingsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.SubjectID == "" || req.CaseID == "" {
		respondError(w, http.StatusBadRequest, "subject_id and case_id are required")
		return
	}

	id, err := h.store.Store(r.Context(), req.SubjectID, req.CaseID, req.Vector, database.EmbeddingMeta{
		BBox:          req.BBox,
		DetConfidence: req.DetConfidence,
		Quality:       req.Quality,
	})
	switch {
	case errors.Is(err, database.ErrBadDimension):
		respondError(w, http.StatusUnprocessableEntity, "vector must have exactly 512 dimensions")
	case err != nil:
		h.logger.Error("embedding ingest failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "embedding ingest failed")
	default:
		respondJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// Disable soft-erases an embedding: it stops matching, history stays intact.
func (h *EmbeddingsHandler) Disable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.store.Disable(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, "embedding not found")
	case err != nil:
		h.logger.Error("embedding disable failed", zap.String("id", sanitizeForLog(id)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "embedding disable failed")
	default:
		respondJSON(w, http.StatusOK, map[string]string{"id": id, "searchable": "false"})
	}
}

// Delete hard-erases an embedding for a data-subject erasure request. Match
// history is never cascaded.
func (h *EmbeddingsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.store.Delete(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, "embedding not found")
	case err != nil:
		h.logger.Error("embedding delete failed", zap.String("id", sanitizeForLog(id)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "embedding delete failed")
	default:
		respondJSON(w, http.StatusOK, map[string]string{"id": id, "deleted": "true"})
	}
}
