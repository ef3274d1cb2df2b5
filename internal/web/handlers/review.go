package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/database"
	"github.com/reunia/facematch/internal/queue"
)

// ReviewHandler exposes the review queue to the dashboard.
type ReviewHandler struct {
	queue  *queue.ReviewQueue
	logger *zap.Logger
}

// NewReviewHandler creates a review handler.
func NewReviewHandler(q *queue.ReviewQueue, logger *zap.Logger) *ReviewHandler {
	return &ReviewHandler{queue: q, logger: logger}
}

type jobResponse struct {
	MatchID    string `json:"match_id"`
	Priority   string `json:"priority"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
	ClaimedBy  string `json:"claimed_by,omitempty"`
	EnqueuedAt string `json:"enqueued_at"`
}

// ListPending returns jobs awaiting review, priority first then oldest first.
func (h *ReviewHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	jobs, err := h.queue.ListPending(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list pending jobs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list pending reviews")
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobResponse{
			MatchID:    job.MatchID,
			Priority:   string(job.Priority),
			State:      string(job.State),
			Attempts:   job.Attempts,
			ClaimedBy:  job.ClaimedBy,
			EnqueuedAt: job.EnqueuedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": resp, "count": len(resp)})
}

// Status returns counts per queue and match lifecycle bucket.
func (h *ReviewHandler) Status(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Status(r.Context())
	if err != nil {
		h.logger.Error("failed to read queue status", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read queue status")
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

type claimRequest struct {
	ReviewerID string `json:"reviewer_id"`
}

// Claim marks a match as opened by a reviewer, blocking others until the
// claim expires.
func (h *ReviewHandler) Claim(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReviewerID == "" {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	err := h.queue.Claim(r.Context(), matchID, req.ReviewerID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, "review job not found")
	case errors.Is(err, database.ErrAlreadyClaimed):
		respondError(w, http.StatusConflict, "match already claimed by another reviewer")
	case err != nil:
		h.logger.Error("claim failed", zap.String("match_id", sanitizeForLog(matchID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "claim failed")
	default:
		respondJSON(w, http.StatusOK, map[string]string{"match_id": matchID, "claimed_by": req.ReviewerID})
	}
}

type resolveRequest struct {
	ReviewerID      string `json:"reviewer_id"`
	Action          string `json:"action"`
	Notes           string `json:"notes"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Resolve applies a reviewer decision to a pending match.
func (h *ReviewHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReviewerID == "" {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	action, err := database.ParseReviewAction(req.Action)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown review action")
		return
	}

	err = h.queue.Resolve(r.Context(), matchID, req.ReviewerID, action, req.Notes, req.DurationSeconds)
	switch {
	case errors.Is(err, queue.ErrNotesRequired):
		respondError(w, http.StatusUnprocessableEntity, "reject requires non-empty notes")
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, "match not found")
	case errors.Is(err, database.ErrAlreadyResolved):
		respondError(w, http.StatusConflict, "match already resolved")
	case err != nil:
		h.logger.Error("resolve failed", zap.String("match_id", sanitizeForLog(matchID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "resolve failed")
	default:
		respondJSON(w, http.StatusOK, map[string]string{
			"match_id": matchID,
			"status":   string(action.Status()),
		})
	}
}
