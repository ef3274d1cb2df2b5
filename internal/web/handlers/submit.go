package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/database"
	"github.com/reunia/facematch/internal/imaging"
	"github.com/reunia/facematch/internal/pipeline"
)

// SubmitHandler accepts face match submissions.
type SubmitHandler struct {
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

// NewSubmitHandler creates a submit handler.
func NewSubmitHandler(p *pipeline.Pipeline, logger *zap.Logger) *SubmitHandler {
	return &SubmitHandler{pipeline: p, logger: logger}
}

// Submit runs the match pipeline for an uploaded image. The image arrives as
// a multipart form file under "image"; query source and search options come
// from form values.
func (h *SubmitHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(imaging.MaxImageBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing image file")
		return
	}
	defer file.Close()

	imageData, err := io.ReadAll(io.LimitReader(file, imaging.MaxImageBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "could not read image")
		return
	}

	source, err := database.ParseQuerySource(r.FormValue("query_source"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown query source")
		return
	}

	opts, errMsg := parseSubmitOptions(r)
	if errMsg != "" {
		respondError(w, http.StatusBadRequest, errMsg)
		return
	}

	result, err := h.pipeline.Submit(r.Context(), imageData, source, opts)
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			respondJSON(w, statusForKind(stageErr.Kind), result)
			return
		}
		h.logger.Error("submission failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func parseSubmitOptions(r *http.Request) (pipeline.Options, string) {
	var opts pipeline.Options

	if v := r.FormValue("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, "invalid threshold"
		}
		opts.Threshold = &f
	}
	if v := r.FormValue("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, "invalid max_results"
		}
		opts.MaxResults = &n
	}
	if v := r.FormValue("precise"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, "invalid precise flag"
		}
		opts.Precise = b
	}
	return opts, ""
}

func statusForKind(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.KindInput, pipeline.KindValidation:
		return http.StatusUnprocessableEntity
	case pipeline.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
