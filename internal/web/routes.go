package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reunia/facematch/internal/web/handlers"
	"github.com/reunia/facematch/internal/web/middleware"
)

func (s *Server) setupRoutes(deps Deps) {
	submitHandler := handlers.NewSubmitHandler(deps.Pipeline, s.logger)
	reviewHandler := handlers.NewReviewHandler(deps.Queue, s.logger)
	embeddingsHandler := handlers.NewEmbeddingsHandler(deps.Embeddings, s.logger)
	healthHandler := handlers.NewHealthHandler(deps.Recognition)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", healthHandler.Check)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireBearer(s.config.Server.APIToken))

			// Match pipeline
			r.Post("/submit", submitHandler.Submit)

			// Review queue
			r.Get("/review/pending", reviewHandler.ListPending)
			r.Get("/review/status", reviewHandler.Status)
			r.Post("/review/{matchID}/claim", reviewHandler.Claim)
			r.Post("/review/{matchID}/resolve", reviewHandler.Resolve)

			// Embedding store administration
			r.Post("/embeddings", embeddingsHandler.Ingest)
			r.Post("/embeddings/{id}/disable", embeddingsHandler.Disable)
			r.Delete("/embeddings/{id}", embeddingsHandler.Delete)
		})
	})
}
