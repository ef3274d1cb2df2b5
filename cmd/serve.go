package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the face match API server",
	Long: `Start the facematch HTTP server. It exposes the match pipeline,
the review queue, and embedding store administration, and runs the
review job delivery loop in the background.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	// Fast searches need the in-memory index; fall back to SQL if it fails.
	if err := s.embeddings.EnableHNSW(ctx); err != nil {
		s.log.Warn("failed to build in-memory search index, using SQL queries", zap.Error(err))
	} else {
		s.log.Info("in-memory search index ready", zap.Int("embeddings", s.embeddings.HNSWCount()))
	}

	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("start review queue: %w", err)
	}
	defer s.queue.Stop()

	server := web.NewServer(s.cfg, web.Deps{
		Pipeline:    s.pipeline,
		Queue:       s.queue,
		Embeddings:  s.embeddings,
		Recognition: s.recognition,
	}, s.log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
