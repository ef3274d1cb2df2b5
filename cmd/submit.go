package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reunia/facematch/internal/database"
	"github.com/reunia/facematch/internal/pipeline"
)

var (
	submitThreshold  float64
	submitMaxResults int
	submitPrecise    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <image-file>",
	Short: "Run the match pipeline for a single image",
	Long: `Submit one image through the full match pipeline as an operator query:
detect, embed, search, and enqueue candidates for review. Prints the
ranked candidates with their confidence tiers.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	addSearchFlags(submitCmd)
}

// addSearchFlags registers the search tuning flags shared by submit and batch.
func addSearchFlags(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&submitThreshold, "threshold", 0, "Minimum similarity (default from config)")
	cmd.Flags().IntVar(&submitMaxResults, "max-results", 0, "Maximum candidates (default from config)")
	cmd.Flags().BoolVar(&submitPrecise, "precise", true, "Use the wide search mode (operators review results anyway)")
}

// pipelineOptions builds search options from the flags, passing only values
// the operator actually set so an explicit --threshold 0 is honored.
func pipelineOptions(cmd *cobra.Command) pipeline.Options {
	opts := pipeline.Options{Precise: submitPrecise}
	if cmd.Flags().Changed("threshold") {
		opts.Threshold = &submitThreshold
	}
	if cmd.Flags().Changed("max-results") {
		opts.MaxResults = &submitMaxResults
	}
	return opts
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	imageData, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	s, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("start review queue: %w", err)
	}
	defer s.queue.Stop()

	result, err := s.pipeline.Submit(ctx, imageData, database.SourceOperatorManual, pipelineOptions(cmd))
	if err != nil {
		return err
	}

	if !result.Detected {
		fmt.Println("No face detected.")
		return nil
	}

	fmt.Printf("Detected %d face(s), confidence %.2f, quality %.2f",
		result.FaceCount, result.FaceConfidence, result.FaceQuality)
	if result.UsedFallback {
		fmt.Printf(" (fallback engine)")
	}
	fmt.Printf("\n%d candidate(s), %d enqueued for review, %dms\n\n",
		len(result.Matches), result.EnqueuedCount, result.ProcessingMS)

	for i, m := range result.Matches {
		name := m.DisplayName
		if name == "" {
			name = m.SubjectID
		}
		fmt.Printf("%2d. %-30s %-12s sim=%.4f tier=%s priority=%s\n",
			i+1, name, m.CaseRef, m.Similarity, m.Tier, m.Priority)
	}
	return nil
}
