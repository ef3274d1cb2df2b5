package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/database"
)

var batchCmd = &cobra.Command{
	Use:   "batch <directory>",
	Short: "Run the match pipeline over a directory of images",
	Long: `Submit every image in a directory through the match pipeline as a batch
query. Used for bulk processing of sighting photo archives. Failures on
individual images are reported and skipped, not fatal.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	addSearchFlags(batchCmd)
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	entries, err := os.ReadDir(args[0])
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(args[0], entry.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return fmt.Errorf("no images found in %s", args[0])
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

	bar := progressbar.Default(int64(len(files)), "matching")
	opts := pipelineOptions(cmd)

	var submitted, matched, enqueued, failed int
	for _, file := range files {
		_ = bar.Add(1)

		imageData, err := os.ReadFile(file)
		if err != nil {
			s.log.Warn("skipping unreadable file", zap.String("file", file), zap.Error(err))
			failed++
			continue
		}

		result, err := s.pipeline.Submit(ctx, imageData, database.SourceBatch, opts)
		if err != nil {
			s.log.Warn("submission failed", zap.String("file", file), zap.Error(err))
			failed++
			continue
		}

		submitted++
		matched += len(result.Matches)
		enqueued += result.EnqueuedCount
	}

	fmt.Printf("\nProcessed %d image(s): %d submitted, %d match(es), %d enqueued, %d failed\n",
		len(files), submitted, matched, enqueued, failed)
	return nil
}
