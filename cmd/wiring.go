package cmd

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/casedir"
	"github.com/reunia/facematch/internal/config"
	"github.com/reunia/facematch/internal/database"
	"github.com/reunia/facematch/internal/database/postgres"
	"github.com/reunia/facematch/internal/embcache"
	"github.com/reunia/facematch/internal/logger"
	"github.com/reunia/facematch/internal/metrics"
	"github.com/reunia/facematch/internal/pipeline"
	"github.com/reunia/facematch/internal/queue"
	"github.com/reunia/facematch/internal/recognition"
)

// services bundles everything a command needs, constructed once and passed
// around explicitly.
type services struct {
	cfg         *config.Config
	log         *zap.Logger
	pool        *postgres.Pool
	casedir     *casedir.Directory
	embeddings  *postgres.EmbeddingRepository
	matches     *postgres.MatchRepository
	jobs        *postgres.JobRepository
	queue       *queue.ReviewQueue
	pipeline    *pipeline.Pipeline
	recognition *recognition.Client
	closers     []func() error
}

// buildServices wires the full service graph from configuration.
func buildServices(ctx context.Context) (*services, error) {
	cfg := config.Load()
	if err := checkTierBoundaries(cfg); err != nil {
		return nil, err
	}

	env := os.Getenv("ENV")
	if env == "" {
		env = "prod"
	}
	log, err := logger.NewLogger(env, logLevel)
	if err != nil {
		return nil, err
	}

	metrics.RegisterPipelineMetrics()

	pool, err := postgres.NewPool(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &services{cfg: cfg, log: log, pool: pool}
	s.closers = append(s.closers, pool.Close)

	directory, err := casedir.New(cfg.CaseDir.DatabaseURL)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("connect case directory: %w", err)
	}
	s.casedir = directory
	s.closers = append(s.closers, directory.Close)

	s.embeddings = postgres.NewEmbeddingRepository(pool)
	s.matches = postgres.NewMatchRepository(pool)
	s.jobs = postgres.NewJobRepository(pool)

	s.recognition = recognition.NewClient(&cfg.Recognition)

	var embedder pipeline.Embedder = s.recognition
	if cfg.Cache.RedisAddr != "" {
		redisClient, err := embcache.Connect(cfg.Cache.RedisAddr)
		if err != nil {
			log.Warn("embedding cache unavailable, continuing without it", zap.Error(err))
		} else {
			embedder = embcache.New(s.recognition, redisClient, cfg.Cache.TTL, metrics.EmbeddingCacheTotal, log)
			s.closers = append(s.closers, func() error { redisClient.Close(); return nil })
		}
	}

	s.queue = queue.New(s.jobs, s.matches, queue.NewLogDeliverer(log), &cfg.Queue, log)

	s.pipeline = pipeline.New(
		s.recognition,
		embedder,
		s.recognition,
		s.embeddings,
		s.matches,
		s.queue,
		s.casedir,
		pipeline.NewLogAuditSink(log),
		pipeline.Config{
			DefaultThreshold:  cfg.Thresholds.Search.DefaultThreshold,
			DefaultMaxResults: cfg.Thresholds.Search.DefaultMaxResults,
			MaxMaxResults:     cfg.Thresholds.Search.MaxMaxResults,
		},
		log,
	)

	return s, nil
}

// checkTierBoundaries verifies the embedded tier boundaries agree with the
// classifier. Review priorities and stored tiers must never drift apart from
// the thresholds operators see in the config file.
func checkTierBoundaries(cfg *config.Config) error {
	tiers := cfg.Thresholds.Tiers
	if tiers.High != database.ThresholdHigh ||
		tiers.Medium != database.ThresholdMedium ||
		tiers.Low != database.ThresholdLow {
		return fmt.Errorf("thresholds.yaml tiers %v/%v/%v do not match classifier boundaries %v/%v/%v",
			tiers.High, tiers.Medium, tiers.Low,
			database.ThresholdHigh, database.ThresholdMedium, database.ThresholdLow)
	}
	return nil
}

// Close releases all held resources in reverse order.
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("close failed", zap.Error(err))
		}
	}
	_ = s.log.Sync()
}
