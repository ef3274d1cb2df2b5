package config

import (
	_ "embed"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed thresholds.yaml
var thresholdsYAML []byte

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	CaseDir     CaseDirConfig
	Recognition RecognitionConfig
	Queue       QueueConfig
	Cache       CacheConfig
	Thresholds  ThresholdsConfig
}

type ServerConfig struct {
	Addr     string // listen address (default :8080)
	APIToken string // bearer token required on mutating endpoints
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type CaseDirConfig struct {
	DatabaseURL string // MariaDB DSN for the case-management database (e.g., reunia:reunia@tcp(mariadb:3306)/cases)
}

type RecognitionConfig struct {
	URL           string        // defaults to http://localhost:8000
	Token         string        // bearer token for the recognition service
	DetectTimeout time.Duration // defaults to 10s
	EmbedTimeout  time.Duration // defaults to 10s
	HealthTimeout time.Duration // defaults to 2s
}

type QueueConfig struct {
	MaxAttempts    int           // delivery attempts before parking a job (default 5)
	InitialBackoff time.Duration // first retry delay (default 1s)
	MaxBackoff     time.Duration // backoff ceiling (default 30s)
	ClaimTTL       time.Duration // reviewer claim expiry (default 15m)
}

type CacheConfig struct {
	RedisAddr string // optional; empty disables the embedding cache
	TTL       time.Duration
}

type ThresholdsConfig struct {
	Tiers struct {
		High   float64 `yaml:"high"`
		Medium float64 `yaml:"medium"`
		Low    float64 `yaml:"low"`
	} `yaml:"tiers"`
	Search struct {
		DefaultThreshold  float64 `yaml:"default_threshold"`
		DefaultMaxResults int     `yaml:"default_max_results"`
		MaxMaxResults     int     `yaml:"max_max_results"`
	} `yaml:"search"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envDuration reads an environment variable and parses it as a duration.
// Returns the default value if the env var is unset, empty, or invalid.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func Load() *Config {
	var thresholds ThresholdsConfig
	if err := yaml.Unmarshal(thresholdsYAML, &thresholds); err != nil {
		// Embedded file, so this can only fail on a bad edit.
		panic("failed to unmarshal embedded thresholds.yaml: " + err.Error())
	}

	return &Config{
		Server: ServerConfig{
			Addr:     envDefault("SERVER_ADDR", ":8080"),
			APIToken: os.Getenv("API_TOKEN"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		CaseDir: CaseDirConfig{
			DatabaseURL: os.Getenv("CASEDIR_DATABASE_URL"),
		},
		Recognition: RecognitionConfig{
			URL:           envDefault("RECOGNITION_URL", "http://localhost:8000"),
			Token:         os.Getenv("RECOGNITION_TOKEN"),
			DetectTimeout: envDuration("RECOGNITION_DETECT_TIMEOUT", 10*time.Second),
			EmbedTimeout:  envDuration("RECOGNITION_EMBED_TIMEOUT", 10*time.Second),
			HealthTimeout: envDuration("RECOGNITION_HEALTH_TIMEOUT", 2*time.Second),
		},
		Queue: QueueConfig{
			MaxAttempts:    envInt("QUEUE_MAX_ATTEMPTS", 5),
			InitialBackoff: envDuration("QUEUE_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("QUEUE_MAX_BACKOFF", 30*time.Second),
			ClaimTTL:       envDuration("QUEUE_CLAIM_TTL", 15*time.Minute),
		},
		Cache: CacheConfig{
			RedisAddr: os.Getenv("REDIS_ADDR"),
			TTL:       envDuration("REDIS_CACHE_TTL", 24*time.Hour),
		},
		Thresholds: thresholds,
	}
}
