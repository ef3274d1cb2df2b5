// Package embcache caches recognition service embeddings in Redis, keyed by
// the SHA-256 of the image bytes. Re-submissions of the same photo (common
// for citizen uploads shared across channels) skip the model entirely.
package embcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/reunia/facematch/internal/recognition"
)

const cacheKeyPrefix = "facematch:emb_cache:"

// embedder is the consumer interface for the cache decorator.
type embedder interface {
	Embed(ctx context.Context, imageData []byte, bbox *recognition.BoundingBox) (*recognition.EmbedResult, error)
}

// CachedEmbedder decorates a recognition client with a Redis read-through
// cache.
type CachedEmbedder struct {
	inner      embedder
	client     rueidis.Client
	ttl        time.Duration
	cacheTotal *prometheus.CounterVec
	logger     *zap.Logger
}

// New creates a caching decorator. cacheTotal is a counter vec with label
// "result" ("hit"/"miss"), passed explicitly.
func New(
	inner embedder,
	client rueidis.Client,
	ttl time.Duration,
	cacheTotal *prometheus.CounterVec,
	logger *zap.Logger,
) *CachedEmbedder {
	return &CachedEmbedder{
		inner:      inner,
		client:     client,
		ttl:        ttl,
		cacheTotal: cacheTotal,
		logger:     logger,
	}
}

// Connect opens a Redis connection for the cache.
func Connect(addr string) (rueidis.Client, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("connect embedding cache: %w", err)
	}
	return client, nil
}

// Embed returns a cached embedding or calls the inner client. Cache reads and
// writes are best-effort: a broken cache degrades to a model call, never an
// error.
func (c *CachedEmbedder) Embed(ctx context.Context, imageData []byte, bbox *recognition.BoundingBox) (*recognition.EmbedResult, error) {
	key := cacheKey(imageData, bbox)

	if result, ok := c.getFromCache(ctx, key); ok {
		c.incCache("hit")
		return result, nil
	}
	c.incCache("miss")

	result, err := c.inner.Embed(ctx, imageData, bbox)
	if err != nil {
		return nil, err
	}

	c.putToCache(ctx, key, result)
	return result, nil
}

func (c *CachedEmbedder) incCache(result string) {
	if c.cacheTotal != nil {
		c.cacheTotal.WithLabelValues(result).Inc()
	}
}

// cacheKey hashes the image bytes and the bbox (if any), so a full-frame
// embed and a crop embed of the same image never collide.
func cacheKey(imageData []byte, bbox *recognition.BoundingBox) string {
	h := sha256.New()
	h.Write(imageData)
	if bbox != nil {
		var buf [16]byte
		binary.LittleEndian.PutUint32(buf[0:], uint32(bbox.X))
		binary.LittleEndian.PutUint32(buf[4:], uint32(bbox.Y))
		binary.LittleEndian.PutUint32(buf[8:], uint32(bbox.W))
		binary.LittleEndian.PutUint32(buf[12:], uint32(bbox.H))
		h.Write(buf[:])
	}
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

func (c *CachedEmbedder) getFromCache(ctx context.Context, key string) (*recognition.EmbedResult, bool) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	data, err := resp.AsBytes()
	if err != nil {
		if !rueidis.IsRedisNil(err) {
			c.logger.Warn("Failed to get cached embedding", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	result, err := decodeResult(data)
	if err != nil {
		c.logger.Warn("Failed to parse cached embedding", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return result, true
}

func (c *CachedEmbedder) putToCache(ctx context.Context, key string, result *recognition.EmbedResult) {
	data := encodeResult(result)
	cmd := c.client.B().Set().Key(key).Value(rueidis.BinaryString(data)).Ex(c.ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		c.logger.Warn("Failed to cache embedding", zap.String("key", key), zap.Error(err))
	}
}

// encodeResult packs confidence and quality as float64 followed by the
// float32 vector, all little-endian.
func encodeResult(result *recognition.EmbedResult) []byte {
	buf := make([]byte, 16+len(result.Embedding)*4)
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(result.FaceConfidence))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(result.FaceQuality))
	for i, f := range result.Embedding {
		binary.LittleEndian.PutUint32(buf[16+i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeResult(data []byte) (*recognition.EmbedResult, error) {
	if len(data) < 16 || (len(data)-16)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding cache data: len=%d", len(data))
	}
	result := &recognition.EmbedResult{
		FaceConfidence: math.Float64frombits(binary.LittleEndian.Uint64(data[0:])),
		FaceQuality:    math.Float64frombits(binary.LittleEndian.Uint64(data[8:])),
		Embedding:      make([]float32, (len(data)-16)/4),
	}
	for i := range result.Embedding {
		result.Embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[16+i*4:]))
	}
	return result, nil
}
