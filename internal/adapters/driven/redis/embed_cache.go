package redis

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.EmbeddingCache = (*EmbedCache)(nil)

const embedCachePrefix = "quarry:embedcache:"

// DefaultEmbedCacheTTL bounds how long cached query vectors live.
const DefaultEmbedCacheTTL = 24 * time.Hour

// EmbedCache caches query embeddings in Redis, keyed by model and content
// hash. Vectors are stored as little-endian float32 blobs so they round-trip
// bit-exactly.
type EmbedCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEmbedCache creates a new Redis-backed embedding cache.
// A non-positive ttl falls back to DefaultEmbedCacheTTL.
func NewEmbedCache(client *redis.Client, ttl time.Duration) *EmbedCache {
	if ttl <= 0 {
		ttl = DefaultEmbedCacheTTL
	}
	return &EmbedCache{client: client, ttl: ttl}
}

func cacheKey(model, text string) string {
	return embedCachePrefix + model + ":" + domain.ComputeSHA256(text)
}

// Get returns the cached vector for the model/text pair or domain.ErrNotFound.
func (c *EmbedCache) Get(ctx context.Context, model, text string) ([]float32, error) {
	data, err := c.client.Get(ctx, cacheKey(model, text)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("embed cache get: %w", err)
	}
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, domain.ErrNotFound
	}

	vector := make([]float32, len(data)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vector, nil
}

// Put stores a vector for the model/text pair with the configured TTL.
func (c *EmbedCache) Put(ctx context.Context, model, text string, vector []float32) error {
	if len(vector) == 0 {
		return nil
	}

	data := make([]byte, len(vector)*4)
	for i, f := range vector {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}

	if err := c.client.Set(ctx, cacheKey(model, text), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("embed cache put: %w", err)
	}
	return nil
}

// Ping checks if the Redis backend is healthy.
func (c *EmbedCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
