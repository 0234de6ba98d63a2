package rag

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/esrbot/pkg/metrics"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// EmbeddingCache stores vectors by key. GetMany returns a nil entry for every miss.
type EmbeddingCache interface {
	GetMany(ctx context.Context, keys []string) ([][]float32, error)
	SetMany(ctx context.Context, keys []string, vectors [][]float32) error
}

// CacheKey derives the cache key for text embedded with model.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// MemoryCache is an unbounded in-process EmbeddingCache.
type MemoryCache struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{vectors: make(map[string][]float32)}
}

func (m *MemoryCache) GetMany(_ context.Context, keys []string) ([][]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]float32, len(keys))
	for i, k := range keys {
		out[i] = m.vectors[k]
	}
	return out, nil
}

func (m *MemoryCache) SetMany(_ context.Context, keys []string, vectors [][]float32) error {
	if len(keys) != len(vectors) {
		return fmt.Errorf("cache set: %d keys for %d vectors", len(keys), len(vectors))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, k := range keys {
		m.vectors[k] = vectors[i]
	}
	return nil
}

// Len returns the number of cached vectors.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

// RedisCacheConfig configures RedisCache.
type RedisCacheConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisCache keeps embeddings in Redis as little-endian float32 blobs.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and pings it.
func NewRedisCache(ctx context.Context, config RedisCacheConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisCacheFromClient(client, config.KeyPrefix, config.TTL), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "esrbot:embedding:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) GetMany(ctx context.Context, keys []string) ([][]float32, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}

	values, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings from redis: %w", err)
	}

	out := make([][]float32, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		vec, err := decodeVector([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("failed to decode cached embedding: %w", err)
		}
		out[i] = vec
	}
	return out, nil
}

func (r *RedisCache) SetMany(ctx context.Context, keys []string, vectors [][]float32) error {
	if len(keys) != len(vectors) {
		return fmt.Errorf("cache set: %d keys for %d vectors", len(keys), len(vectors))
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	defer pipe.Close()
	for i, k := range keys {
		pipe.Set(ctx, r.prefix+k, encodeVector(vectors[i]), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write embeddings to redis: %w", err)
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func encodeVector(v []float32) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 4*len(v))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(v)))
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func decodeVector(data []byte) ([]float32, error) {
	r := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int(n)*4 != r.Len() {
		return nil, errors.New("corrupt vector length")
	}
	v := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}

// CachedEmbedder consults Cache before calling Embedder and stores whatever it had to compute.
// Cache failures are logged and treated as misses.
type CachedEmbedder struct {
	Embedder Embedder
	Cache    EmbeddingCache
	// Model namespaces keys so switching embedding models never returns stale vectors.
	Model  string
	logger *zap.Logger
}

func NewCachedEmbedder(embedder Embedder, cache EmbeddingCache, model string, loggers ...*zap.Logger) *CachedEmbedder {
	logger := zap.NewNop()
	if len(loggers) > 0 && loggers[0] != nil {
		logger = loggers[0]
	}
	return &CachedEmbedder{Embedder: embedder, Cache: cache, Model: model, logger: logger}
}

func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = CacheKey(c.Model, t)
	}

	cached, err := c.Cache.GetMany(ctx, keys)
	if err != nil {
		metrics.EmbeddingCacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("embedding cache read failed", zap.Error(err))
	}
	if len(cached) != len(texts) {
		cached = make([][]float32, len(texts))
	}

	out := make([][]float32, len(texts))
	// distinct missing texts, each mapped to every position it occupies
	var missTexts, missKeys []string
	positions := map[string][]int{}
	hits := 0
	for i, vec := range cached {
		if vec != nil {
			out[i] = vec
			hits++
			continue
		}
		if _, seen := positions[keys[i]]; !seen {
			missTexts = append(missTexts, texts[i])
			missKeys = append(missKeys, keys[i])
		}
		positions[keys[i]] = append(positions[keys[i]], i)
	}
	metrics.EmbeddingCacheLookups.WithLabelValues("hit").Add(float64(hits))
	metrics.EmbeddingCacheLookups.WithLabelValues("miss").Add(float64(len(texts) - hits))

	if len(missTexts) == 0 {
		return out, nil
	}

	computed, err := c.Embedder.EmbedDocuments(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(computed) != len(missTexts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(missTexts), len(computed))
	}
	for i, key := range missKeys {
		for _, pos := range positions[key] {
			out[pos] = computed[i]
		}
	}

	if err := c.Cache.SetMany(ctx, missKeys, computed); err != nil {
		c.logger.Warn("embedding cache write failed", zap.Error(err))
	}
	return out, nil
}

func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vectors, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
