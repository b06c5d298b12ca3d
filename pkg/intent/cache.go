package intent

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultCache stores previously computed classification results keyed
// by normalized-text hash. Duplicate concurrent misses may each
// recompute and overwrite; recomputation is read-only so the race is
// idempotent.
type ResultCache interface {
	// Get returns the cached result, or ok=false on miss.
	Get(ctx context.Context, key string) (*Result, bool)
	// Put stores a result under key for ttl.
	Put(ctx context.Context, key string, result *Result, ttl time.Duration)
	// Close releases resources.
	Close() error
}

// CacheKey derives the cache key from tenant plus normalized text.
func CacheKey(tenant, normalized string) string {
	sum := sha256.Sum256([]byte(tenant + "\x00" + normalized))
	return "intent:result:" + hex.EncodeToString(sum[:])
}

// =============================================================================
// Redis cache
// =============================================================================

// RedisCache is the production ResultCache backed by Redis with TTL
// expiry. Redis errors degrade to cache misses; the pipeline never
// fails a request because the cache is down.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

// Get implements ResultCache.
func (c *RedisCache) Get(ctx context.Context, key string) (*Result, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			log.Printf("[cache] redis get failed, treating as miss: %v", err)
		}
		return nil, false
	}

	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		log.Printf("[cache] corrupt entry for %s, treating as miss: %v", key, err)
		return nil, false
	}
	return &r, true
}

// Put implements ResultCache.
func (c *RedisCache) Put(ctx context.Context, key string, result *Result, ttl time.Duration) {
	data, err := json.Marshal(result)
	if err != nil {
		log.Printf("[cache] marshal failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[cache] redis set failed: %v", err)
	}
}

// Close implements ResultCache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// =============================================================================
// In-process cache
// =============================================================================

type memoryEntry struct {
	key     string
	result  *Result
	expires time.Time
}

// MemoryCache is a bounded in-process LRU with TTL expiry, used for
// standalone deployments and as a degraded-mode fallback when Redis is
// unreachable at startup.
type MemoryCache struct {
	mu       sync.Mutex
	maxSize  int
	entries  map[string]*list.Element
	eviction *list.List // front = most recently used
}

// NewMemoryCache creates an LRU cache bounded to maxSize entries.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryCache{
		maxSize:  maxSize,
		entries:  make(map[string]*list.Element),
		eviction: list.New(),
	}
}

// Get implements ResultCache.
func (c *MemoryCache) Get(_ context.Context, key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*memoryEntry)
	if time.Now().After(entry.expires) {
		c.eviction.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.eviction.MoveToFront(el)
	return entry.result, true
}

// Put implements ResultCache.
func (c *MemoryCache) Put(_ context.Context, key string, result *Result, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.result = result
		entry.expires = time.Now().Add(ttl)
		c.eviction.MoveToFront(el)
		return
	}

	el := c.eviction.PushFront(&memoryEntry{key: key, result: result, expires: time.Now().Add(ttl)})
	c.entries[key] = el

	for c.eviction.Len() > c.maxSize {
		oldest := c.eviction.Back()
		if oldest == nil {
			break
		}
		c.eviction.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoryEntry).key)
	}
}

// Len returns the current number of entries (expired ones included
// until their next lookup).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// Close implements ResultCache.
func (c *MemoryCache) Close() error { return nil }
