package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redisSvc "sealed_chat/internal/service/redis"

	"github.com/redis/go-redis/v9"
)

type (
	CachedError struct {
		Code ReasonCode `json:"code"`
		At   time.Time  `json:"at"`
	}

	// ErrorCache persists the last bootstrap failure per thread. Entries
	// older than the TTL read as absent.
	ErrorCache interface {
		Get(ctx context.Context, threadID string) (*CachedError, error)
		Put(ctx context.Context, threadID string, e CachedError) error
		Clear(ctx context.Context, threadID string) error
	}
)

func expired(e *CachedError, now time.Time, ttl time.Duration) bool {
	return now.Sub(e.At) >= ttl
}

type MemoryErrorCache struct {
	mu      sync.Mutex
	entries map[string]CachedError
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryErrorCache(ttl time.Duration, now func() time.Time) *MemoryErrorCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryErrorCache{
		entries: make(map[string]CachedError),
		ttl:     ttl,
		now:     now,
	}
}

func (c *MemoryErrorCache) Get(_ context.Context, threadID string) (*CachedError, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[threadID]
	if !ok {
		return nil, nil
	}
	if expired(&e, c.now(), c.ttl) {
		delete(c.entries, threadID)
		return nil, nil
	}
	return &e, nil
}

func (c *MemoryErrorCache) Put(_ context.Context, threadID string, e CachedError) error {
	c.mu.Lock()
	c.entries[threadID] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryErrorCache) Clear(_ context.Context, threadID string) error {
	c.mu.Lock()
	delete(c.entries, threadID)
	c.mu.Unlock()
	return nil
}

// RedisErrorCache keeps entries in Redis with the TTL set on the key, and
// also checks the recorded time on read so clock skew cannot extend it.
type RedisErrorCache struct {
	redis *redisSvc.RedisService
	ttl   time.Duration
	now   func() time.Time
}

func NewRedisErrorCache(r *redisSvc.RedisService, ttl time.Duration) *RedisErrorCache {
	return &RedisErrorCache{redis: r, ttl: ttl, now: time.Now}
}

func errorKey(threadID string) string {
	return fmt.Sprintf("readiness:error:%s", threadID)
}

func (c *RedisErrorCache) Get(ctx context.Context, threadID string) (*CachedError, error) {
	v, err := c.redis.Get(ctx, errorKey(threadID))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var e CachedError
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return nil, err
	}
	if expired(&e, c.now(), c.ttl) {
		return nil, nil
	}
	return &e, nil
}

func (c *RedisErrorCache) Put(ctx context.Context, threadID string, e CachedError) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, errorKey(threadID), data, c.ttl)
}

func (c *RedisErrorCache) Clear(ctx context.Context, threadID string) error {
	return c.redis.Del(ctx, errorKey(threadID))
}
