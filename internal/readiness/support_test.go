package readiness

import (
	"context"
	"testing"
	"time"

	redisSvc "sealed_chat/internal/service/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualSchedulerOrder(t *testing.T) {
	s := NewManualScheduler(t0)
	var fired []string

	s.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	s.AfterFunc(time.Second, func() {
		fired = append(fired, "a")
		s.AfterFunc(500*time.Millisecond, func() { fired = append(fired, "a2") })
	})
	stopped := s.AfterFunc(1500*time.Millisecond, func() { fired = append(fired, "x") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	s.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"a", "a2"}, fired)
	assert.Equal(t, t0.Add(1500*time.Millisecond), s.Now())

	s.Advance(time.Second)
	assert.Equal(t, []string{"a", "a2", "b"}, fired)
	assert.Equal(t, 0, s.Pending())
}

func TestMemoryErrorCacheExpiry(t *testing.T) {
	s := NewManualScheduler(t0)
	c := NewMemoryErrorCache(time.Hour, s.Now)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "t1", CachedError{Code: ReasonNetworkError, At: s.Now()}))
	got, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ReasonNetworkError, got.Code)

	s.Advance(time.Hour)
	got, err = c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Put(ctx, "t2", CachedError{Code: ReasonNoKeyPackage, At: s.Now()}))
	require.NoError(t, c.Clear(ctx, "t2"))
	got, _ = c.Get(ctx, "t2")
	assert.Nil(t, got)
}

func TestNormalizeRootCause(t *testing.T) {
	tests := map[string]ReasonCode{
		"OPK_SECRET_MISS":      ReasonOPKSecretMissing,
		"opk_secret_missing":   ReasonOPKSecretMissing,
		" DECRYPT_FAIL ":       ReasonDecryptFailed,
		"DECRYPT_FAILED":       ReasonDecryptFailed,
		"POISONED_KEY_PACKAGE": ReasonPoisonedKeyPackage,
		"NO_PREKEYS":           ReasonNoPrekeysAvailable,
		"":                     ReasonNetworkError,
		"socket hang up":       ReasonNetworkError,
	}
	for raw, want := range tests {
		assert.Equal(t, want, NormalizeRootCause(raw), raw)
	}
}

func TestRootCausesPrecedence(t *testing.T) {
	r := NewRootCauses()
	assert.Equal(t, ReasonNoKeyPackage, r.ReasonFor("t1"))

	r.MarkKeyPackageSeen("t1")
	assert.Equal(t, ReasonTimeoutWaitingKey, r.ReasonFor("t1"))

	r.Record("", "NO_PREKEYS")
	assert.Equal(t, ReasonNoPrekeysAvailable, r.ReasonFor("t1"))

	r.Record("t1", "DECRYPT_FAIL")
	assert.Equal(t, ReasonDecryptFailed, r.ReasonFor("t1"))

	r.Forget("t1")
	assert.Equal(t, ReasonDecryptFailed, r.ReasonFor("t1"))
}

func TestRedisErrorCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := NewManualScheduler(t0)
	c := NewRedisErrorCache(redisSvc.NewRedis(rdb, "sealed"), time.Hour)
	c.now = s.Now
	ctx := context.Background()

	got, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Put(ctx, "t1", CachedError{Code: ReasonNoKeyPackage, At: s.Now()}))
	assert.Equal(t, time.Hour, mr.TTL("sealed:readiness:error:t1"))

	got, err = c.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ReasonNoKeyPackage, got.Code)

	// the recorded time bounds the entry even if the key outlives it
	s.Advance(time.Hour)
	got, err = c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Put(ctx, "t2", CachedError{Code: ReasonNetworkError, At: s.Now()}))
	require.NoError(t, c.Clear(ctx, "t2"))
	assert.False(t, mr.Exists("sealed:readiness:error:t2"))

	require.NoError(t, c.Put(ctx, "t3", CachedError{Code: ReasonNetworkError, At: s.Now()}))
	mr.FastForward(time.Hour)
	got, err = c.Get(ctx, "t3")
	require.NoError(t, err)
	assert.Nil(t, got)
}
