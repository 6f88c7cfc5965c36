package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, prefix string) (*RedisService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, prefix), mr
}

func TestPrefix(t *testing.T) {
	svc, mr := newTestService(t, "sealed")
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", "v", 0))
	assert.True(t, mr.Exists("sealed:k"))

	v, err := svc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	bare, mr2 := newTestService(t, "")
	require.NoError(t, bare.Set(ctx, "k", "v", 0))
	assert.True(t, mr2.Exists("k"))
}

func TestDrain(t *testing.T) {
	svc, mr := newTestService(t, "p")
	ctx := context.Background()

	require.NoError(t, svc.RPush(ctx, "list", "a", "b", "c"))
	vals, err := svc.LRange(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, vals)

	vals, err = svc.Drain(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, vals)
	assert.False(t, mr.Exists("p:list"))

	vals, err = svc.Drain(ctx, "list")
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestLPush(t *testing.T) {
	svc, _ := newTestService(t, "p")
	ctx := context.Background()

	require.NoError(t, svc.RPush(ctx, "list", "c"))
	require.NoError(t, svc.LPush(ctx, "list", "b", "a"))
	vals, err := svc.LRange(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, vals)
}

func TestExpireAndDel(t *testing.T) {
	svc, mr := newTestService(t, "p")
	ctx := context.Background()

	require.NoError(t, svc.RPush(ctx, "list", "a"))
	require.NoError(t, svc.Expire(ctx, "list", time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("p:list"))

	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists("p:list"))

	require.NoError(t, svc.Set(ctx, "k", "v", 0))
	require.NoError(t, svc.Del(ctx, "k"))
	_, err := svc.Get(ctx, "k")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestPing(t *testing.T) {
	svc, mr := newTestService(t, "")
	require.NoError(t, svc.Ping(context.Background()))

	mr.Close()
	assert.Error(t, svc.Ping(context.Background()))
}
