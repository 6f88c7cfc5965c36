package server

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

func TestRedisInbox(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	inbox := NewRedisInbox(redisSvc.NewRedis(rdb, "sealed"), time.Hour)
	ctx := context.Background()

	require.NoError(t, inbox.Put(ctx, "bob", textFrame("f1", "alice", "bob")))
	require.NoError(t, inbox.Put(ctx, "bob", textFrame("f2", "alice", "bob")))
	require.NoError(t, inbox.Put(ctx, "bob"))
	assert.Equal(t, time.Hour, mr.TTL("sealed:inbox:bob"))

	frames, err := inbox.Take(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "f1", frames[0].ID)
	assert.Equal(t, "f2", frames[1].ID)
	assert.Equal(t, []byte("sealed"), frames[0].Ciphertext)

	frames, err = inbox.Take(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestRedisInboxExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	inbox := NewRedisInbox(redisSvc.NewRedis(rdb, ""), 0)
	ctx := context.Background()

	require.NoError(t, inbox.Put(ctx, "bob", textFrame("f1", "alice", "bob")))
	assert.Equal(t, DefaultInboxTTL, mr.TTL("inbox:bob"))

	mr.FastForward(DefaultInboxTTL)
	frames, err := inbox.Take(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestRedisInboxRequeueKeepsOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	inbox := NewRedisInbox(redisSvc.NewRedis(rdb, "sealed"), time.Hour)
	ctx := context.Background()

	require.NoError(t, inbox.Put(ctx, "bob", textFrame("f1", "alice", "bob"), textFrame("f2", "alice", "bob")))
	taken, err := inbox.Take(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, taken, 2)

	// f3 is cached while f1 and f2 were out for delivery
	require.NoError(t, inbox.Put(ctx, "bob", textFrame("f3", "alice", "bob")))
	require.NoError(t, inbox.Requeue(ctx, "bob", taken...))
	assert.Equal(t, time.Hour, mr.TTL("sealed:inbox:bob"))

	frames, err := inbox.Take(ctx, "bob")
	require.NoError(t, err)
	var ids []string
	for _, f := range frames {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"f1", "f2", "f3"}, ids)
}

func TestRedisInboxSkipsUnreadableEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	inbox := NewRedisInbox(redisSvc.NewRedis(rdb, ""), time.Hour)
	ctx := context.Background()

	require.NoError(t, inbox.Put(ctx, "bob", textFrame("f1", "alice", "bob")))
	_, err := mr.Push("inbox:bob", "{not json")
	require.NoError(t, err)
	require.NoError(t, inbox.Put(ctx, "bob", textFrame("f2", "alice", "bob")))

	frames, err := inbox.Take(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "f1", frames[0].ID)
	assert.Equal(t, "f2", frames[1].ID)
	assert.False(t, mr.Exists("inbox:bob"))
}
