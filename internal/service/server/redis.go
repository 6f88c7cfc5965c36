package server

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"sealed_chat/internal/model"
	"sealed_chat/internal/service/redis"
	"sealed_chat/internal/utils/log"

	"go.uber.org/zap"
)

const DefaultInboxTTL = 7 * 24 * time.Hour

// RedisInbox keeps one list of JSON frames per recipient.
type RedisInbox struct {
	redisService *redis.RedisService
	ttl          time.Duration
}

func NewRedisInbox(redisService *redis.RedisService, ttl time.Duration) *RedisInbox {
	if ttl <= 0 {
		ttl = DefaultInboxTTL
	}
	return &RedisInbox{redisService: redisService, ttl: ttl}
}

func inboxKey(to string) string {
	return fmt.Sprintf("inbox:%s", to)
}

func (c *RedisInbox) Take(ctx context.Context, to string) ([]*model.Frame, error) {
	vals, err := c.redisService.Drain(ctx, inboxKey(to))
	if err != nil {
		return nil, err
	}

	var res []*model.Frame
	for i, v := range vals {
		var f model.Frame
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			// the list is already gone, so the rest must still be returned
			log.Warn("dropping unreadable inbox entry", zap.String("to", to), zap.Int("index", i), zap.Error(err))
			continue
		}
		res = append(res, &f)
	}

	return res, nil
}

func (c *RedisInbox) Put(ctx context.Context, to string, frames ...*model.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	vals, err := encodeFrames(frames)
	if err != nil {
		return err
	}

	key := inboxKey(to)
	if err := c.redisService.RPush(ctx, key, vals...); err != nil {
		return err
	}
	return c.redisService.Expire(ctx, key, c.ttl)
}

// Requeue puts frames back in front of anything cached since they were
// taken, keeping their order.
func (c *RedisInbox) Requeue(ctx context.Context, to string, frames ...*model.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	vals, err := encodeFrames(frames)
	if err != nil {
		return err
	}
	slices.Reverse(vals)

	key := inboxKey(to)
	if err := c.redisService.LPush(ctx, key, vals...); err != nil {
		return err
	}
	return c.redisService.Expire(ctx, key, c.ttl)
}

func encodeFrames(frames []*model.Frame) ([]any, error) {
	vals := make([]any, 0, len(frames))
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		vals = append(vals, data)
	}
	return vals, nil
}
