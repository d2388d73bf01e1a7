package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracyhatemice/receiptflow/internal/metrics"
)

const (
	opPush = "push"
	opPop  = "pop"
	opLen  = "len"
)

// RedisQueue stores queues as Redis lists: LPUSH on push, RPOP on pop.
type RedisQueue struct {
	c *redis.Client
}

// NewRedis connects to the Redis server at addr.
func NewRedis(addr, password string, db int) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisQueue{c: rdb}
}

// NewRedisFromURL connects using a redis:// URL.
func NewRedisFromURL(rawURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisQueue{c: redis.NewClient(opts)}, nil
}

// Ping checks that the server is reachable.
func (r *RedisQueue) Ping(ctx context.Context) error {
	if err := r.c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisQueue) Close() error { return r.c.Close() }

func (r *RedisQueue) Push(ctx context.Context, name string, payload []byte) error {
	start := time.Now()
	metrics.IncQueueRequest(opPush)
	defer func() { metrics.ObserveQueueDuration(opPush, time.Since(start)) }()

	if err := r.c.LPush(ctx, name, payload).Err(); err != nil {
		metrics.IncQueueError(opPush)
		return fmt.Errorf("redis lpush %s: %w", name, err)
	}
	metrics.IncQueuePushed(name)
	return nil
}

func (r *RedisQueue) Pop(ctx context.Context, name string) ([]byte, bool, error) {
	start := time.Now()
	metrics.IncQueueRequest(opPop)
	defer func() { metrics.ObserveQueueDuration(opPop, time.Since(start)) }()

	b, err := r.c.RPop(ctx, name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		metrics.IncQueueError(opPop)
		return nil, false, fmt.Errorf("redis rpop %s: %w", name, err)
	}
	metrics.IncQueuePopped(name)
	return b, true, nil
}

func (r *RedisQueue) Len(ctx context.Context, name string) (int64, error) {
	metrics.IncQueueRequest(opLen)
	n, err := r.c.LLen(ctx, name).Result()
	if err != nil {
		metrics.IncQueueError(opLen)
		return 0, fmt.Errorf("redis llen %s: %w", name, err)
	}
	return n, nil
}

var _ Queue = (*RedisQueue)(nil)
