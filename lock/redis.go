/*
redis.go - Distributed per-key locks via Redis

PURPOSE:
  When the engine runs as more than one instance, the in-process
  KeyedMutex no longer covers concurrent posts hitting different
  instances. RedisLocker provides the same Locker contract backed by
  redislock, so per-contract serialization and the scheduler tick lock
  hold fleet-wide.

TTL:
  Locks auto-expire after LockTTL so a crashed holder cannot wedge a
  contract. No operation in this subsystem runs anywhere near that
  long.
*/
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	// LockTTL bounds how long a dead holder can block a key.
	LockTTL = 30 * time.Second

	retryInterval = 50 * time.Millisecond
	maxRetries    = 100
)

type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lk, err := l.client.Obtain(ctx, key, LockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(retryInterval), maxRetries),
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = lk.Release(context.Background()) }, nil
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	lk, err := l.client.Obtain(ctx, key, LockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() { _ = lk.Release(context.Background()) }, true, nil
}
