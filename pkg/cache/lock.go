// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when the lock is held by someone else and
// the wait bound elapsed.
var ErrLockNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the lock only when it still holds our fencing value,
// so an expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Lock is a TTL-bounded distributed mutex held by one worker at a time.
type Lock struct {
	cache *Cache
	key   string
	value string
}

// Acquire attempts a single SET NX on the lock key. Returns
// ErrLockNotAcquired when the key is already held.
func (c *Cache) Acquire(ctx context.Context, id string, ttl time.Duration) (*Lock, error) {
	key := c.Key(KeyTypeLock, id)
	value := uuid.NewString()

	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &Lock{cache: c, key: key, value: value}, nil
}

// AcquireWait retries Acquire with backoff until the lock is obtained or the
// wait bound elapses. A bounded wait keeps refresh storms from piling up
// behind a stuck holder.
func (c *Cache) AcquireWait(ctx context.Context, id string, ttl, wait time.Duration) (*Lock, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	lock, err := backoff.Retry(waitCtx, func() (*Lock, error) {
		l, acquireErr := c.Acquire(waitCtx, id, ttl)
		if errors.Is(acquireErr, ErrLockNotAcquired) {
			// Retryable: someone else holds the lock.
			return nil, acquireErr
		}
		if acquireErr != nil {
			return nil, backoff.Permanent(acquireErr)
		}
		return l, nil
	}, backoff.WithBackOff(b))
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrLockNotAcquired
		}
		return nil, err
	}
	return lock, nil
}

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.cache.client, []string{l.key}, l.value).Err()
}
