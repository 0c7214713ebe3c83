package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "asyncsocket:resolve:"
	redisLockSuffix = ":lock"
	redisLockTTL    = 30 * time.Second
	redisWaitLimit  = 30 * time.Second
)

// releaseLockScript deletes the lock only while we still own it.
const releaseLockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// RedisCache is a Cache shared by every process talking to the same Redis.
// A miss takes a SETNX lock so only one process resolves a given host; the
// others poll with exponential backoff until the address appears.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis-backed address cache.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	res := resolver.New(resolver.Config{Cache: resolver.NewRedisCache(client)})
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func redisKey(host string) string {
	return redisKeyPrefix + host
}

// GetOrFetch implements Cache.
func (c *RedisCache) GetOrFetch(ctx context.Context, host string, ttl time.Duration, fetchFn FetchFunc) (string, error) {
	key := redisKey(host)

	addr, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return addr, nil
	}

	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis get error: %w", err)
	}

	lockKey := key + redisLockSuffix
	lockValue := strconv.FormatInt(time.Now().UnixNano(), 10)

	acquired, err := c.client.SetNX(ctx, lockKey, lockValue, redisLockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !acquired {
		return c.waitForAddress(ctx, key, lockKey, redisWaitLimit)
	}

	// release with a background context so a cancelled caller still unlocks
	defer c.client.Eval(context.Background(), releaseLockScript, []string{lockKey}, lockValue)

	addr, err = fetchFn(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch function failed: %w", err)
	}

	if err := c.client.Set(context.Background(), key, addr, ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to cache address: %w", err)
	}

	return addr, nil
}

// waitForAddress polls for an address another process is resolving. It gives
// up when the lock disappears without a value, on timeout, or when ctx ends.
func (c *RedisCache) waitForAddress(ctx context.Context, key, lockKey string, timeout time.Duration) (string, error) {
	backoff := 10 * time.Millisecond
	maxBackoff := 500 * time.Millisecond
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if time.Now().After(deadline) {
			return "", errors.New("timeout waiting for cached address")
		}

		addr, err := c.client.Get(ctx, key).Result()
		if err == nil {
			return addr, nil
		}

		if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("redis get error: %w", err)
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return "", fmt.Errorf("failed to check lock existence: %w", err)
		}

		if exists == 0 {
			// the owner released the lock; one last look covers the race
			// between its Set and its unlock
			if addr, err := c.client.Get(ctx, key).Result(); err == nil {
				return addr, nil
			}

			return "", errors.New("address lookup by lock owner failed")
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, host string) error {
	if err := c.client.Del(ctx, redisKey(host)).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

// Clear implements Cache. Only keys written by this package are removed.
func (c *RedisCache) Clear(ctx context.Context) error {
	keys, err := c.scan(ctx, true)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}

	return nil
}

// ItemCount implements Cache. Lock keys are not counted.
func (c *RedisCache) ItemCount(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx, false)
	if err != nil {
		return 0, err
	}

	return len(keys), nil
}

func (c *RedisCache) scan(ctx context.Context, withLocks bool) ([]string, error) {
	var keys []string

	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !withLocks && strings.HasSuffix(key, redisLockSuffix) {
			continue
		}

		keys = append(keys, key)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}
