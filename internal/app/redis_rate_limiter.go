/**
 * @description
 * Redis-backed implementation of the admission RateLimiter. Uses a single Lua
 * script so the INCR and the window expiry are atomic even under concurrent
 * admission replicas.
 *
 * Buckets are keyed by the same UTC calendar window as the store-backed
 * limiter (minute or day string), so swapping backends at boot never changes
 * when a wallet's quota resets. The key's TTL runs to the window boundary and
 * doubles as the retry-after hint returned to throttled wallets.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var claimRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter implements distributed claim rate limiting using Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "chainquest:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		now:    time.Now,
	}
}

// bucketFor resolves the prefixed calendar-window key for this instant and the
// TTL (in milliseconds) that expires the key exactly at the window boundary.
func (r *RedisRateLimiter) bucketFor(scope, subject string, window time.Duration) (string, int64) {
	at := r.now()
	key := fmt.Sprintf("%s:%s", r.prefix, rateLimitBucketKey(scope, subject, window, at))
	ttlMs := int64(rateLimitRetryAfter(window, at)) * 1000
	return key, ttlMs
}

func (r *RedisRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	key, ttlMs := r.bucketFor(normalizedScope, normalizedSubject, window)
	if ttlMs < 1000 {
		ttlMs = 1000
	}

	rawResult, err := claimRateLimitScript.Run(ctx, r.client, []string{key}, ttlMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	remainingMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if remainingMs < 0 {
		remainingMs = ttlMs
	}

	retryAfter := int(math.Ceil(float64(remainingMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return int(currentCount), retryAfter, nil
}
