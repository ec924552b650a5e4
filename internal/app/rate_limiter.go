/**
 * @description
 * Per-wallet admission rate limiting. The `RateLimiter` interface matches the
 * shape of the Redis limiter so the two implementations are interchangeable at
 * boot: the Postgres bucket limiter is the always-available default backed by
 * the `rate_limits` table, and the Redis limiter can be swapped in for
 * multi-replica deployments.
 *
 * Counters are incremented before the threshold comparison and never rolled
 * back on rejection, so a throttled wallet keeps consuming its own bucket. A
 * thundering retry loop therefore cannot reset its limiter.
 */

package app

import (
	"context"
	"fmt"
	"time"
)

// Rate limit window scopes.
const (
	RateLimitScopeMinute = "claim_minute"
	RateLimitScopeDay    = "claim_day"
)

// RateLimiter consumes one unit of a (scope, subject) bucket and reports the
// post-increment count plus a retry-after hint in seconds.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// BucketIncrementer is the single store operation the Postgres limiter needs.
type BucketIncrementer interface {
	IncrementRateLimitBucket(ctx context.Context, bucketKey string) (int64, error)
}

// PostgresRateLimiter implements fixed-window rate limiting on the shared
// document store, usable by every process that can reach the database.
type PostgresRateLimiter struct {
	store BucketIncrementer
	now   func() time.Time
}

// NewPostgresRateLimiter creates a store-backed rate limiter.
func NewPostgresRateLimiter(store BucketIncrementer) *PostgresRateLimiter {
	return &PostgresRateLimiter{store: store, now: time.Now}
}

// rateLimitBucketKey builds the bucket identity for one (scope, subject,
// window) combination at the given instant.
func rateLimitBucketKey(scope, subject string, window time.Duration, at time.Time) string {
	if window >= 24*time.Hour {
		return fmt.Sprintf("%s:%s:%s", scope, subject, UTCDay(at))
	}
	return fmt.Sprintf("%s:%s:%s", scope, subject, UTCMinute(at))
}

// rateLimitRetryAfter hints how long a rejected caller should wait before the
// current bucket rolls over.
func rateLimitRetryAfter(window time.Duration, at time.Time) int {
	var boundary time.Time
	utc := at.UTC()
	if window >= 24*time.Hour {
		boundary = utc.Truncate(24 * time.Hour).Add(24 * time.Hour)
	} else {
		boundary = utc.Truncate(time.Minute).Add(time.Minute)
	}
	retryAfter := int(boundary.Sub(utc).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return retryAfter
}

// ConsumeRateLimit increments the bucket and returns the resulting count.
// Callers compare the count against their limit; the increment itself never
// fails a request.
func (l *PostgresRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (int, int, error) {
	if l == nil || l.store == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	at := l.now()
	key := rateLimitBucketKey(scope, subject, window, at)
	count, err := l.store.IncrementRateLimitBucket(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	return int(count), rateLimitRetryAfter(window, at), nil
}
