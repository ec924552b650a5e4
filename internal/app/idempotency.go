/**
 * @description
 * Deterministic idempotency key derivation for claim admission. The key pins a
 * claim to (wallet, capped amount, token, UTC day): identical inputs always
 * collide on the unique index, while any change in the payable amount opens a
 * fresh key. That is deliberate — a wallet that accrues more, or whose cap
 * headroom changes, may claim again the same day for the new amount.
 *
 * @dependencies
 * - golang.org/x/crypto/sha3: keyed to the same digest family the chain
 *   gateway uses for transfer payloads.
 */

package app

import (
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// DeriveIdempotencyKey returns the stable key for one admission decision.
// Fields are joined with explicit separators so no two input tuples can
// concatenate to the same preimage.
func DeriveIdempotencyKey(wallet string, amount int64, token, day string) string {
	preimage := fmt.Sprintf("%s|%d|%s|%s", wallet, amount, token, day)
	digest := sha3.Sum256([]byte(preimage))
	return hex.EncodeToString(digest[:])
}

// UTCDay formats the UTC calendar day used to scope idempotency keys, daily
// accumulators and day-window rate limit buckets.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// UTCMinute formats the UTC minute bucket used by the minute-window rate limiter.
func UTCMinute(t time.Time) string {
	return t.UTC().Format("200601021504")
}
