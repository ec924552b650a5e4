/**
 * @description
 * This file defines the core domain models for the claims-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest asset unit, which avoids
 *   floating-point inaccuracies with token values.
 * - The snapshot fields on ClaimRecord are captured at admission time for
 *   audit purposes only; they are never re-derived or used for decisions.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Claim lifecycle statuses. A claim is created pending, leased to processing
// by the disbursement worker, and ends in completed or failed.
const (
	ClaimStatusPending    = "pending"
	ClaimStatusProcessing = "processing"
	ClaimStatusCompleted  = "completed"
	ClaimStatusFailed     = "failed"
)

// Admission rejection codes returned by the claims endpoint.
const (
	RejectRateLimitMinute     = "RATE_LIMIT_MINUTE"
	RejectRateLimitDay        = "RATE_LIMIT_DAY"
	RejectInsufficientBalance = "INSUFFICIENT_BALANCE"
	RejectCapReached          = "CAP_REACHED"
	RejectDuplicateClaim      = "DUPLICATE_CLAIM"
)

// Cap attribution values reported when admission pays out less than the raw
// claimable balance.
const (
	CappedByUserCap   = "user_cap"
	CappedByGlobalCap = "global_cap"
)

// ClaimRecord is the persisted request to pay a wallet a specific amount.
// This struct maps directly to the `claims` table in the database.
type ClaimRecord struct {
	ID             uuid.UUID  `json:"id"`
	Wallet         string     `json:"wallet"`
	Token          string     `json:"token"`
	Amount         int64      `json:"amount"` // smallest asset unit
	Status         string     `json:"status"`
	IdempotencyKey string     `json:"idempotency_key"`
	Attempts       int        `json:"attempts"`
	Reason         string     `json:"reason"` // source category, e.g. 'referral', 'quest'
	Error          *string    `json:"error,omitempty"`
	TransactionRef *string    `json:"transaction_ref,omitempty"`

	// Admission-time snapshots, kept for audit only.
	AccruedSnapshot       int64 `json:"accrued_snapshot"`
	ClaimedSnapshot       int64 `json:"claimed_snapshot"`
	UserCapLeftSnapshot   int64 `json:"user_cap_left_snapshot"`
	GlobalCapLeftSnapshot int64 `json:"global_cap_left_snapshot"`

	CreatedAt   time.Time  `json:"created_at"`
	LeaseAt     *time.Time `json:"lease_at,omitempty"`
	DeferUntil  *time.Time `json:"defer_until,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// EarningsSnapshot is a single consistent read of a wallet's accrued and
// already-claimed totals for one token.
type EarningsSnapshot struct {
	Wallet  string `json:"wallet"`
	Token   string `json:"token"`
	Accrued int64  `json:"accrued"`
	Claimed int64  `json:"claimed"`
}

// Claimable returns the balance still available to claim.
func (s EarningsSnapshot) Claimable() int64 {
	if s.Accrued <= s.Claimed {
		return 0
	}
	return s.Accrued - s.Claimed
}

// DailyCapResult is the outcome of a successful cap-safe payout increment.
type DailyCapResult struct {
	Total       int64 `json:"total"`
	HitCap      bool  `json:"hit_cap"`
	JustReached bool  `json:"just_reached"` // true on the increment that first reaches the cap
}

// ClaimDecision is the successful admission outcome: one pending claim was
// queued (or already existed) for the computed amount.
type ClaimDecision struct {
	ClaimID  uuid.UUID `json:"claim_id"`
	Wallet   string    `json:"wallet"`
	Token    string    `json:"token"`
	Amount   int64     `json:"amount"`
	CappedBy *string   `json:"capped_by,omitempty"` // "user_cap", "global_cap" or nil
}

// AccrueEarningsRequest is the DTO for the internal earnings accrual endpoint
// used by the game's referral and quest bookkeeping.
type AccrueEarningsRequest struct {
	Wallet string `json:"wallet"`
	Token  string `json:"token,omitempty"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// ClaimListOptions controls pagination for wallet claim history.
type ClaimListOptions struct {
	Limit  int
	Offset int
}
