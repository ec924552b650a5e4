/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the claims-service. By defining an interface,
 * we decouple the application's business logic from the specific database
 * implementation (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * Every mutating method here is a single atomic conditional operation on the
 * backing store. The admission service and the disbursement worker coordinate
 * across processes exclusively through these operations; there is no
 * read-modify-write pair anywhere in the contract.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For claim id handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/chainquest/claims-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Earnings methods
	// GetEarningsSnapshot reads accrued and claimed in one row so admission
	// sees a single consistent balance snapshot.
	GetEarningsSnapshot(ctx context.Context, wallet, token string) (*domain.EarningsSnapshot, error)
	AccrueEarnings(ctx context.Context, wallet, token string, amount int64) (*domain.EarningsSnapshot, error)
	// AddClaimedAmount advances the claimed total after a disbursement commits.
	AddClaimedAmount(ctx context.Context, wallet, token string, amount int64) error

	// Rate limit methods
	// IncrementRateLimitBucket upserts the bucket counter and returns the
	// post-increment count. The increment is never rolled back on rejection.
	IncrementRateLimitBucket(ctx context.Context, bucketKey string) (int64, error)

	// Daily cap methods
	UserDailySpent(ctx context.Context, day, wallet, token string) (int64, error)
	GlobalDailySpent(ctx context.Context, day, token string) (int64, error)
	CanUserReceive(ctx context.Context, day, wallet, token string, amount, cap int64) (bool, error)
	CanProcessGlobal(ctx context.Context, day, token string, amount, cap int64) (bool, error)
	// RecordUserPayout / RecordGlobalPayout perform the authoritative cap-safe
	// conditional increment. They return ErrDailyCapExceeded when the increment
	// would push the accumulator past the cap; this is a hard rejection, not a
	// partial payout.
	RecordUserPayout(ctx context.Context, day, wallet, token string, amount, cap int64) (*domain.DailyCapResult, error)
	RecordGlobalPayout(ctx context.Context, day, token string, amount, cap int64) (*domain.DailyCapResult, error)

	// Claim methods
	// CreateClaimIfAbsent inserts the claim keyed by its idempotency key.
	// It returns false when a claim with the same key already exists.
	CreateClaimIfAbsent(ctx context.Context, claim *domain.ClaimRecord) (bool, error)
	FindClaimByID(ctx context.Context, id uuid.UUID) (*domain.ClaimRecord, error)
	ListClaimsByWallet(ctx context.Context, wallet, token string, opts domain.ClaimListOptions) ([]domain.ClaimRecord, error)
	// LeaseNextPendingClaim atomically transitions the oldest pending claim to
	// processing, incrementing its attempt counter.
	LeaseNextPendingClaim(ctx context.Context, token string) (*domain.ClaimRecord, error)
	// GetProcessingClaim re-reads a claim by id, idempotency key and
	// status=processing; it returns ErrClaimNotFound when ownership was lost.
	GetProcessingClaim(ctx context.Context, id uuid.UUID, idempotencyKey string) (*domain.ClaimRecord, error)
	// AttachTransactionRef persists the submitted transfer reference before the
	// confirmation wait, conditioned on the claim still being processing.
	AttachTransactionRef(ctx context.Context, id uuid.UUID, idempotencyKey, transactionRef string) error
	// CompleteClaim commits the terminal completed state, conditioned again on
	// status=processing and a matching idempotency key. It returns false when
	// the condition no longer holds (e.g. another worker finished the claim).
	CompleteClaim(ctx context.Context, id uuid.UUID, idempotencyKey, transactionRef string) (bool, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID, errMsg string) error
	// DeferClaim returns a processing claim to pending with a not-before
	// timestamp. The lease query skips deferred claims until it passes, so a
	// cap-blocked claim cannot monopolize the head of the FIFO queue. The
	// deferral does not consume a retry attempt.
	DeferClaim(ctx context.Context, id uuid.UUID, reason string, until time.Time) error
	MarkClaimFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	// RequeueStaleClaims re-opens processing claims whose lease is older than
	// the cutoff and that have no transaction reference attached. Claims with a
	// submitted transfer are left for operator reconciliation.
	RequeueStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
	// ListStuckSubmittedClaims reports processing claims past the cutoff that
	// do carry a transaction reference.
	ListStuckSubmittedClaims(ctx context.Context, cutoff time.Time) ([]domain.ClaimRecord, error)

	// Audit methods
	AppendAuditEvent(ctx context.Context, kind string, payload map[string]interface{}) error
}
