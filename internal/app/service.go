/**
 * @description
 * This file contains the core business logic for the claims-service. The `Service`
 * struct orchestrates claim admission, coordinating the rate limiter, the
 * earnings snapshot reader, the daily cap accumulators and the claims table,
 * and publishes events to RabbitMQ for asynchronous consumers.
 *
 * Key features:
 * - Implements the admission decision: rate limits, balance snapshot, cap
 *   capping, idempotent enqueue of a pending ClaimRecord.
 * - Every rejection is a typed RejectionError so the API layer can map it onto
 *   the right HTTP status without string matching.
 * - The internal earnings accrual endpoint for the game's referral and quest
 *   bookkeeping lives here too.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For claim id generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/chainclient, pkg/rabbitmq: For address validation and event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chainquest/claims-service/internal/domain"
	"github.com/chainquest/claims-service/internal/store"
	"github.com/chainquest/claims-service/pkg/chainclient"
	"github.com/chainquest/claims-service/pkg/rabbitmq"
)

const defaultClaimReason = "earnings"

// ClaimPolicy carries the admission thresholds loaded from configuration.
type ClaimPolicy struct {
	Token              string
	MinPayoutAmount    int64
	UserDailyCap       int64
	GlobalDailyCap     int64
	RateLimitPerMinute int
	RateLimitPerDay    int
}

// Service provides the core business logic for claim admission.
type Service struct {
	repo          store.Repository
	limiter       RateLimiter
	eventProducer rabbitmq.Publisher
	policy        ClaimPolicy
	now           func() time.Time
}

// NewService creates a new claims service instance.
func NewService(repo store.Repository, limiter RateLimiter, producer rabbitmq.Publisher, policy ClaimPolicy) *Service {
	return &Service{
		repo:          repo,
		limiter:       limiter,
		eventProducer: producer,
		policy:        policy,
		now:           time.Now,
	}
}

// SetRateLimiter swaps the admission rate limiter, used at boot to upgrade
// from the store-backed default to Redis when a Redis URL is configured.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	if limiter != nil {
		s.limiter = limiter
	}
}

// SubmitClaim runs the full admission decision for an authenticated wallet and
// queues at most one new pending claim per distinct (wallet, amount, token, day).
// Rejections come back as *domain.RejectionError.
func (s *Service) SubmitClaim(ctx context.Context, wallet string) (*domain.ClaimDecision, error) {
	if !chainclient.IsValidAddress(wallet) {
		return nil, domain.NewRejection(domain.RejectInsufficientBalance, "unknown wallet address")
	}

	now := s.now()
	day := UTCDay(now)
	token := s.policy.Token

	// Rate limits first: throttled wallets must not consume snapshot reads.
	minuteCount, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, RateLimitScopeMinute, wallet, s.policy.RateLimitPerMinute, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("minute rate limit check: %w", err)
	}
	if s.policy.RateLimitPerMinute > 0 && minuteCount > s.policy.RateLimitPerMinute {
		log.Printf("level=info component=claims_service msg=\"claim throttled\" wallet=%s window=minute count=%d", wallet, minuteCount)
		return nil, &domain.RejectionError{
			Code:       domain.RejectRateLimitMinute,
			Message:    "too many claim attempts this minute",
			RetryAfter: retryAfter,
		}
	}

	dayCount, _, err := s.limiter.ConsumeRateLimit(ctx, RateLimitScopeDay, wallet, s.policy.RateLimitPerDay, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("day rate limit check: %w", err)
	}
	if s.policy.RateLimitPerDay > 0 && dayCount > s.policy.RateLimitPerDay {
		log.Printf("level=info component=claims_service msg=\"claim throttled\" wallet=%s window=day count=%d", wallet, dayCount)
		return nil, domain.NewRejection(domain.RejectRateLimitDay, "daily claim attempt limit reached")
	}

	// One consistent snapshot of accrued vs claimed.
	snapshot, err := s.repo.GetEarningsSnapshot(ctx, wallet, token)
	if err != nil {
		if errors.Is(err, store.ErrEarningsNotFound) {
			return nil, domain.NewRejection(domain.RejectInsufficientBalance, "no claimable balance")
		}
		return nil, fmt.Errorf("read earnings snapshot: %w", err)
	}
	claimable := snapshot.Claimable()
	if claimable < s.policy.MinPayoutAmount {
		return nil, domain.NewRejection(domain.RejectInsufficientBalance,
			fmt.Sprintf("claimable balance %d is below the minimum payout of %d", claimable, s.policy.MinPayoutAmount))
	}

	userSpent, err := s.repo.UserDailySpent(ctx, day, wallet, token)
	if err != nil {
		return nil, fmt.Errorf("read user daily spend: %w", err)
	}
	globalSpent, err := s.repo.GlobalDailySpent(ctx, day, token)
	if err != nil {
		return nil, fmt.Errorf("read global daily spend: %w", err)
	}
	userCapLeft := capLeft(s.policy.UserDailyCap, userSpent)
	globalCapLeft := capLeft(s.policy.GlobalDailyCap, globalSpent)

	amount, cappedBy := capAmount(claimable, userCapLeft, globalCapLeft)
	if amount < s.policy.MinPayoutAmount {
		return nil, domain.NewRejection(domain.RejectCapReached, "daily payout cap leaves no room for a payout today")
	}

	claim := &domain.ClaimRecord{
		ID:                    uuid.New(),
		Wallet:                wallet,
		Token:                 token,
		Amount:                amount,
		Status:                domain.ClaimStatusPending,
		IdempotencyKey:        DeriveIdempotencyKey(wallet, amount, token, day),
		Reason:                defaultClaimReason,
		AccruedSnapshot:       snapshot.Accrued,
		ClaimedSnapshot:       snapshot.Claimed,
		UserCapLeftSnapshot:   userCapLeft,
		GlobalCapLeftSnapshot: globalCapLeft,
	}

	created, err := s.repo.CreateClaimIfAbsent(ctx, claim)
	if err != nil {
		return nil, fmt.Errorf("create claim: %w", err)
	}
	if !created {
		// Not an error: the identical request is already in flight or done.
		return nil, domain.NewRejection(domain.RejectDuplicateClaim, "an identical claim is already queued for today")
	}

	log.Printf("level=info component=claims_service msg=\"claim queued\" claim_id=%s wallet=%s amount=%d capped_by=%s",
		claim.ID, wallet, amount, cappedByLabel(cappedBy))

	if err := s.eventProducer.PublishClaimQueued(ctx, domain.ClaimQueuedEvent{
		ClaimID:   claim.ID,
		Wallet:    wallet,
		Token:     token,
		Amount:    amount,
		CappedBy:  cappedBy,
		Timestamp: now.UTC(),
	}); err != nil {
		log.Printf("level=warn component=claims_service msg=\"failed to publish claim queued event\" claim_id=%s err=%v", claim.ID, err)
	}

	return &domain.ClaimDecision{
		ClaimID:  claim.ID,
		Wallet:   wallet,
		Token:    token,
		Amount:   amount,
		CappedBy: cappedBy,
	}, nil
}

// AccrueEarnings credits a wallet's accrued balance. Called by the game's
// referral and quest bookkeeping through the internal API.
func (s *Service) AccrueEarnings(ctx context.Context, req domain.AccrueEarningsRequest) (*domain.EarningsSnapshot, error) {
	if !chainclient.IsValidAddress(req.Wallet) {
		return nil, fmt.Errorf("invalid wallet address %q", req.Wallet)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("accrual amount must be positive, got %d", req.Amount)
	}
	token := req.Token
	if token == "" {
		token = s.policy.Token
	}

	snapshot, err := s.repo.AccrueEarnings(ctx, req.Wallet, token, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("accrue earnings: %w", err)
	}
	log.Printf("level=info component=claims_service msg=\"earnings accrued\" wallet=%s amount=%d reason=%s accrued=%d",
		req.Wallet, req.Amount, req.Reason, snapshot.Accrued)
	return snapshot, nil
}

// GetClaim returns one claim by id.
func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*domain.ClaimRecord, error) {
	return s.repo.FindClaimByID(ctx, id)
}

// ListClaims returns a wallet's claim history, newest first.
func (s *Service) ListClaims(ctx context.Context, wallet string, opts domain.ClaimListOptions) ([]domain.ClaimRecord, error) {
	return s.repo.ListClaimsByWallet(ctx, wallet, s.policy.Token, opts)
}

// capLeft clamps remaining cap headroom at zero.
func capLeft(cap, spent int64) int64 {
	if spent >= cap {
		return 0
	}
	return cap - spent
}

// capAmount bounds the claimable balance by both cap headrooms and reports
// which cap, if any, bound the amount below raw claimable. When both caps bind
// equally the tighter-scoped user cap is reported.
func capAmount(claimable, userCapLeft, globalCapLeft int64) (int64, *string) {
	amount := claimable
	var cappedBy *string
	if userCapLeft < amount {
		amount = userCapLeft
		label := domain.CappedByUserCap
		cappedBy = &label
	}
	if globalCapLeft < amount {
		amount = globalCapLeft
		label := domain.CappedByGlobalCap
		cappedBy = &label
	}
	return amount, cappedBy
}

func cappedByLabel(cappedBy *string) string {
	if cappedBy == nil {
		return "none"
	}
	return *cappedBy
}
