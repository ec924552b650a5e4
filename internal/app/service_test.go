package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chainquest/claims-service/internal/domain"
	"github.com/chainquest/claims-service/internal/store"
)

const testWallet = "0x1111111111111111111111111111111111111111"

type admissionRepoStub struct {
	store.Repository

	snapshot    *domain.EarningsSnapshot
	snapshotErr error

	userSpent   int64
	globalSpent int64

	created      bool
	createCalled bool
	createdClaim *domain.ClaimRecord
}

func (s *admissionRepoStub) GetEarningsSnapshot(ctx context.Context, wallet, token string) (*domain.EarningsSnapshot, error) {
	if s.snapshotErr != nil {
		return nil, s.snapshotErr
	}
	return s.snapshot, nil
}

func (s *admissionRepoStub) UserDailySpent(ctx context.Context, day, wallet, token string) (int64, error) {
	return s.userSpent, nil
}

func (s *admissionRepoStub) GlobalDailySpent(ctx context.Context, day, token string) (int64, error) {
	return s.globalSpent, nil
}

func (s *admissionRepoStub) CreateClaimIfAbsent(ctx context.Context, claim *domain.ClaimRecord) (bool, error) {
	s.createCalled = true
	s.createdClaim = claim
	return s.created, nil
}

type limiterStub struct {
	minuteCount int
	dayCount    int
	retryAfter  int
}

func (s *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if scope == RateLimitScopeMinute {
		return s.minuteCount, s.retryAfter, nil
	}
	return s.dayCount, s.retryAfter, nil
}

type publisherStub struct {
	queuedEvents []domain.ClaimQueuedEvent
}

func (s *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (s *publisherStub) PublishClaimQueued(ctx context.Context, event domain.ClaimQueuedEvent) error {
	s.queuedEvents = append(s.queuedEvents, event)
	return nil
}

func (s *publisherStub) PublishPayoutCompleted(ctx context.Context, event domain.PayoutCompletedEvent) error {
	return nil
}

func (s *publisherStub) PublishPayoutFailed(ctx context.Context, event domain.PayoutFailedEvent) error {
	return nil
}

func (s *publisherStub) PublishCapReached(ctx context.Context, event domain.CapReachedEvent) error {
	return nil
}

func (s *publisherStub) PublishCapViolation(ctx context.Context, event domain.CapViolationEvent) error {
	return nil
}

func (s *publisherStub) Close() {}

func testPolicy() ClaimPolicy {
	return ClaimPolicy{
		Token:              "CQT",
		MinPayoutAmount:    10000,
		UserDailyCap:       3000000,
		GlobalDailyCap:     10000000000,
		RateLimitPerMinute: 1,
		RateLimitPerDay:    10,
	}
}

func newTestService(repo *admissionRepoStub, limiter *limiterStub, publisher *publisherStub) *Service {
	svc := NewService(repo, limiter, publisher, testPolicy())
	svc.now = func() time.Time {
		return time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	}
	return svc
}

func rejectionCode(t *testing.T, err error) *domain.RejectionError {
	t.Helper()
	var rejection *domain.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected a rejection error, got %v", err)
	}
	return rejection
}

func TestSubmitClaim_MinuteRateLimitRejection(t *testing.T) {
	repo := &admissionRepoStub{}
	limiter := &limiterStub{minuteCount: 2, dayCount: 1, retryAfter: 42}
	svc := newTestService(repo, limiter, &publisherStub{})

	_, err := svc.SubmitClaim(context.Background(), testWallet)
	rejection := rejectionCode(t, err)
	if rejection.Code != domain.RejectRateLimitMinute {
		t.Fatalf("expected %s, got %s", domain.RejectRateLimitMinute, rejection.Code)
	}
	if rejection.RetryAfter != 42 {
		t.Fatalf("expected retryAfter 42, got %d", rejection.RetryAfter)
	}
	if repo.createCalled {
		t.Fatal("throttled claim must not reach claim creation")
	}
}

func TestSubmitClaim_DayRateLimitRejection(t *testing.T) {
	repo := &admissionRepoStub{}
	limiter := &limiterStub{minuteCount: 1, dayCount: 11}
	svc := newTestService(repo, limiter, &publisherStub{})

	_, err := svc.SubmitClaim(context.Background(), testWallet)
	rejection := rejectionCode(t, err)
	if rejection.Code != domain.RejectRateLimitDay {
		t.Fatalf("expected %s, got %s", domain.RejectRateLimitDay, rejection.Code)
	}
}

func TestSubmitClaim_InsufficientBalance(t *testing.T) {
	repo := &admissionRepoStub{
		snapshot: &domain.EarningsSnapshot{Wallet: testWallet, Token: "CQT", Accrued: 15000, Claimed: 10000},
	}
	svc := newTestService(repo, &limiterStub{minuteCount: 1, dayCount: 1}, &publisherStub{})

	_, err := svc.SubmitClaim(context.Background(), testWallet)
	rejection := rejectionCode(t, err)
	if rejection.Code != domain.RejectInsufficientBalance {
		t.Fatalf("expected %s, got %s", domain.RejectInsufficientBalance, rejection.Code)
	}
}

func TestSubmitClaim_NoEarningsRowReadsAsInsufficientBalance(t *testing.T) {
	repo := &admissionRepoStub{snapshotErr: store.ErrEarningsNotFound}
	svc := newTestService(repo, &limiterStub{minuteCount: 1, dayCount: 1}, &publisherStub{})

	_, err := svc.SubmitClaim(context.Background(), testWallet)
	rejection := rejectionCode(t, err)
	if rejection.Code != domain.RejectInsufficientBalance {
		t.Fatalf("expected %s, got %s", domain.RejectInsufficientBalance, rejection.Code)
	}
}

func TestSubmitClaim_UserCapBindsAmount(t *testing.T) {
	// accrued=5,000,000 claimed=1,000,000 -> claimable=4,000,000; the user cap
	// leaves 3,000,000, so the claim is capped there.
	repo := &admissionRepoStub{
		snapshot: &domain.EarningsSnapshot{Wallet: testWallet, Token: "CQT", Accrued: 5000000, Claimed: 1000000},
		created:  true,
	}
	publisher := &publisherStub{}
	svc := newTestService(repo, &limiterStub{minuteCount: 1, dayCount: 1}, publisher)

	decision, err := svc.SubmitClaim(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("SubmitClaim returned error: %v", err)
	}
	if decision.Amount != 3000000 {
		t.Fatalf("expected capped amount 3000000, got %d", decision.Amount)
	}
	if decision.CappedBy == nil || *decision.CappedBy != domain.CappedByUserCap {
		t.Fatalf("expected cappedBy user_cap, got %v", decision.CappedBy)
	}
	if repo.createdClaim == nil {
		t.Fatal("expected a claim record to be created")
	}
	if repo.createdClaim.Status != domain.ClaimStatusPending {
		t.Fatalf("expected pending claim, got %s", repo.createdClaim.Status)
	}
	if repo.createdClaim.AccruedSnapshot != 5000000 || repo.createdClaim.ClaimedSnapshot != 1000000 {
		t.Fatalf("unexpected audit snapshots: accrued=%d claimed=%d",
			repo.createdClaim.AccruedSnapshot, repo.createdClaim.ClaimedSnapshot)
	}
	wantKey := DeriveIdempotencyKey(testWallet, 3000000, "CQT", "2026-09-01")
	if repo.createdClaim.IdempotencyKey != wantKey {
		t.Fatalf("unexpected idempotency key %q", repo.createdClaim.IdempotencyKey)
	}
	if len(publisher.queuedEvents) != 1 {
		t.Fatalf("expected one claim queued event, got %d", len(publisher.queuedEvents))
	}
}

func TestSubmitClaim_CapReachedWhenHeadroomBelowMinimum(t *testing.T) {
	repo := &admissionRepoStub{
		snapshot:  &domain.EarningsSnapshot{Wallet: testWallet, Token: "CQT", Accrued: 5000000, Claimed: 0},
		userSpent: 2995000, // leaves 5000, below the 10000 minimum
	}
	svc := newTestService(repo, &limiterStub{minuteCount: 1, dayCount: 1}, &publisherStub{})

	_, err := svc.SubmitClaim(context.Background(), testWallet)
	rejection := rejectionCode(t, err)
	if rejection.Code != domain.RejectCapReached {
		t.Fatalf("expected %s, got %s", domain.RejectCapReached, rejection.Code)
	}
}

func TestSubmitClaim_DuplicateClaim(t *testing.T) {
	repo := &admissionRepoStub{
		snapshot: &domain.EarningsSnapshot{Wallet: testWallet, Token: "CQT", Accrued: 100000, Claimed: 0},
		created:  false,
	}
	svc := newTestService(repo, &limiterStub{minuteCount: 1, dayCount: 1}, &publisherStub{})

	_, err := svc.SubmitClaim(context.Background(), testWallet)
	rejection := rejectionCode(t, err)
	if rejection.Code != domain.RejectDuplicateClaim {
		t.Fatalf("expected %s, got %s", domain.RejectDuplicateClaim, rejection.Code)
	}
}

func TestCapAmount(t *testing.T) {
	userCap := domain.CappedByUserCap
	globalCap := domain.CappedByGlobalCap

	tests := []struct {
		name          string
		claimable     int64
		userCapLeft   int64
		globalCapLeft int64
		wantAmount    int64
		wantCappedBy  *string
	}{
		{
			name:          "no cap binds",
			claimable:     1000,
			userCapLeft:   5000,
			globalCapLeft: 5000,
			wantAmount:    1000,
			wantCappedBy:  nil,
		},
		{
			name:          "user cap binds",
			claimable:     4000000,
			userCapLeft:   3000000,
			globalCapLeft: 10000000000,
			wantAmount:    3000000,
			wantCappedBy:  &userCap,
		},
		{
			name:          "global cap binds",
			claimable:     4000000,
			userCapLeft:   5000000,
			globalCapLeft: 2000000,
			wantAmount:    2000000,
			wantCappedBy:  &globalCap,
		},
		{
			name:          "tighter user cap wins when both bind",
			claimable:     4000000,
			userCapLeft:   1000000,
			globalCapLeft: 2000000,
			wantAmount:    1000000,
			wantCappedBy:  &userCap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, cappedBy := capAmount(tt.claimable, tt.userCapLeft, tt.globalCapLeft)
			if amount != tt.wantAmount {
				t.Fatalf("expected amount %d, got %d", tt.wantAmount, amount)
			}
			if (cappedBy == nil) != (tt.wantCappedBy == nil) {
				t.Fatalf("expected cappedBy %v, got %v", tt.wantCappedBy, cappedBy)
			}
			if cappedBy != nil && *cappedBy != *tt.wantCappedBy {
				t.Fatalf("expected cappedBy %s, got %s", *tt.wantCappedBy, *cappedBy)
			}
		})
	}
}
