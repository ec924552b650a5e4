package worker

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chainquest/claims-service/internal/domain"
	"github.com/chainquest/claims-service/internal/store"
	"github.com/chainquest/claims-service/pkg/chainclient"
)

const testRecipient = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

type workerRepoStub struct {
	store.Repository

	processingClaim *domain.ClaimRecord
	processingErr   error

	attachedRefs []string
	attachErr    error

	completeOK     bool
	completeCalled bool

	releasedWith string
	failedWith   string

	claimedAdded int64

	userPayoutResult   *domain.DailyCapResult
	userPayoutErr      error
	globalPayoutResult *domain.DailyCapResult
	globalPayoutErr    error

	auditKinds []string
}

func (s *workerRepoStub) GetProcessingClaim(ctx context.Context, id uuid.UUID, idempotencyKey string) (*domain.ClaimRecord, error) {
	if s.processingErr != nil {
		return nil, s.processingErr
	}
	return s.processingClaim, nil
}

func (s *workerRepoStub) AttachTransactionRef(ctx context.Context, id uuid.UUID, idempotencyKey, transactionRef string) error {
	s.attachedRefs = append(s.attachedRefs, transactionRef)
	return s.attachErr
}

func (s *workerRepoStub) CompleteClaim(ctx context.Context, id uuid.UUID, idempotencyKey, transactionRef string) (bool, error) {
	s.completeCalled = true
	return s.completeOK, nil
}

func (s *workerRepoStub) ReleaseClaim(ctx context.Context, id uuid.UUID, errMsg string) error {
	s.releasedWith = errMsg
	return nil
}

func (s *workerRepoStub) MarkClaimFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	s.failedWith = errMsg
	return nil
}

func (s *workerRepoStub) AddClaimedAmount(ctx context.Context, wallet, token string, amount int64) error {
	s.claimedAdded += amount
	return nil
}

func (s *workerRepoStub) RecordUserPayout(ctx context.Context, day, wallet, token string, amount, capLimit int64) (*domain.DailyCapResult, error) {
	if s.userPayoutErr != nil {
		return nil, s.userPayoutErr
	}
	return s.userPayoutResult, nil
}

func (s *workerRepoStub) RecordGlobalPayout(ctx context.Context, day, token string, amount, capLimit int64) (*domain.DailyCapResult, error) {
	if s.globalPayoutErr != nil {
		return nil, s.globalPayoutErr
	}
	return s.globalPayoutResult, nil
}

func (s *workerRepoStub) AppendAuditEvent(ctx context.Context, kind string, payload map[string]interface{}) error {
	s.auditKinds = append(s.auditKinds, kind)
	return nil
}

type chainGatewayStub struct {
	sequence uint64

	submitted []chainclient.TransferRequest
	submitRef string
	submitErr error

	waitErr    error
	waitDelay  time.Duration
	waitedRefs []string
}

func (s *chainGatewayStub) PendingSequence(ctx context.Context, address string) (uint64, error) {
	return s.sequence, nil
}

func (s *chainGatewayStub) SubmitTransfer(ctx context.Context, transfer chainclient.TransferRequest, signingKey ed25519.PrivateKey) (*chainclient.TransferResponse, error) {
	s.submitted = append(s.submitted, transfer)
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	resp := &chainclient.TransferResponse{}
	resp.Data.ID = s.submitRef
	return resp, nil
}

func (s *chainGatewayStub) WaitForConfirmations(ctx context.Context, transactionRef string, minConfirmations int) error {
	s.waitedRefs = append(s.waitedRefs, transactionRef)
	if s.waitDelay > 0 {
		time.Sleep(s.waitDelay)
	}
	return s.waitErr
}

type workerPublisherStub struct {
	completed  []domain.PayoutCompletedEvent
	failed     []domain.PayoutFailedEvent
	capReached []domain.CapReachedEvent
	violations []domain.CapViolationEvent
}

func (s *workerPublisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (s *workerPublisherStub) PublishClaimQueued(ctx context.Context, event domain.ClaimQueuedEvent) error {
	return nil
}

func (s *workerPublisherStub) PublishPayoutCompleted(ctx context.Context, event domain.PayoutCompletedEvent) error {
	s.completed = append(s.completed, event)
	return nil
}

func (s *workerPublisherStub) PublishPayoutFailed(ctx context.Context, event domain.PayoutFailedEvent) error {
	s.failed = append(s.failed, event)
	return nil
}

func (s *workerPublisherStub) PublishCapReached(ctx context.Context, event domain.CapReachedEvent) error {
	s.capReached = append(s.capReached, event)
	return nil
}

func (s *workerPublisherStub) PublishCapViolation(ctx context.Context, event domain.CapViolationEvent) error {
	s.violations = append(s.violations, event)
	return nil
}

func (s *workerPublisherStub) Close() {}

func testClaim(attempts int) *domain.ClaimRecord {
	return &domain.ClaimRecord{
		ID:             uuid.New(),
		Wallet:         testRecipient,
		Token:          "CQT",
		Amount:         250000,
		Status:         domain.ClaimStatusProcessing,
		IdempotencyKey: "test-key",
		Attempts:       attempts,
	}
}

func testWorkerConfig() Config {
	_, key, _ := ed25519.GenerateKey(nil)
	return Config{
		Token:               "CQT",
		TreasuryAddress:     testTreasury,
		SigningKey:          key,
		UserDailyCap:        5000000,
		GlobalDailyCap:      10000000000,
		MinConfirmations:    2,
		MaxAttempts:         5,
		Concurrency:         1,
		PollInterval:        time.Millisecond,
		CapDeferInterval:    time.Millisecond,
		DisbursementTimeout: time.Second,
		ShutdownTimeout:     time.Second,
	}
}

func TestDisburse_SuccessfulPayout(t *testing.T) {
	claim := testClaim(1)
	repo := &workerRepoStub{
		processingClaim:    claim,
		completeOK:         true,
		userPayoutResult:   &domain.DailyCapResult{Total: 250000},
		globalPayoutResult: &domain.DailyCapResult{Total: 250000},
	}
	chain := &chainGatewayStub{sequence: 12, submitRef: "0xtx1"}
	publisher := &workerPublisherStub{}
	w := New(repo, chain, publisher, testWorkerConfig())

	w.disburse(context.Background(), claim)

	if len(chain.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(chain.submitted))
	}
	if chain.submitted[0].Nonce != 12 {
		t.Fatalf("expected nonce 12, got %d", chain.submitted[0].Nonce)
	}
	if len(repo.attachedRefs) != 1 || repo.attachedRefs[0] != "0xtx1" {
		t.Fatalf("expected transaction ref attached before confirmation, got %v", repo.attachedRefs)
	}
	if !repo.completeCalled {
		t.Fatal("expected claim completion")
	}
	if repo.claimedAdded != 250000 {
		t.Fatalf("expected claimed total advanced by 250000, got %d", repo.claimedAdded)
	}
	if len(publisher.completed) != 1 {
		t.Fatalf("expected one payout completed event, got %d", len(publisher.completed))
	}
	if publisher.completed[0].TransactionRef != "0xtx1" {
		t.Fatalf("unexpected transaction ref %q", publisher.completed[0].TransactionRef)
	}
	if repo.releasedWith != "" || repo.failedWith != "" {
		t.Fatalf("expected no release or failure, got release=%q fail=%q", repo.releasedWith, repo.failedWith)
	}
}

func TestDisburse_AbandonsWhenOwnershipLost(t *testing.T) {
	claim := testClaim(1)
	repo := &workerRepoStub{processingErr: store.ErrClaimNotFound}
	chain := &chainGatewayStub{submitRef: "0xtx1"}
	w := New(repo, chain, &workerPublisherStub{}, testWorkerConfig())

	w.disburse(context.Background(), claim)

	if len(chain.submitted) != 0 {
		t.Fatal("expected no submission after losing ownership")
	}
	if repo.completeCalled || repo.releasedWith != "" || repo.failedWith != "" {
		t.Fatal("expected the iteration to be abandoned silently")
	}
}

func TestDisburse_InvalidRecipientFailsImmediately(t *testing.T) {
	claim := testClaim(1)
	claim.Wallet = "not-an-address"
	repo := &workerRepoStub{processingClaim: claim}
	chain := &chainGatewayStub{}
	publisher := &workerPublisherStub{}
	w := New(repo, chain, publisher, testWorkerConfig())

	w.disburse(context.Background(), claim)

	if repo.failedWith != errInvalidRecipient {
		t.Fatalf("expected immediate permanent failure %q, got %q", errInvalidRecipient, repo.failedWith)
	}
	if len(chain.submitted) != 0 {
		t.Fatal("expected no submission for an invalid recipient")
	}
	if len(publisher.failed) != 1 {
		t.Fatalf("expected one payout failed event, got %d", len(publisher.failed))
	}
}

func TestDisburse_TransientSubmitFailureRequeues(t *testing.T) {
	claim := testClaim(2)
	repo := &workerRepoStub{processingClaim: claim}
	chain := &chainGatewayStub{submitErr: errors.New("rpc timeout")}
	w := New(repo, chain, &workerPublisherStub{}, testWorkerConfig())

	w.disburse(context.Background(), claim)

	if repo.releasedWith == "" {
		t.Fatal("expected the claim to be released back to pending")
	}
	if repo.failedWith != "" {
		t.Fatalf("expected no permanent failure, got %q", repo.failedWith)
	}
}

func TestDisburse_ExhaustedAttemptsFailPermanently(t *testing.T) {
	claim := testClaim(5)
	repo := &workerRepoStub{processingClaim: claim}
	chain := &chainGatewayStub{submitErr: errors.New("rpc timeout")}
	publisher := &workerPublisherStub{}
	w := New(repo, chain, publisher, testWorkerConfig())

	w.disburse(context.Background(), claim)

	if repo.failedWith == "" {
		t.Fatal("expected a permanent failure at max attempts")
	}
	if repo.releasedWith != "" {
		t.Fatalf("expected no requeue, got %q", repo.releasedWith)
	}
	if len(publisher.failed) != 1 {
		t.Fatalf("expected one payout failed event, got %d", len(publisher.failed))
	}
	if publisher.failed[0].Attempts != 5 {
		t.Fatalf("expected failure event at attempt 5, got %d", publisher.failed[0].Attempts)
	}
}

func TestDisburse_ResumesSubmittedTransferWithoutResubmitting(t *testing.T) {
	claim := testClaim(2)
	existingRef := "0xearlier"
	claim.TransactionRef = &existingRef
	repo := &workerRepoStub{
		processingClaim:    claim,
		completeOK:         true,
		userPayoutResult:   &domain.DailyCapResult{Total: 250000},
		globalPayoutResult: &domain.DailyCapResult{Total: 250000},
	}
	chain := &chainGatewayStub{}
	publisher := &workerPublisherStub{}
	w := New(repo, chain, publisher, testWorkerConfig())

	w.disburse(context.Background(), claim)

	if len(chain.submitted) != 0 {
		t.Fatal("a claim with a transaction ref must never be resubmitted")
	}
	if len(chain.waitedRefs) != 1 || chain.waitedRefs[0] != existingRef {
		t.Fatalf("expected confirmation wait on %q, got %v", existingRef, chain.waitedRefs)
	}
	if !repo.completeCalled {
		t.Fatal("expected the resumed claim to complete")
	}
}

func TestDisburse_PostTransferCapRefusalRaisesViolation(t *testing.T) {
	claim := testClaim(1)
	repo := &workerRepoStub{
		processingClaim:    claim,
		completeOK:         true,
		userPayoutErr:      store.ErrDailyCapExceeded,
		globalPayoutResult: &domain.DailyCapResult{Total: 250000},
	}
	chain := &chainGatewayStub{submitRef: "0xtx1"}
	publisher := &workerPublisherStub{}
	w := New(repo, chain, publisher, testWorkerConfig())

	w.disburse(context.Background(), claim)

	found := false
	for _, kind := range repo.auditKinds {
		if kind == AuditCapViolation {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s audit event, got %v", AuditCapViolation, repo.auditKinds)
	}
	if len(publisher.violations) != 1 {
		t.Fatalf("expected one cap violation event, got %d", len(publisher.violations))
	}
	// The claim still completed: funds moved on-chain, the refusal is a
	// reconciliation signal.
	if len(publisher.completed) != 1 {
		t.Fatalf("expected the payout completed event to still publish, got %d", len(publisher.completed))
	}
}

// fifoRepoStub models the real lease semantics: strictly-FIFO over pending
// claims, skipping entries whose deferral has not yet passed.
type fifoEntry struct {
	claim      domain.ClaimRecord
	deferUntil time.Time
	leases     int
}

type fifoRepoStub struct {
	store.Repository

	mu           sync.Mutex
	entries      []*fifoEntry
	cappedWallet string
}

func (s *fifoRepoStub) find(id uuid.UUID) *fifoEntry {
	for _, e := range s.entries {
		if e.claim.ID == id {
			return e
		}
	}
	return nil
}

func (s *fifoRepoStub) LeaseNextPendingClaim(ctx context.Context, token string) (*domain.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, e := range s.entries {
		if e.claim.Status != domain.ClaimStatusPending || e.deferUntil.After(now) {
			continue
		}
		e.claim.Status = domain.ClaimStatusProcessing
		e.claim.Attempts++
		e.leases++
		leased := e.claim
		return &leased, nil
	}
	return nil, store.ErrNoPendingClaims
}

func (s *fifoRepoStub) CanProcessGlobal(ctx context.Context, day, token string, amount, capLimit int64) (bool, error) {
	return true, nil
}

func (s *fifoRepoStub) CanUserReceive(ctx context.Context, day, wallet, token string, amount, capLimit int64) (bool, error) {
	return wallet != s.cappedWallet, nil
}

func (s *fifoRepoStub) DeferClaim(ctx context.Context, id uuid.UUID, reason string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil || e.claim.Status != domain.ClaimStatusProcessing {
		return store.ErrClaimNotFound
	}
	e.claim.Status = domain.ClaimStatusPending
	if e.claim.Attempts > 0 {
		e.claim.Attempts--
	}
	e.deferUntil = until
	return nil
}

func (s *fifoRepoStub) GetProcessingClaim(ctx context.Context, id uuid.UUID, idempotencyKey string) (*domain.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil || e.claim.Status != domain.ClaimStatusProcessing {
		return nil, store.ErrClaimNotFound
	}
	claim := e.claim
	return &claim, nil
}

func (s *fifoRepoStub) AttachTransactionRef(ctx context.Context, id uuid.UUID, idempotencyKey, transactionRef string) error {
	return nil
}

func (s *fifoRepoStub) CompleteClaim(ctx context.Context, id uuid.UUID, idempotencyKey, transactionRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil || e.claim.Status != domain.ClaimStatusProcessing {
		return false, nil
	}
	e.claim.Status = domain.ClaimStatusCompleted
	return true, nil
}

func (s *fifoRepoStub) AddClaimedAmount(ctx context.Context, wallet, token string, amount int64) error {
	return nil
}

func (s *fifoRepoStub) RecordUserPayout(ctx context.Context, day, wallet, token string, amount, capLimit int64) (*domain.DailyCapResult, error) {
	return &domain.DailyCapResult{}, nil
}

func (s *fifoRepoStub) RecordGlobalPayout(ctx context.Context, day, token string, amount, capLimit int64) (*domain.DailyCapResult, error) {
	return &domain.DailyCapResult{}, nil
}

func (s *fifoRepoStub) AppendAuditEvent(ctx context.Context, kind string, payload map[string]interface{}) error {
	return nil
}

func (s *fifoRepoStub) ReleaseClaim(ctx context.Context, id uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.find(id); e != nil {
		e.claim.Status = domain.ClaimStatusPending
	}
	return nil
}

func (s *fifoRepoStub) MarkClaimFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.find(id); e != nil {
		e.claim.Status = domain.ClaimStatusFailed
	}
	return nil
}

func pendingClaim(wallet string) domain.ClaimRecord {
	return domain.ClaimRecord{
		ID:             uuid.New(),
		Wallet:         wallet,
		Token:          "CQT",
		Amount:         250000,
		Status:         domain.ClaimStatusPending,
		IdempotencyKey: uuid.NewString(),
	}
}

func TestRun_UserCapDeferralDoesNotStarveQueue(t *testing.T) {
	cappedWallet := "0xcccccccccccccccccccccccccccccccccccccccc"
	repo := &fifoRepoStub{
		cappedWallet: cappedWallet,
		entries: []*fifoEntry{
			{claim: pendingClaim(cappedWallet)},
			{claim: pendingClaim(testRecipient)},
		},
	}
	chain := &chainGatewayStub{sequence: 1, submitRef: "0xtx1"}
	cfg := testWorkerConfig()
	cfg.PollInterval = time.Millisecond
	cfg.CapDeferInterval = time.Minute
	w := New(repo, chain, &workerPublisherStub{}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	repo.mu.Lock()
	defer repo.mu.Unlock()

	capped, healthy := repo.entries[0], repo.entries[1]
	if healthy.claim.Status != domain.ClaimStatusCompleted {
		t.Fatalf("expected the younger claim behind the capped one to complete, got status %q after %d leases",
			healthy.claim.Status, healthy.leases)
	}
	if capped.leases != 1 {
		t.Fatalf("expected the capped claim to be leased once and parked, got %d leases", capped.leases)
	}
	if capped.claim.Status != domain.ClaimStatusPending {
		t.Fatalf("expected the capped claim back in pending, got %q", capped.claim.Status)
	}
	if capped.claim.Attempts != 0 {
		t.Fatalf("a cap deferral must not consume retry attempts, got %d", capped.claim.Attempts)
	}
	if !capped.deferUntil.After(time.Now()) {
		t.Fatal("expected the capped claim parked behind a future defer timestamp")
	}
}

func TestRun_DrainsInFlightDisbursementBeforeReturning(t *testing.T) {
	repo := &fifoRepoStub{
		entries: []*fifoEntry{
			{claim: pendingClaim(testRecipient)},
		},
	}
	chain := &chainGatewayStub{sequence: 1, submitRef: "0xtx1", waitDelay: 50 * time.Millisecond}
	cfg := testWorkerConfig()
	cfg.PollInterval = time.Millisecond
	w := New(repo, chain, &workerPublisherStub{}, cfg)

	// Cancel while the confirmation wait is still in flight; Run must not
	// return until the disbursement has finished.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.entries[0].claim.Status != domain.ClaimStatusCompleted {
		t.Fatalf("expected the in-flight disbursement drained to completion, got status %q", repo.entries[0].claim.Status)
	}
}

func TestDisburse_CapJustReachedEmitsAuditEvent(t *testing.T) {
	claim := testClaim(1)
	repo := &workerRepoStub{
		processingClaim:    claim,
		completeOK:         true,
		userPayoutResult:   &domain.DailyCapResult{Total: 5000000, HitCap: true, JustReached: true},
		globalPayoutResult: &domain.DailyCapResult{Total: 250000},
	}
	chain := &chainGatewayStub{submitRef: "0xtx1"}
	publisher := &workerPublisherStub{}
	w := New(repo, chain, publisher, testWorkerConfig())

	w.disburse(context.Background(), claim)

	found := false
	for _, kind := range repo.auditKinds {
		if kind == AuditCapReached {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s audit event, got %v", AuditCapReached, repo.auditKinds)
	}
	if len(publisher.capReached) != 1 {
		t.Fatalf("expected one cap reached event, got %d", len(publisher.capReached))
	}
	if publisher.capReached[0].Scope != "user" {
		t.Fatalf("expected user scope, got %q", publisher.capReached[0].Scope)
	}
}
