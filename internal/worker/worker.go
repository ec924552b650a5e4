/**
 * @description
 * The disbursement worker: a long-running loop that leases pending claims,
 * re-checks daily caps, allocates a treasury nonce, signs and submits the
 * on-chain transfer, waits for confirmations, and commits the outcome plus
 * the payout ledger entries.
 *
 * Correctness properties the loop maintains:
 * - No double payment: ownership is re-validated after lease, terminal
 *   transitions are conditional on status=processing and the idempotency key,
 *   and a claim that already carries a transaction reference is resumed at
 *   the confirmation wait instead of being resubmitted.
 * - No cap overrun: advisory pre-checks defer claims that would not fit;
 *   the authoritative conditional increments run at commit time and any
 *   refusal there is surfaced as a critical audit event because funds have
 *   already moved on-chain.
 * - Nonce safety: allocation and submission happen under one mutex so
 *   allocation order matches submission order; every submission failure
 *   resets the sequencer.
 *
 * @dependencies
 * - context, crypto/ed25519, errors, fmt, log, sync, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/chainclient, pkg/rabbitmq: Chain gateway and event publishing.
 */

package worker

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chainquest/claims-service/internal/domain"
	"github.com/chainquest/claims-service/internal/store"
	"github.com/chainquest/claims-service/pkg/chainclient"
	"github.com/chainquest/claims-service/pkg/rabbitmq"
)

// Deferral and failure tags recorded on the claim's error field.
const (
	deferGlobalCap      = "deferred: GLOBAL_DAILY_CAP_REACHED"
	deferUserCap        = "deferred: USER_DAILY_CAP_REACHED"
	errInvalidRecipient = "INVALID_RECIPIENT"
)

// Audit event kinds appended by the worker.
const (
	AuditCapReached   = "CAP_REACHED"
	AuditCapViolation = "CAP_EXCEEDED_POST_TRANSFER"
)

// ChainGateway is the slice of the chain client the worker uses.
type ChainGateway interface {
	SequenceReader
	SubmitTransfer(ctx context.Context, transfer chainclient.TransferRequest, signingKey ed25519.PrivateKey) (*chainclient.TransferResponse, error)
	WaitForConfirmations(ctx context.Context, transactionRef string, minConfirmations int) error
}

// Config carries the disbursement settings loaded from the environment.
type Config struct {
	Token               string
	TreasuryAddress     string
	SigningKey          ed25519.PrivateKey
	UserDailyCap        int64
	GlobalDailyCap      int64
	MinConfirmations    int
	MaxAttempts         int
	Concurrency         int
	PollInterval        time.Duration
	CapDeferInterval    time.Duration
	DisbursementTimeout time.Duration
	ShutdownTimeout     time.Duration
}

// Worker drives the claim disbursement loop. Exactly one Worker may run per
// treasury signing key; its nonce sequencer state is process-local.
type Worker struct {
	repo      store.Repository
	chain     ChainGateway
	sequencer *NonceSequencer
	producer  rabbitmq.Publisher
	cfg       Config

	// submitMu serializes nonce allocation with submission so nonces reach
	// the chain in allocation order. Confirmation waits happen outside it.
	submitMu sync.Mutex
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates a disbursement worker.
func New(repo store.Repository, chain ChainGateway, producer rabbitmq.Publisher, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		repo:      repo,
		chain:     chain,
		sequencer: NewNonceSequencer(chain),
		producer:  producer,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run executes the lease loop until ctx is cancelled, then drains in-flight
// disbursements bounded by the shutdown timeout.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("level=info component=disbursement_worker msg=\"worker started\" token=%s concurrency=%d poll_interval=%s",
		w.cfg.Token, w.cfg.Concurrency, w.cfg.PollInterval)

	slots := make(chan struct{}, w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case slots <- struct{}{}:
		}

		claim, err := w.repo.LeaseNextPendingClaim(ctx, w.cfg.Token)
		if err != nil {
			<-slots
			if errors.Is(err, store.ErrNoPendingClaims) {
				w.sleep(ctx, w.cfg.PollInterval)
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			log.Printf("level=error component=disbursement_worker msg=\"lease failed\" err=%v", err)
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		day := appDay(w.now())

		// Global cap precheck: nothing else fits today either, so back off
		// for the longer defer interval after parking the claim.
		globalOK, err := w.repo.CanProcessGlobal(ctx, day, claim.Token, claim.Amount, w.cfg.GlobalDailyCap)
		if err == nil && !globalOK {
			w.deferClaim(claim, deferGlobalCap)
			<-slots
			w.sleep(ctx, w.cfg.CapDeferInterval)
			continue
		}

		// Per-user cap precheck: only this wallet is blocked. The claim is
		// parked behind defer_until so the next lease picks the next-oldest
		// claim instead of re-leasing this one; unrelated wallets keep flowing.
		if err == nil {
			userOK, userErr := w.repo.CanUserReceive(ctx, day, claim.Wallet, claim.Token, claim.Amount, w.cfg.UserDailyCap)
			err = userErr
			if userErr == nil && !userOK {
				w.deferClaim(claim, deferUserCap)
				<-slots
				continue
			}
		}
		if err != nil {
			log.Printf("level=error component=disbursement_worker msg=\"cap precheck failed\" claim_id=%s err=%v", claim.ID, err)
			w.release(claim, fmt.Sprintf("cap precheck: %v", err))
			<-slots
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.wg.Add(1)
		go func(claim *domain.ClaimRecord) {
			defer w.wg.Done()
			defer func() { <-slots }()

			// Detached context: a shutdown stops new leases but lets the
			// in-flight transfer run to its own timeout.
			dCtx, cancel := context.WithTimeout(context.Background(), w.cfg.DisbursementTimeout)
			defer cancel()
			w.disburse(dCtx, claim)
		}(claim)
	}
}

// disburse runs one leased claim to a terminal or requeued state.
func (w *Worker) disburse(ctx context.Context, leased *domain.ClaimRecord) {
	// Re-validate ownership. After a crash/restart race another worker may
	// already have finished this claim; abandon silently if so.
	claim, err := w.repo.GetProcessingClaim(ctx, leased.ID, leased.IdempotencyKey)
	if err != nil {
		if !errors.Is(err, store.ErrClaimNotFound) {
			log.Printf("level=error component=disbursement_worker msg=\"ownership check failed\" claim_id=%s err=%v", leased.ID, err)
		}
		return
	}

	if claim.Amount <= 0 || !chainclient.IsValidAddress(claim.Wallet) {
		w.fail(ctx, claim, errInvalidRecipient)
		return
	}

	transactionRef := ""
	if claim.TransactionRef != nil && *claim.TransactionRef != "" {
		// A previous attempt already submitted this transfer. Resume at the
		// confirmation wait; resubmitting would double-pay.
		transactionRef = *claim.TransactionRef
		log.Printf("level=info component=disbursement_worker msg=\"resuming submitted transfer\" claim_id=%s transaction_ref=%s", claim.ID, transactionRef)
	} else {
		transactionRef, err = w.submit(ctx, claim)
		if err != nil {
			w.sequencer.ResetOnError()
			w.handleTransient(ctx, claim, err)
			return
		}

		// Persist the reference before the confirmation wait so a crash here
		// leaves a resumable record instead of an untracked in-flight transfer.
		if err := w.repo.AttachTransactionRef(ctx, claim.ID, claim.IdempotencyKey, transactionRef); err != nil {
			log.Printf("level=warn component=disbursement_worker msg=\"failed to attach transaction ref\" claim_id=%s transaction_ref=%s err=%v",
				claim.ID, transactionRef, err)
		}
	}

	if err := w.chain.WaitForConfirmations(ctx, transactionRef, w.cfg.MinConfirmations); err != nil {
		w.sequencer.ResetOnError()
		if errors.Is(err, chainclient.ErrTransferRejected) {
			// The chain refused the transfer outright; the nonce is void and
			// the claim can safely be retried from scratch.
			if clearErr := w.repo.AttachTransactionRef(ctx, claim.ID, claim.IdempotencyKey, ""); clearErr != nil {
				log.Printf("level=warn component=disbursement_worker msg=\"failed to clear rejected transaction ref\" claim_id=%s err=%v", claim.ID, clearErr)
			}
		}
		w.handleTransient(ctx, claim, err)
		return
	}
	w.sequencer.MarkConfirmed()

	w.commit(ctx, claim, transactionRef)
}

// submit allocates a nonce and submits the transfer inside one critical
// section, so no later allocation can reach the chain first.
func (w *Worker) submit(ctx context.Context, claim *domain.ClaimRecord) (string, error) {
	w.submitMu.Lock()
	defer w.submitMu.Unlock()

	nonce, err := w.sequencer.Next(ctx, w.cfg.TreasuryAddress)
	if err != nil {
		return "", err
	}

	resp, err := w.chain.SubmitTransfer(ctx, chainclient.TransferRequest{
		From:   w.cfg.TreasuryAddress,
		To:     claim.Wallet,
		Token:  claim.Token,
		Amount: claim.Amount,
		Nonce:  nonce,
	}, w.cfg.SigningKey)
	if err != nil {
		if chainclient.IsSequenceConflict(err) {
			log.Printf("level=warn component=disbursement_worker msg=\"nonce conflict on submit\" claim_id=%s nonce=%d", claim.ID, nonce)
		}
		return "", fmt.Errorf("submit transfer: %w", err)
	}

	log.Printf("level=info component=disbursement_worker msg=\"transfer submitted\" claim_id=%s wallet=%s amount=%d nonce=%d transaction_ref=%s",
		claim.ID, claim.Wallet, claim.Amount, nonce, resp.Data.ID)
	return resp.Data.ID, nil
}

// commit marks the claim completed and records the payout ledger entries.
// The transfer is already confirmed on-chain at this point, so ledger
// refusals are reconciliation signals, never rollbacks.
func (w *Worker) commit(ctx context.Context, claim *domain.ClaimRecord, transactionRef string) {
	ok, err := w.repo.CompleteClaim(ctx, claim.ID, claim.IdempotencyKey, transactionRef)
	if err != nil {
		log.Printf("level=error component=disbursement_worker msg=\"complete claim failed\" claim_id=%s transaction_ref=%s err=%v",
			claim.ID, transactionRef, err)
		return
	}
	if !ok {
		// Another worker won the terminal transition; its commit also owns
		// the ledger entries.
		log.Printf("level=warn component=disbursement_worker msg=\"claim completed elsewhere\" claim_id=%s", claim.ID)
		return
	}

	if err := w.repo.AddClaimedAmount(ctx, claim.Wallet, claim.Token, claim.Amount); err != nil {
		log.Printf("level=error component=disbursement_worker msg=\"failed to advance claimed total\" claim_id=%s err=%v", claim.ID, err)
	}

	day := appDay(w.now())

	userResult, err := w.repo.RecordUserPayout(ctx, day, claim.Wallet, claim.Token, claim.Amount, w.cfg.UserDailyCap)
	if err != nil {
		w.reportCapOutcome(ctx, claim, transactionRef, "user", nil, err)
	} else {
		w.reportCapOutcome(ctx, claim, transactionRef, "user", userResult, nil)
	}

	globalResult, err := w.repo.RecordGlobalPayout(ctx, day, claim.Token, claim.Amount, w.cfg.GlobalDailyCap)
	if err != nil {
		w.reportCapOutcome(ctx, claim, transactionRef, "global", nil, err)
	} else {
		w.reportCapOutcome(ctx, claim, transactionRef, "global", globalResult, nil)
	}

	log.Printf("level=info component=disbursement_worker msg=\"claim completed\" claim_id=%s wallet=%s amount=%d transaction_ref=%s attempts=%d",
		claim.ID, claim.Wallet, claim.Amount, transactionRef, claim.Attempts)

	if err := w.producer.PublishPayoutCompleted(ctx, domain.PayoutCompletedEvent{
		ClaimID:        claim.ID,
		Wallet:         claim.Wallet,
		Token:          claim.Token,
		Amount:         claim.Amount,
		TransactionRef: transactionRef,
		Attempts:       claim.Attempts,
		Timestamp:      w.now().UTC(),
	}); err != nil {
		log.Printf("level=warn component=disbursement_worker msg=\"failed to publish payout completed event\" claim_id=%s err=%v", claim.ID, err)
	}
}

// reportCapOutcome appends the sticky cap-reached audit event when an
// accumulator first hits its cap, and escalates a refused post-transfer
// increment to the critical violation channel.
func (w *Worker) reportCapOutcome(ctx context.Context, claim *domain.ClaimRecord, transactionRef, scope string, result *domain.DailyCapResult, capErr error) {
	day := appDay(w.now())

	if capErr != nil {
		if !errors.Is(capErr, store.ErrDailyCapExceeded) {
			log.Printf("level=error component=disbursement_worker msg=\"payout ledger update failed\" claim_id=%s scope=%s err=%v", claim.ID, scope, capErr)
			return
		}
		log.Printf("level=error component=disbursement_worker msg=\"cap exceeded after transfer\" claim_id=%s scope=%s wallet=%s amount=%d transaction_ref=%s",
			claim.ID, scope, claim.Wallet, claim.Amount, transactionRef)
		if err := w.repo.AppendAuditEvent(ctx, AuditCapViolation, map[string]interface{}{
			"claim_id":        claim.ID.String(),
			"scope":           scope,
			"day":             day,
			"wallet":          claim.Wallet,
			"token":           claim.Token,
			"amount":          claim.Amount,
			"transaction_ref": transactionRef,
		}); err != nil {
			log.Printf("level=error component=disbursement_worker msg=\"failed to append cap violation audit event\" claim_id=%s err=%v", claim.ID, err)
		}
		if err := w.producer.PublishCapViolation(ctx, domain.CapViolationEvent{
			ClaimID:        claim.ID,
			Scope:          scope,
			Wallet:         claim.Wallet,
			Token:          claim.Token,
			Amount:         claim.Amount,
			TransactionRef: transactionRef,
			Timestamp:      w.now().UTC(),
		}); err != nil {
			log.Printf("level=warn component=disbursement_worker msg=\"failed to publish cap violation event\" claim_id=%s err=%v", claim.ID, err)
		}
		return
	}

	if result == nil || !result.JustReached {
		return
	}

	capLimit := w.cfg.UserDailyCap
	wallet := claim.Wallet
	if scope == "global" {
		capLimit = w.cfg.GlobalDailyCap
		wallet = ""
	}
	log.Printf("level=info component=disbursement_worker msg=\"daily cap reached\" scope=%s day=%s token=%s total=%d", scope, day, claim.Token, result.Total)
	if err := w.repo.AppendAuditEvent(ctx, AuditCapReached, map[string]interface{}{
		"scope":  scope,
		"day":    day,
		"wallet": wallet,
		"token":  claim.Token,
		"total":  result.Total,
		"cap":    capLimit,
	}); err != nil {
		log.Printf("level=warn component=disbursement_worker msg=\"failed to append cap reached audit event\" scope=%s err=%v", scope, err)
	}
	if err := w.producer.PublishCapReached(ctx, domain.CapReachedEvent{
		Scope:     scope,
		Day:       day,
		Wallet:    wallet,
		Token:     claim.Token,
		Total:     result.Total,
		Cap:       capLimit,
		Timestamp: w.now().UTC(),
	}); err != nil {
		log.Printf("level=warn component=disbursement_worker msg=\"failed to publish cap reached event\" scope=%s err=%v", scope, err)
	}
}

// handleTransient requeues the claim when attempts remain and fails it
// permanently otherwise.
func (w *Worker) handleTransient(ctx context.Context, claim *domain.ClaimRecord, cause error) {
	if claim.Attempts >= w.cfg.MaxAttempts {
		w.fail(ctx, claim, cause.Error())
		return
	}
	log.Printf("level=warn component=disbursement_worker msg=\"transient disbursement failure\" claim_id=%s attempts=%d max_attempts=%d err=%v",
		claim.ID, claim.Attempts, w.cfg.MaxAttempts, cause)
	w.release(claim, cause.Error())
}

// fail transitions the claim to its terminal failed state.
func (w *Worker) fail(ctx context.Context, claim *domain.ClaimRecord, errMsg string) {
	log.Printf("level=error component=disbursement_worker msg=\"claim failed permanently\" claim_id=%s wallet=%s attempts=%d err=%q",
		claim.ID, claim.Wallet, claim.Attempts, errMsg)
	if err := w.repo.MarkClaimFailed(ctx, claim.ID, errMsg); err != nil {
		log.Printf("level=error component=disbursement_worker msg=\"failed to mark claim failed\" claim_id=%s err=%v", claim.ID, err)
		return
	}
	if err := w.producer.PublishPayoutFailed(ctx, domain.PayoutFailedEvent{
		ClaimID:   claim.ID,
		Wallet:    claim.Wallet,
		Token:     claim.Token,
		Amount:    claim.Amount,
		Attempts:  claim.Attempts,
		Error:     errMsg,
		Timestamp: w.now().UTC(),
	}); err != nil {
		log.Printf("level=warn component=disbursement_worker msg=\"failed to publish payout failed event\" claim_id=%s err=%v", claim.ID, err)
	}
}

// deferClaim parks a cap-blocked claim until the defer interval has passed.
// Uses a background context so a cancelled loop context cannot strand the
// claim in processing.
func (w *Worker) deferClaim(claim *domain.ClaimRecord, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	until := w.now().Add(w.cfg.CapDeferInterval)
	if err := w.repo.DeferClaim(ctx, claim.ID, reason, until); err != nil {
		log.Printf("level=error component=disbursement_worker msg=\"failed to defer claim\" claim_id=%s reason=%q err=%v", claim.ID, reason, err)
	}
}

// release returns the claim to pending with a reason tag. Uses a background
// context so a cancelled loop context cannot strand the claim in processing.
func (w *Worker) release(claim *domain.ClaimRecord, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.repo.ReleaseClaim(ctx, claim.ID, reason); err != nil {
		log.Printf("level=error component=disbursement_worker msg=\"failed to release claim\" claim_id=%s reason=%q err=%v", claim.ID, reason, err)
	}
}

// drain waits for in-flight disbursements, bounded by the shutdown timeout.
func (w *Worker) drain() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("level=info component=disbursement_worker msg=\"worker drained\"")
	case <-time.After(w.cfg.ShutdownTimeout):
		log.Printf("level=warn component=disbursement_worker msg=\"shutdown timeout reached with disbursements in flight\"")
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// appDay formats the UTC day key the ledger tables are scoped by.
func appDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
