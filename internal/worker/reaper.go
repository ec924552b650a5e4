/**
 * @description
 * Stale-lease recovery for the disbursement pipeline. A worker that crashes
 * mid-disbursement leaves claims stranded in `processing`; the reaper runs on
 * a cron schedule and requeues the ones that are safe to retry.
 *
 * Safety rule: only claims without a transaction reference are requeued. A
 * stale claim that already carries a reference may have moved funds, so it is
 * surfaced through an audit event for operator reconciliation instead of
 * being retried automatically.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Job scheduling.
 * - internal/store: Claim recovery operations.
 */

package worker

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chainquest/claims-service/internal/store"
)

// AuditStaleSubmittedClaim marks a processing claim past the stale cutoff
// that already has a submitted transfer attached.
const AuditStaleSubmittedClaim = "STALE_SUBMITTED_CLAIM"

// Reaper periodically recovers claims stranded by an ungraceful shutdown.
type Reaper struct {
	repo     store.Repository
	cron     *cron.Cron
	staleAge time.Duration
	schedule string
}

// NewReaper creates a reaper that treats leases older than staleAge as dead.
func NewReaper(repo store.Repository, staleAge time.Duration, schedule string) *Reaper {
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.Default()))))
	return &Reaper{
		repo:     repo,
		cron:     c,
		staleAge: staleAge,
		schedule: schedule,
	}
}

// Start registers the recovery job and starts the scheduler.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.runOnce); err != nil {
		return err
	}
	r.cron.Start()
	log.Printf("level=info component=lease_reaper msg=\"reaper started\" schedule=%q stale_age=%s", r.schedule, r.staleAge)
	return nil
}

// Stop stops the scheduler; the returned context is done when any running
// job has finished.
func (r *Reaper) Stop() context.Context {
	return r.cron.Stop()
}

func (r *Reaper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-r.staleAge)

	requeued, err := r.repo.RequeueStaleClaims(ctx, cutoff)
	if err != nil {
		log.Printf("level=error component=lease_reaper msg=\"requeue failed\" err=%v", err)
	} else if requeued > 0 {
		log.Printf("level=info component=lease_reaper msg=\"requeued stale claims\" count=%d cutoff=%s", requeued, cutoff.Format(time.RFC3339))
	}

	stuck, err := r.repo.ListStuckSubmittedClaims(ctx, cutoff)
	if err != nil {
		log.Printf("level=error component=lease_reaper msg=\"stuck claim scan failed\" err=%v", err)
		return
	}
	for _, claim := range stuck {
		log.Printf("level=error component=lease_reaper msg=\"stale claim with submitted transfer needs reconciliation\" claim_id=%s wallet=%s amount=%d transaction_ref=%s",
			claim.ID, claim.Wallet, claim.Amount, derefString(claim.TransactionRef))
		if err := r.repo.AppendAuditEvent(ctx, AuditStaleSubmittedClaim, map[string]interface{}{
			"claim_id":        claim.ID.String(),
			"wallet":          claim.Wallet,
			"token":           claim.Token,
			"amount":          claim.Amount,
			"transaction_ref": derefString(claim.TransactionRef),
			"lease_at":        claim.LeaseAt,
		}); err != nil {
			log.Printf("level=warn component=lease_reaper msg=\"failed to append stale claim audit event\" claim_id=%s err=%v", claim.ID, err)
		}
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
