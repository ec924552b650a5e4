/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to claims, earnings, rate limit buckets and the audit log.
 *
 * Concurrency safety relies on every mutation being expressed as one
 * conditional statement (`INSERT ... ON CONFLICT`, `UPDATE ... WHERE
 * <precondition> RETURNING`), so two processes racing on the same row can
 * never both succeed past an invariant.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chainquest/claims-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrEarningsNotFound  = errors.New("earnings record not found")
	ErrClaimNotFound     = errors.New("claim not found")
	ErrNoPendingClaims   = errors.New("no pending claims")
	ErrDailyCapExceeded  = errors.New("daily cap exceeded")
	ErrDuplicateClaim    = errors.New("duplicate claim")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const claimColumns = `
	id, wallet, token, amount, status, idempotency_key, attempts, reason,
	error, transaction_ref,
	accrued_snapshot, claimed_snapshot, user_cap_left_snapshot, global_cap_left_snapshot,
	created_at, lease_at, defer_until, processed_at
`

func scanClaim(row pgx.Row) (*domain.ClaimRecord, error) {
	var claim domain.ClaimRecord
	err := row.Scan(
		&claim.ID,
		&claim.Wallet,
		&claim.Token,
		&claim.Amount,
		&claim.Status,
		&claim.IdempotencyKey,
		&claim.Attempts,
		&claim.Reason,
		&claim.Error,
		&claim.TransactionRef,
		&claim.AccruedSnapshot,
		&claim.ClaimedSnapshot,
		&claim.UserCapLeftSnapshot,
		&claim.GlobalCapLeftSnapshot,
		&claim.CreatedAt,
		&claim.LeaseAt,
		&claim.DeferUntil,
		&claim.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

// GetEarningsSnapshot reads a wallet's accrued and claimed totals in a single
// row. A wallet with no earnings row returns ErrEarningsNotFound; callers map
// it to an insufficient-balance rejection.
func (r *PostgresRepository) GetEarningsSnapshot(ctx context.Context, wallet, token string) (*domain.EarningsSnapshot, error) {
	snapshot := domain.EarningsSnapshot{Wallet: wallet, Token: token}
	query := `SELECT accrued, claimed FROM earnings WHERE wallet = $1 AND token = $2`
	err := r.db.QueryRow(ctx, query, wallet, token).Scan(&snapshot.Accrued, &snapshot.Claimed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEarningsNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}

// AccrueEarnings credits accrued earnings for a wallet, creating the row on first use.
func (r *PostgresRepository) AccrueEarnings(ctx context.Context, wallet, token string, amount int64) (*domain.EarningsSnapshot, error) {
	snapshot := domain.EarningsSnapshot{Wallet: wallet, Token: token}
	query := `
		INSERT INTO earnings (wallet, token, accrued, claimed, updated_at)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (wallet, token)
		DO UPDATE SET accrued = earnings.accrued + EXCLUDED.accrued, updated_at = NOW()
		RETURNING accrued, claimed
	`
	if err := r.db.QueryRow(ctx, query, wallet, token, amount).Scan(&snapshot.Accrued, &snapshot.Claimed); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// AddClaimedAmount advances the claimed total once a disbursement has committed.
func (r *PostgresRepository) AddClaimedAmount(ctx context.Context, wallet, token string, amount int64) error {
	query := `
		UPDATE earnings
		SET claimed = claimed + $3, updated_at = NOW()
		WHERE wallet = $1 AND token = $2
	`
	result, err := r.db.Exec(ctx, query, wallet, token, amount)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrEarningsNotFound
	}
	return nil
}

// IncrementRateLimitBucket upserts an admission-attempt counter and returns the
// post-increment count. The counter includes the attempt that triggers a
// rejection; it is intentionally never decremented.
func (r *PostgresRepository) IncrementRateLimitBucket(ctx context.Context, bucketKey string) (int64, error) {
	var count int64
	query := `
		INSERT INTO rate_limits (bucket_key, count, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (bucket_key)
		DO UPDATE SET count = rate_limits.count + 1, updated_at = NOW()
		RETURNING count
	`
	if err := r.db.QueryRow(ctx, query, bucketKey).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CreateClaimIfAbsent inserts a new pending claim keyed by its idempotency key.
// It returns false when a claim for the same key already exists, which callers
// surface as DUPLICATE_CLAIM rather than an error.
func (r *PostgresRepository) CreateClaimIfAbsent(ctx context.Context, claim *domain.ClaimRecord) (bool, error) {
	query := `
		INSERT INTO claims (
			id, wallet, token, amount, status, idempotency_key, attempts, reason,
			accrued_snapshot, claimed_snapshot, user_cap_left_snapshot, global_cap_left_snapshot,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query,
		claim.ID,
		claim.Wallet,
		claim.Token,
		claim.Amount,
		domain.ClaimStatusPending,
		claim.IdempotencyKey,
		claim.Reason,
		claim.AccruedSnapshot,
		claim.ClaimedSnapshot,
		claim.UserCapLeftSnapshot,
		claim.GlobalCapLeftSnapshot,
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// FindClaimByID retrieves a single claim by its id.
func (r *PostgresRepository) FindClaimByID(ctx context.Context, id uuid.UUID) (*domain.ClaimRecord, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE id = $1`
	claim, err := scanClaim(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return claim, nil
}

// ListClaimsByWallet returns a wallet's claims, newest first.
func (r *PostgresRepository) ListClaimsByWallet(ctx context.Context, wallet, token string, opts domain.ClaimListOptions) ([]domain.ClaimRecord, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + claimColumns + `
		FROM claims
		WHERE wallet = $1 AND token = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, wallet, token, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claims := make([]domain.ClaimRecord, 0, limit)
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, *claim)
	}
	return claims, rows.Err()
}

// LeaseNextPendingClaim grants the caller exclusive ownership of the oldest
// pending claim by transitioning it to processing and bumping its attempt
// counter in one statement. SKIP LOCKED keeps concurrent lease attempts from
// blocking on each other.
func (r *PostgresRepository) LeaseNextPendingClaim(ctx context.Context, token string) (*domain.ClaimRecord, error) {
	query := `
		UPDATE claims
		SET status = $2, attempts = attempts + 1, lease_at = NOW()
		WHERE id = (
			SELECT id FROM claims
			WHERE status = $3 AND token = $1
			  AND (defer_until IS NULL OR defer_until <= NOW())
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + claimColumns
	claim, err := scanClaim(r.db.QueryRow(ctx, query, token, domain.ClaimStatusProcessing, domain.ClaimStatusPending))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNoPendingClaims
		}
		return nil, err
	}
	return claim, nil
}

// GetProcessingClaim re-validates ownership: the claim must still exist under
// the same id and idempotency key and still be processing.
func (r *PostgresRepository) GetProcessingClaim(ctx context.Context, id uuid.UUID, idempotencyKey string) (*domain.ClaimRecord, error) {
	query := `
		SELECT ` + claimColumns + `
		FROM claims
		WHERE id = $1 AND idempotency_key = $2 AND status = $3
	`
	claim, err := scanClaim(r.db.QueryRow(ctx, query, id, idempotencyKey, domain.ClaimStatusProcessing))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return claim, nil
}

// AttachTransactionRef records the submitted transfer reference while the
// confirmation wait is still in progress, so a crash mid-wait leaves a durable
// pointer to the in-flight transaction. An empty reference clears the column,
// used when the chain rejected the transfer outright and a retry may resubmit.
func (r *PostgresRepository) AttachTransactionRef(ctx context.Context, id uuid.UUID, idempotencyKey, transactionRef string) error {
	query := `
		UPDATE claims
		SET transaction_ref = NULLIF($4, '')
		WHERE id = $1 AND idempotency_key = $2 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, id, idempotencyKey, domain.ClaimStatusProcessing, transactionRef)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// CompleteClaim commits the terminal completed state. The condition re-checks
// status and idempotency key so a worker that lost ownership after a
// crash/restart race cannot commit twice.
func (r *PostgresRepository) CompleteClaim(ctx context.Context, id uuid.UUID, idempotencyKey, transactionRef string) (bool, error) {
	query := `
		UPDATE claims
		SET status = $4, transaction_ref = $5, error = NULL, processed_at = NOW()
		WHERE id = $1 AND idempotency_key = $2 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, id, idempotencyKey, domain.ClaimStatusProcessing, domain.ClaimStatusCompleted, transactionRef)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseClaim reverts a processing claim to pending after a transient failure
// or a cap deferral, retaining the message for operator visibility.
func (r *PostgresRepository) ReleaseClaim(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE claims
		SET status = $2, error = NULLIF($4, ''), lease_at = NULL
		WHERE id = $1 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, id, domain.ClaimStatusPending, domain.ClaimStatusProcessing, errMsg)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// DeferClaim parks a cap-blocked processing claim back in pending with a
// not-before timestamp. The lease attempt is refunded: a deferral is a queue
// reorder, not a failed disbursement, so it must not eat into the retry budget.
func (r *PostgresRepository) DeferClaim(ctx context.Context, id uuid.UUID, reason string, until time.Time) error {
	query := `
		UPDATE claims
		SET status = $2, error = NULLIF($4, ''), lease_at = NULL,
		    defer_until = $5, attempts = GREATEST(attempts - 1, 0)
		WHERE id = $1 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, id, domain.ClaimStatusPending, domain.ClaimStatusProcessing, reason, until)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// MarkClaimFailed commits the terminal failed state with the last error retained.
func (r *PostgresRepository) MarkClaimFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE claims
		SET status = $2, error = $4, processed_at = NOW()
		WHERE id = $1 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, id, domain.ClaimStatusFailed, domain.ClaimStatusProcessing, errMsg)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// RequeueStaleClaims re-opens claims abandoned by an ungraceful crash. Claims
// that already carry a transaction reference are excluded: their transfer may
// have landed, so re-leasing them could pay twice.
func (r *PostgresRepository) RequeueStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE claims
		SET status = $1, error = 'requeued: stale lease', lease_at = NULL
		WHERE status = $2 AND lease_at < $3 AND transaction_ref IS NULL
	`
	result, err := r.db.Exec(ctx, query, domain.ClaimStatusPending, domain.ClaimStatusProcessing, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// ListStuckSubmittedClaims reports processing claims past the cutoff whose
// transfer was submitted but never committed. These need manual reconciliation
// against the chain.
func (r *PostgresRepository) ListStuckSubmittedClaims(ctx context.Context, cutoff time.Time) ([]domain.ClaimRecord, error) {
	query := `
		SELECT ` + claimColumns + `
		FROM claims
		WHERE status = $1 AND lease_at < $2 AND transaction_ref IS NOT NULL
		ORDER BY lease_at ASC
	`
	rows, err := r.db.Query(ctx, query, domain.ClaimStatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []domain.ClaimRecord
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, *claim)
	}
	return claims, rows.Err()
}

// AppendAuditEvent appends an immutable audit record. Audit writes must never
// be silently absorbed, so marshal failures are returned to the caller.
func (r *PostgresRepository) AppendAuditEvent(ctx context.Context, kind string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	query := `INSERT INTO audit_events (kind, payload, created_at) VALUES ($1, $2::jsonb, NOW())`
	_, err = r.db.Exec(ctx, query, kind, string(body))
	return err
}
