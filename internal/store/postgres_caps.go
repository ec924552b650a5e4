/**
 * @description
 * Daily spending cap enforcement. The per-user and global accumulators are the
 * single source of truth for "may this amount be paid today"; both are mutated
 * exclusively through a cap-safe conditional upsert so that concurrent
 * disbursement workers can never overshoot a cap, with or without a
 * distributed lock.
 *
 * The advisory CanUserReceive / CanProcessGlobal reads let the worker skip
 * work that obviously would not fit, but they are not the authority: two
 * workers racing past an advisory check are stopped by the conditional
 * increment of whichever RecordPayout call arrives second.
 */

package store

import (
	"context"

	"github.com/chainquest/claims-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// capJustReached reports whether this increment is the one that first carried
// the accumulator to its cap. Exactly-at-cap counts; the previous total must
// still have been below.
func capJustReached(total, amount, cap int64) bool {
	return total >= cap && total-amount < cap
}

// UserDailySpent returns the amount already disbursed to a wallet today.
func (r *PostgresRepository) UserDailySpent(ctx context.Context, day, wallet, token string) (int64, error) {
	var spent int64
	query := `SELECT amount FROM daily_payouts WHERE day = $1 AND wallet = $2 AND token = $3`
	err := r.db.QueryRow(ctx, query, day, wallet, token).Scan(&spent)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return spent, nil
}

// GlobalDailySpent returns the amount disbursed across all wallets today.
func (r *PostgresRepository) GlobalDailySpent(ctx context.Context, day, token string) (int64, error) {
	var spent int64
	query := `SELECT amount FROM daily_global WHERE day = $1 AND token = $2`
	err := r.db.QueryRow(ctx, query, day, token).Scan(&spent)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return spent, nil
}

// CanUserReceive is the advisory per-user pre-check used by the worker.
func (r *PostgresRepository) CanUserReceive(ctx context.Context, day, wallet, token string, amount, cap int64) (bool, error) {
	spent, err := r.UserDailySpent(ctx, day, wallet, token)
	if err != nil {
		return false, err
	}
	return spent+amount <= cap, nil
}

// CanProcessGlobal is the advisory global pre-check used by the worker.
func (r *PostgresRepository) CanProcessGlobal(ctx context.Context, day, token string, amount, cap int64) (bool, error) {
	spent, err := r.GlobalDailySpent(ctx, day, token)
	if err != nil {
		return false, err
	}
	return spent+amount <= cap, nil
}

// RecordUserPayout performs the authoritative conditional increment on the
// per-user accumulator. The insert arm only fires when the amount alone fits
// the cap; the update arm only fires when the new total would still fit.
// Zero rows back means the increment was refused.
func (r *PostgresRepository) RecordUserPayout(ctx context.Context, day, wallet, token string, amount, cap int64) (*domain.DailyCapResult, error) {
	query := `
		INSERT INTO daily_payouts (day, wallet, token, amount, hit_cap, updated_at)
		SELECT $1, $2, $3, $4, $4 >= $5, NOW()
		WHERE $4 <= $5
		ON CONFLICT (day, wallet, token) DO UPDATE
		SET amount = daily_payouts.amount + EXCLUDED.amount,
		    hit_cap = daily_payouts.hit_cap OR (daily_payouts.amount + EXCLUDED.amount) >= $5,
		    updated_at = NOW()
		WHERE daily_payouts.amount + EXCLUDED.amount <= $5
		RETURNING amount, hit_cap
	`
	result := domain.DailyCapResult{}
	err := r.db.QueryRow(ctx, query, day, wallet, token, amount, cap).Scan(&result.Total, &result.HitCap)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDailyCapExceeded
		}
		return nil, err
	}
	result.JustReached = capJustReached(result.Total, amount, cap)
	return &result, nil
}

// RecordGlobalPayout is the global flavor of the cap-safe conditional increment.
func (r *PostgresRepository) RecordGlobalPayout(ctx context.Context, day, token string, amount, cap int64) (*domain.DailyCapResult, error) {
	query := `
		INSERT INTO daily_global (day, token, amount, hit_cap, updated_at)
		SELECT $1, $2, $3, $3 >= $4, NOW()
		WHERE $3 <= $4
		ON CONFLICT (day, token) DO UPDATE
		SET amount = daily_global.amount + EXCLUDED.amount,
		    hit_cap = daily_global.hit_cap OR (daily_global.amount + EXCLUDED.amount) >= $4,
		    updated_at = NOW()
		WHERE daily_global.amount + EXCLUDED.amount <= $4
		RETURNING amount, hit_cap
	`
	result := domain.DailyCapResult{}
	err := r.db.QueryRow(ctx, query, day, token, amount, cap).Scan(&result.Total, &result.HitCap)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDailyCapExceeded
		}
		return nil, err
	}
	result.JustReached = capJustReached(result.Total, amount, cap)
	return &result, nil
}
