// Package ledger owns the bet-related writes: placing a bet, settling a
// cashout, marking a round's losers, admin refunds and round persistence
// (deposit and withdrawal balance changes live in package payments). The
// operations that change a balance run inside their own pgx transaction with
// a row-locked balance, so two concurrent requests against the same user can never
// both observe a stale balance (spec.md §6's at-most-one-active-bet and
// never-negative-balance invariants).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashcore/internal/apperr"
	"crashcore/internal/domain"
	"crashcore/internal/money"
)

// Ledger wraps a pgx pool with the transactional operations spec.md §4.4
// and §4.5 require.
type Ledger struct {
	pool        *pgxpool.Pool
	maxRoundAge time.Duration
}

// New builds a Ledger over pool. maxRoundAge bounds how long after a round
// started placeBet will still accept a wager on it (spec.md §4.4's
// RoundStale check) — pass 0 to use the spec default of 300s.
func New(pool *pgxpool.Pool, maxRoundAge time.Duration) *Ledger {
	if maxRoundAge <= 0 {
		maxRoundAge = 300 * time.Second
	}
	return &Ledger{pool: pool, maxRoundAge: maxRoundAge}
}

// PlaceBet debits amount from userID's balance and inserts an active Bet
// row for roundID, atomically. Fails with KindRoundStale if the round
// started too long ago, KindInsufficientFund if the balance can't cover
// amount, or KindConflict if the user already has an active bet on this
// round (the partial unique index backs this up at the database level; the
// row lock here is what makes the check race-free).
func (l *Ledger) PlaceBet(ctx context.Context, userID, roundID uuid.UUID, amount money.Amount) (*domain.Bet, money.Amount, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, money.Zero, fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var startedAt time.Time
	err = tx.QueryRow(ctx, `SELECT started_at FROM rounds WHERE round_id = $1`, roundID).Scan(&startedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, money.Zero, apperr.ErrRoundNotFound
		}
		return nil, money.Zero, fmt.Errorf("ledger: lookup round: %w", err)
	}
	if time.Since(startedAt) > l.maxRoundAge {
		return nil, money.Zero, apperr.New(apperr.KindRoundStale, "round started too long ago")
	}

	var balance money.Amount
	err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, money.Zero, apperr.ErrUserNotFound
		}
		return nil, money.Zero, fmt.Errorf("ledger: lock user: %w", err)
	}
	if balance.LessThan(amount) {
		return nil, money.Zero, apperr.New(apperr.KindInsufficientFund, "insufficient balance")
	}

	var existing int
	err = tx.QueryRow(ctx, `SELECT count(*) FROM bets WHERE user_id = $1 AND round_id = $2 AND status = 'active'`, userID, roundID).Scan(&existing)
	if err != nil {
		return nil, money.Zero, fmt.Errorf("ledger: check existing bet: %w", err)
	}
	if existing > 0 {
		return nil, money.Zero, apperr.New(apperr.KindConflict, "active bet already exists for this round")
	}

	newBalance := balance.Sub(amount)
	if _, err := tx.Exec(ctx, `UPDATE users SET balance = $1, updated_at = now() WHERE id = $2`, newBalance, userID); err != nil {
		return nil, money.Zero, fmt.Errorf("ledger: debit balance: %w", err)
	}

	bet := &domain.Bet{
		ID:        uuid.New(),
		RoundID:   roundID,
		UserID:    userID,
		BetAmount: amount,
		Payout:    money.Zero,
		Status:    domain.BetStatusActive,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO bets (id, round_id, user_id, bet_amount, payout, status, bet_placed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now(), now())`,
		bet.ID, bet.RoundID, bet.UserID, bet.BetAmount, bet.Payout, bet.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, money.Zero, apperr.New(apperr.KindConflict, "active bet already exists for this round")
		}
		return nil, money.Zero, fmt.Errorf("ledger: insert bet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, money.Zero, fmt.Errorf("ledger: commit: %w", err)
	}
	return bet, newBalance, nil
}

// SettleResult is the outcome of SettleCashout.
type SettleResult struct {
	Payout     money.Amount
	NewBalance money.Amount
	Idempotent bool
}

// SettleCashout applies the engine's cashout verdict to the user's bet on
// roundID. It is the single place a cashout ever touches the ledger, and it
// is itself idempotent per spec.md §4.4/§8 invariant 5: replaying the same
// call after it already settled returns the original outcome rather than
// crediting twice.
func (l *Ledger) SettleCashout(ctx context.Context, userID, roundID uuid.UUID, win bool, payout money.Amount) (SettleResult, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return SettleResult{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var settlementClosedAt *time.Time
	err = tx.QueryRow(ctx, `SELECT settlement_closed_at FROM rounds WHERE round_id = $1 FOR UPDATE`, roundID).Scan(&settlementClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SettleResult{}, apperr.ErrRoundNotFound
		}
		return SettleResult{}, fmt.Errorf("ledger: lock round: %w", err)
	}
	if settlementClosedAt != nil && settlementClosedAt.Before(time.Now()) {
		return SettleResult{}, apperr.New(apperr.KindSettlementClosed, "settlement window has closed")
	}

	var betID uuid.UUID
	var status domain.BetStatus
	var existingPayout money.Amount
	err = tx.QueryRow(ctx, `
		SELECT id, status, payout FROM bets WHERE user_id = $1 AND round_id = $2 FOR UPDATE`,
		userID, roundID).Scan(&betID, &status, &existingPayout)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SettleResult{}, apperr.ErrBetNotFound
		}
		return SettleResult{}, fmt.Errorf("ledger: lock bet: %w", err)
	}

	var currentBalance money.Amount
	switch status {
	case domain.BetStatusCashed:
		if err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&currentBalance); err != nil {
			return SettleResult{}, fmt.Errorf("ledger: read balance: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return SettleResult{}, fmt.Errorf("ledger: commit: %w", err)
		}
		return SettleResult{Payout: existingPayout, NewBalance: currentBalance, Idempotent: true}, nil

	case domain.BetStatusLost, domain.BetStatusRefunded:
		if err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&currentBalance); err != nil {
			return SettleResult{}, fmt.Errorf("ledger: read balance: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return SettleResult{}, fmt.Errorf("ledger: commit: %w", err)
		}
		return SettleResult{Payout: money.Zero, NewBalance: currentBalance, Idempotent: true}, nil
	}

	if !win {
		if _, err := tx.Exec(ctx, `UPDATE bets SET status = 'lost', payout = 0, updated_at = now() WHERE id = $1`, betID); err != nil {
			return SettleResult{}, fmt.Errorf("ledger: mark lost: %w", err)
		}
		if err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&currentBalance); err != nil {
			return SettleResult{}, fmt.Errorf("ledger: read balance: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return SettleResult{}, fmt.Errorf("ledger: commit: %w", err)
		}
		return SettleResult{Payout: money.Zero, NewBalance: currentBalance, Idempotent: false}, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bets SET status = 'cashed', payout = $1, claimed_at = now(), updated_at = now() WHERE id = $2`,
		payout, betID); err != nil {
		return SettleResult{}, fmt.Errorf("ledger: mark cashed: %w", err)
	}

	var newBalance money.Amount
	err = tx.QueryRow(ctx, `
		UPDATE users SET balance = balance + $1, updated_at = now() WHERE id = $2 RETURNING balance`,
		payout, userID).Scan(&newBalance)
	if err != nil {
		return SettleResult{}, fmt.Errorf("ledger: credit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return SettleResult{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return SettleResult{Payout: payout, NewBalance: newBalance, Idempotent: false}, nil
}

// MarkBetsLost flips every still-active bet on roundID to lost. Called once
// a round has crashed, for every player who never cashed out.
func (l *Ledger) MarkBetsLost(ctx context.Context, roundID uuid.UUID) (int64, error) {
	tag, err := l.pool.Exec(ctx, `
		UPDATE bets SET status = 'lost', updated_at = now() WHERE round_id = $1 AND status = 'active'`,
		roundID)
	if err != nil {
		return 0, fmt.Errorf("ledger: mark bets lost: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PersistRoundStart inserts the row for a freshly started round. CommitIdx
// is nil for degraded (non-committed) rounds.
func (l *Ledger) PersistRoundStart(ctx context.Context, round *domain.Round) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO rounds (round_id, commit_idx, server_seed_hash, started_at, settlement_window_seconds)
		VALUES ($1, $2, $3, $4, $5)`,
		round.RoundID, round.CommitIdx, round.ServerSeedHash, round.StartedAt, round.SettlementWindowSeconds)
	if err != nil {
		return fmt.Errorf("ledger: persist round start: %w", err)
	}
	return nil
}

// PersistRoundCrash writes the reveal: server seed, crash point, end time,
// and the computed settlement-closed deadline.
func (l *Ledger) PersistRoundCrash(ctx context.Context, roundID uuid.UUID, serverSeed []byte, crashPoint float64, endedAt, settlementClosedAt time.Time) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE rounds
		SET server_seed = $1, crash_point = $2, ended_at = $3, settlement_closed_at = $4
		WHERE round_id = $5`,
		serverSeed, crashPoint, endedAt, settlementClosedAt, roundID)
	if err != nil {
		return fmt.Errorf("ledger: persist round crash: %w", err)
	}
	return nil
}

// AdminRefund reverses a bet back to refunded and credits its stake back to
// the owning user's balance. Used for operator-initiated corrections (e.g.
// a round that had to be voided) and by the coordinator to compensate a
// bet whose engine join failed after the debit committed.
func (l *Ledger) AdminRefund(ctx context.Context, betID uuid.UUID) (money.Amount, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return money.Zero, fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	var amount money.Amount
	err = tx.QueryRow(ctx, `
		UPDATE bets SET status = 'refunded', updated_at = now()
		WHERE id = $1 AND status IN ('active', 'lost')
		RETURNING user_id, bet_amount`, betID).Scan(&userID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return money.Zero, apperr.ErrBetNotFound
		}
		return money.Zero, fmt.Errorf("ledger: refund bet: %w", err)
	}

	var newBalance money.Amount
	err = tx.QueryRow(ctx, `
		UPDATE users SET balance = balance + $1, updated_at = now() WHERE id = $2 RETURNING balance`,
		amount, userID).Scan(&newBalance)
	if err != nil {
		return money.Zero, fmt.Errorf("ledger: credit refund: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return money.Zero, fmt.Errorf("ledger: commit: %w", err)
	}
	return newBalance, nil
}

// BetsForRound returns every bet placed on roundID, used by the round
// detail endpoint (GET /round/{roundId}).
func (l *Ledger) BetsForRound(ctx context.Context, roundID uuid.UUID) ([]domain.Bet, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, round_id, user_id, bet_amount, payout, status, bet_placed_at, claimed_at, created_at, updated_at
		FROM bets WHERE round_id = $1 ORDER BY bet_placed_at`, roundID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list round bets: %w", err)
	}
	defer rows.Close()

	var bets []domain.Bet
	for rows.Next() {
		var b domain.Bet
		if err := rows.Scan(&b.ID, &b.RoundID, &b.UserID, &b.BetAmount, &b.Payout, &b.Status, &b.BetPlacedAt, &b.ClaimedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan bet: %w", err)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// Balance returns userID's current balance, unlocked — used by read paths
// that don't need a transactional guarantee (e.g. echoing the balance after
// a withdrawal intent already committed its own debit).
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (money.Amount, error) {
	var balance money.Amount
	err := l.pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return money.Zero, apperr.ErrUserNotFound
	}
	if err != nil {
		return money.Zero, fmt.Errorf("ledger: read balance: %w", err)
	}
	return balance, nil
}

// RoundHistory returns the most recent rounds, newest first, bounded by
// limit (a limit outside 1..200 falls back to 50) — backs GET /round/history.
func (l *Ledger) RoundHistory(ctx context.Context, limit int) ([]domain.Round, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT round_id, commit_idx, server_seed_hash, server_seed, crash_point, started_at, ended_at,
		       settlement_window_seconds, settlement_closed_at
		FROM rounds ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: round history: %w", err)
	}
	defer rows.Close()

	var out []domain.Round
	for rows.Next() {
		var r domain.Round
		var crashPoint *float64
		if err := rows.Scan(&r.RoundID, &r.CommitIdx, &r.ServerSeedHash, &r.ServerSeed, &crashPoint,
			&r.StartedAt, &r.EndedAt, &r.SettlementWindowSeconds, &r.SettlementClosedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan round: %w", err)
		}
		if crashPoint != nil {
			r.CrashPoint = *crashPoint
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RoundByID returns one round by id, per GET /round/{roundId} and
// GET /reveal/{roundId}.
func (l *Ledger) RoundByID(ctx context.Context, roundID uuid.UUID) (*domain.Round, error) {
	var r domain.Round
	var crashPoint *float64
	err := l.pool.QueryRow(ctx, `
		SELECT round_id, commit_idx, server_seed_hash, server_seed, crash_point, started_at, ended_at,
		       settlement_window_seconds, settlement_closed_at
		FROM rounds WHERE round_id = $1`, roundID).Scan(
		&r.RoundID, &r.CommitIdx, &r.ServerSeedHash, &r.ServerSeed, &crashPoint,
		&r.StartedAt, &r.EndedAt, &r.SettlementWindowSeconds, &r.SettlementClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: round by id: %w", err)
	}
	if crashPoint != nil {
		r.CrashPoint = *crashPoint
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
