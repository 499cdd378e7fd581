package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"crashcore/internal/apperr"
	"crashcore/internal/domain"
	"crashcore/internal/money"
)

const schemaSQL = `
CREATE TABLE users (
	id uuid PRIMARY KEY,
	phone text NOT NULL DEFAULT '',
	password_hash text NOT NULL DEFAULT '',
	balance numeric(18,2) NOT NULL DEFAULT 0,
	external_payment_id text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE rounds (
	round_id uuid PRIMARY KEY,
	commit_idx bigint,
	server_seed_hash bytea NOT NULL,
	server_seed bytea,
	crash_point numeric(10,2),
	started_at timestamptz NOT NULL,
	ended_at timestamptz,
	settlement_window_seconds bigint NOT NULL DEFAULT 300,
	settlement_closed_at timestamptz
);

CREATE TABLE bets (
	id uuid PRIMARY KEY,
	round_id uuid NOT NULL REFERENCES rounds(round_id),
	user_id uuid NOT NULL REFERENCES users(id),
	bet_amount numeric(18,2) NOT NULL,
	payout numeric(18,2) NOT NULL DEFAULT 0,
	status text NOT NULL,
	bet_placed_at timestamptz NOT NULL DEFAULT now(),
	claimed_at timestamptz,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX bets_one_active_per_round ON bets (user_id, round_id) WHERE status = 'active';
`

func setupLedger(t *testing.T) *Ledger {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("ledger_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("could not start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, schemaSQL)
	require.NoError(t, err)

	return New(pool, 0)
}

func seedUser(t *testing.T, l *Ledger, balance money.Amount) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := l.pool.Exec(context.Background(), `INSERT INTO users (id, balance) VALUES ($1, $2)`, id, balance)
	require.NoError(t, err)
	return id
}

func seedRound(t *testing.T, l *Ledger) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := l.pool.Exec(context.Background(), `
		INSERT INTO rounds (round_id, server_seed_hash, started_at) VALUES ($1, $2, now())`,
		id, []byte("hash"))
	require.NoError(t, err)
	return id
}

func TestPlaceBetDebitsBalanceAndInsertsActiveBet(t *testing.T) {
	l := setupLedger(t)
	user := seedUser(t, l, money.New(100))
	round := seedRound(t, l)

	bet, newBalance, err := l.PlaceBet(context.Background(), user, round, money.New(25))
	require.NoError(t, err)
	require.Equal(t, domain.BetStatusActive, bet.Status)
	require.True(t, money.New(75).Equal(newBalance))
}

func TestPlaceBetRejectsInsufficientBalance(t *testing.T) {
	l := setupLedger(t)
	user := seedUser(t, l, money.New(10))
	round := seedRound(t, l)

	_, _, err := l.PlaceBet(context.Background(), user, round, money.New(25))
	require.Error(t, err)
	require.Equal(t, apperr.KindInsufficientFund, apperr.KindOf(err))
}

func TestPlaceBetRejectsSecondActiveBetSameRound(t *testing.T) {
	l := setupLedger(t)
	user := seedUser(t, l, money.New(100))
	round := seedRound(t, l)

	_, _, err := l.PlaceBet(context.Background(), user, round, money.New(10))
	require.NoError(t, err)

	_, _, err = l.PlaceBet(context.Background(), user, round, money.New(10))
	require.Error(t, err)
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestSettleCashoutCreditsPayoutAndMarksCashed(t *testing.T) {
	l := setupLedger(t)
	user := seedUser(t, l, money.New(100))
	round := seedRound(t, l)

	_, _, err := l.PlaceBet(context.Background(), user, round, money.New(20))
	require.NoError(t, err)

	result, err := l.SettleCashout(context.Background(), user, round, true, money.New(50))
	require.NoError(t, err)
	require.False(t, result.Idempotent)
	require.True(t, money.New(130).Equal(result.NewBalance))
}

func TestSettleCashoutRejectsWhenNoBetExists(t *testing.T) {
	l := setupLedger(t)
	user := seedUser(t, l, money.New(100))
	round := seedRound(t, l)

	_, err := l.SettleCashout(context.Background(), user, round, true, money.New(10))
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.ErrBetNotFound)
}

func TestSettleCashoutIsIdempotentOnReplay(t *testing.T) {
	l := setupLedger(t)
	user := seedUser(t, l, money.New(100))
	round := seedRound(t, l)

	_, _, err := l.PlaceBet(context.Background(), user, round, money.New(20))
	require.NoError(t, err)

	first, err := l.SettleCashout(context.Background(), user, round, true, money.New(50))
	require.NoError(t, err)
	require.False(t, first.Idempotent)

	second, err := l.SettleCashout(context.Background(), user, round, true, money.New(999))
	require.NoError(t, err)
	require.True(t, second.Idempotent)
	require.True(t, first.Payout.Equal(second.Payout))
	require.True(t, first.NewBalance.Equal(second.NewBalance))
}

func TestSettleCashoutMarksLostOnLosingVerdict(t *testing.T) {
	l := setupLedger(t)
	user := seedUser(t, l, money.New(100))
	round := seedRound(t, l)

	_, _, err := l.PlaceBet(context.Background(), user, round, money.New(20))
	require.NoError(t, err)

	result, err := l.SettleCashout(context.Background(), user, round, false, money.Zero)
	require.NoError(t, err)
	require.False(t, result.Idempotent)
	require.True(t, money.New(80).Equal(result.NewBalance))
}

func TestMarkBetsLostAffectsOnlyActiveBetsForRound(t *testing.T) {
	l := setupLedger(t)
	user := seedUser(t, l, money.New(100))
	round := seedRound(t, l)

	_, _, err := l.PlaceBet(context.Background(), user, round, money.New(10))
	require.NoError(t, err)

	affected, err := l.MarkBetsLost(context.Background(), round)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	again, err := l.MarkBetsLost(context.Background(), round)
	require.NoError(t, err)
	require.Equal(t, int64(0), again)
}

func TestAdminRefundCreditsBackStake(t *testing.T) {
	l := setupLedger(t)
	user := seedUser(t, l, money.New(100))
	round := seedRound(t, l)

	bet, _, err := l.PlaceBet(context.Background(), user, round, money.New(30))
	require.NoError(t, err)

	newBalance, err := l.AdminRefund(context.Background(), bet.ID)
	require.NoError(t, err)
	require.True(t, money.New(100).Equal(newBalance))
}
