package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"crashcore/internal/apperr"
	"crashcore/internal/domain"
	"crashcore/internal/engine"
	"crashcore/internal/ledger"
	"crashcore/internal/money"
)

type fakeEngine struct {
	view       engine.RoundView
	viewOK     bool
	joinErr    error
	joinResult engine.JoinResult
	joinCalls  int
	cashoutRes engine.CashoutResult
	cashoutErr error
}

func (f *fakeEngine) CurrentView() (engine.RoundView, bool) { return f.view, f.viewOK }
func (f *fakeEngine) Join(userID uuid.UUID, amount money.Amount) (engine.JoinResult, error) {
	f.joinCalls++
	if f.joinErr != nil {
		return engine.JoinResult{}, f.joinErr
	}
	return f.joinResult, nil
}
func (f *fakeEngine) Cashout(userID uuid.UUID) (engine.CashoutResult, error) {
	return f.cashoutRes, f.cashoutErr
}

type fakeLedger struct {
	placeBetBet     *domain.Bet
	placeBetBalance money.Amount
	placeBetErr     error
	placeBetCalls   int

	settleResult ledger.SettleResult
	settleErr    error
	settleCalls  int

	refundBalance money.Amount
	refundErr     error
	refundCalls   int
	refundedBetID uuid.UUID
}

func (f *fakeLedger) PlaceBet(ctx context.Context, userID, roundID uuid.UUID, amount money.Amount) (*domain.Bet, money.Amount, error) {
	f.placeBetCalls++
	if f.placeBetErr != nil {
		return nil, money.Zero, f.placeBetErr
	}
	return f.placeBetBet, f.placeBetBalance, nil
}

func (f *fakeLedger) SettleCashout(ctx context.Context, userID, roundID uuid.UUID, win bool, payout money.Amount) (ledger.SettleResult, error) {
	f.settleCalls++
	return f.settleResult, f.settleErr
}

func (f *fakeLedger) AdminRefund(ctx context.Context, betID uuid.UUID) (money.Amount, error) {
	f.refundCalls++
	f.refundedBetID = betID
	return f.refundBalance, f.refundErr
}

func testConfig() Config {
	return Config{
		MinBet:             money.New(1),
		MaxBet:             money.New(1000),
		CashoutMinInterval: time.Hour, // long window so single-call tests never trip it
		MaxCashoutEntries:  1000,
	}
}

func TestPlaceBetRejectsAmountOutsideRange(t *testing.T) {
	c := New(&fakeEngine{viewOK: true, view: engine.RoundView{Status: engine.StatusRunning}}, &fakeLedger{}, testConfig(), nil)

	_, err := c.PlaceBet(context.Background(), uuid.New(), money.New(0.5))
	require.Error(t, err)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPlaceBetRejectsWhenNoRunningRound(t *testing.T) {
	c := New(&fakeEngine{viewOK: false}, &fakeLedger{}, testConfig(), nil)

	_, err := c.PlaceBet(context.Background(), uuid.New(), money.New(10))
	require.Error(t, err)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPlaceBetSucceedsAndReturnsJoinDetails(t *testing.T) {
	roundID := uuid.New()
	betID := uuid.New()
	eng := &fakeEngine{
		viewOK:     true,
		view:       engine.RoundView{Status: engine.StatusRunning, RoundID: roundID},
		joinResult: engine.JoinResult{RoundID: roundID, ServerSeedHash: []byte("hash")},
	}
	led := &fakeLedger{
		placeBetBet:     &domain.Bet{ID: betID},
		placeBetBalance: money.New(90),
	}
	c := New(eng, led, testConfig(), nil)

	result, err := c.PlaceBet(context.Background(), uuid.New(), money.New(10))
	require.NoError(t, err)
	require.Equal(t, betID, result.BetID)
	require.Equal(t, roundID, result.RoundID)
	require.True(t, money.New(90).Equal(result.Balance))
	require.Equal(t, 1, led.placeBetCalls)
	require.Equal(t, 1, eng.joinCalls)
}

func TestPlaceBetCompensatesWhenEngineJoinFails(t *testing.T) {
	betID := uuid.New()
	eng := &fakeEngine{
		viewOK:  true,
		view:    engine.RoundView{Status: engine.StatusRunning},
		joinErr: apperr.New(apperr.KindConflict, "already joined"),
	}
	led := &fakeLedger{
		placeBetBet:     &domain.Bet{ID: betID},
		placeBetBalance: money.New(90),
		refundBalance:   money.New(100),
	}
	c := New(eng, led, testConfig(), nil)

	_, err := c.PlaceBet(context.Background(), uuid.New(), money.New(10))
	require.Error(t, err)
	require.Equal(t, 1, led.refundCalls)
	require.Equal(t, betID, led.refundedBetID)
}

func TestCashoutReturnsLedgerAuthoritativeOutcome(t *testing.T) {
	eng := &fakeEngine{
		viewOK:     true,
		view:       engine.RoundView{Status: engine.StatusRunning, RoundID: uuid.New()},
		cashoutRes: engine.CashoutResult{Win: true, Multiplier: 2.5, Payout: money.New(25)},
	}
	led := &fakeLedger{
		settleResult: ledger.SettleResult{Payout: money.New(25), NewBalance: money.New(125)},
	}
	c := New(eng, led, testConfig(), nil)

	outcome, err := c.Cashout(context.Background(), uuid.New())
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.True(t, money.New(25).Equal(outcome.Payout))
	require.True(t, money.New(125).Equal(outcome.Balance))
	require.False(t, outcome.Idempotent)
}

func TestCashoutRateLimitsRepeatedCallsWithinMinInterval(t *testing.T) {
	eng := &fakeEngine{
		viewOK:     true,
		view:       engine.RoundView{Status: engine.StatusRunning, RoundID: uuid.New()},
		cashoutRes: engine.CashoutResult{Win: true, Multiplier: 2.0, Payout: money.New(20)},
	}
	led := &fakeLedger{settleResult: ledger.SettleResult{Payout: money.New(20), NewBalance: money.New(120)}}
	cfg := testConfig()
	cfg.CashoutMinInterval = time.Minute
	c := New(eng, led, cfg, nil)

	user := uuid.New()
	_, err := c.Cashout(context.Background(), user)
	require.NoError(t, err)

	_, err = c.Cashout(context.Background(), user)
	require.Error(t, err)
	require.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
	require.Equal(t, 1, led.settleCalls)
}

func TestCashoutReplayIsExemptFromRateLimit(t *testing.T) {
	eng := &fakeEngine{
		viewOK:     true,
		view:       engine.RoundView{Status: engine.StatusRunning, RoundID: uuid.New()},
		cashoutRes: engine.CashoutResult{Win: true, Multiplier: 2.0, Payout: money.New(20), Replay: true},
	}
	led := &fakeLedger{settleResult: ledger.SettleResult{Payout: money.New(20), NewBalance: money.New(120), Idempotent: true}}
	cfg := testConfig()
	cfg.CashoutMinInterval = time.Minute
	c := New(eng, led, cfg, nil)

	user := uuid.New()
	// Two rapid calls, both reported by the engine as replays (as happens
	// once a bet is already cashed): neither should be throttled, and both
	// must reach the ledger so its idempotent-reply branch is what answers.
	_, err := c.Cashout(context.Background(), user)
	require.NoError(t, err)

	outcome, err := c.Cashout(context.Background(), user)
	require.NoError(t, err)
	require.True(t, outcome.Idempotent)
	require.True(t, money.New(20).Equal(outcome.Payout))
	require.Equal(t, 2, led.settleCalls)
}
