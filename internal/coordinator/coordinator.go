// Package coordinator bridges the round engine and the ledger: it is the
// only caller of Ledger.PlaceBet and Ledger.SettleCashout from user-facing
// paths (spec.md §4.5). A bet is placed in two phases — ledger debit first,
// then engine join — because the engine is in-process and the ledger is
// remote storage; keeping them separate avoids holding a DB lock across an
// in-memory operation, and every failure mode stays precisely recoverable.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crashcore/internal/apperr"
	"crashcore/internal/domain"
	"crashcore/internal/engine"
	"crashcore/internal/ledger"
	"crashcore/internal/money"
	"crashcore/internal/ratelimit"
)

// Engine is the subset of *engine.Engine the coordinator depends on.
type Engine interface {
	CurrentView() (engine.RoundView, bool)
	Join(userID uuid.UUID, amount money.Amount) (engine.JoinResult, error)
	Cashout(userID uuid.UUID) (engine.CashoutResult, error)
}

// Ledger is the subset of *ledger.Ledger the coordinator depends on.
type Ledger interface {
	PlaceBet(ctx context.Context, userID, roundID uuid.UUID, amount money.Amount) (*domain.Bet, money.Amount, error)
	SettleCashout(ctx context.Context, userID, roundID uuid.UUID, win bool, payout money.Amount) (ledger.SettleResult, error)
	AdminRefund(ctx context.Context, betID uuid.UUID) (money.Amount, error)
}

// BetResult is returned by PlaceBet on success.
type BetResult struct {
	BetID          uuid.UUID
	RoundID        uuid.UUID
	ServerSeedHash []byte
	StartedAt      time.Time
	Balance        money.Amount
}

// CashoutOutcome is returned by Cashout.
type CashoutOutcome struct {
	Success    bool
	Payout     money.Amount
	Multiplier float64
	Balance    money.Amount
	Idempotent bool
}

// Config bundles the coordinator's tunables.
type Config struct {
	MinBet             money.Amount
	MaxBet             money.Amount
	CashoutMinInterval time.Duration
	CashoutPruneAge    time.Duration
	MaxCashoutEntries  int
}

// Coordinator is the single user-facing entrypoint for betting and cashing
// out. Construct with New and call Start/Stop around its embedded
// rate limiter's lifecycle.
type Coordinator struct {
	engine  Engine
	ledger  Ledger
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// New builds a Coordinator. CashoutMinInterval defaults to 1s per spec.md
// §6 if unset.
func New(e Engine, l Ledger, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CashoutMinInterval <= 0 {
		cfg.CashoutMinInterval = time.Second
	}
	return &Coordinator{
		engine:  e,
		ledger:  l,
		cfg:     cfg,
		limiter: ratelimit.New(cfg.CashoutMinInterval, 1, cfg.MaxCashoutEntries),
		logger:  logger,
	}
}

// Start launches the cashout limiter's background pruning sweep.
func (c *Coordinator) Start() {
	c.limiter.Start(c.cfg.CashoutPruneAge)
}

// Stop halts the cashout limiter's background sweep.
func (c *Coordinator) Stop() {
	c.limiter.Stop()
}

// PlaceBet validates amount, debits the ledger, and joins the player into
// the currently running round. If the ledger debit succeeds but the engine
// join fails (e.g. the round crashed between the two calls, or the player
// had already joined through a race), the bet is compensated by a fresh
// transaction that refunds the stake and marks the bet refunded. A failure
// of the compensation itself is logged as a critical reconciliation alert —
// it cannot be retried automatically without risking a double refund.
func (c *Coordinator) PlaceBet(ctx context.Context, userID uuid.UUID, amount money.Amount) (BetResult, error) {
	if amount.LessThan(c.cfg.MinBet) || amount.GreaterThan(c.cfg.MaxBet) {
		return BetResult{}, apperr.New(apperr.KindValidation, "bet amount outside allowed range")
	}

	view, ok := c.engine.CurrentView()
	if !ok || view.Status != engine.StatusRunning {
		return BetResult{}, apperr.New(apperr.KindValidation, "no running round")
	}

	bet, balance, err := c.ledger.PlaceBet(ctx, userID, view.RoundID, amount)
	if err != nil {
		return BetResult{}, err
	}

	join, err := c.engine.Join(userID, amount)
	if err != nil {
		c.compensate(ctx, bet.ID, userID)
		return BetResult{}, err
	}

	return BetResult{
		BetID:          bet.ID,
		RoundID:        join.RoundID,
		ServerSeedHash: join.ServerSeedHash,
		StartedAt:      join.StartedAt,
		Balance:        balance,
	}, nil
}

// compensate refunds a bet whose engine join failed after the ledger debit
// already committed. Run in a fresh context so a caller-cancelled request
// doesn't abort the refund itself.
func (c *Coordinator) compensate(ctx context.Context, betID, userID uuid.UUID) {
	refundCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.ledger.AdminRefund(refundCtx, betID); err != nil {
		c.logger.Error("coordinator: CRITICAL failed to compensate bet after engine join failure, manual reconciliation required",
			"bet_id", betID, "user_id", userID, "error", err)
		return
	}
	c.logger.Warn("coordinator: compensated bet after engine join failure", "bet_id", betID, "user_id", userID)
}

// Cashout asks the engine to adjudicate, then settles the verdict against
// the ledger; the ledger's reply is authoritative, including idempotent
// replays of an already-settled bet. The per-user interval limiter
// (spec.md §4.5/§6's CASHOUT_MIN_INTERVAL_MS) guards against spamming new
// cashout attempts, but a replay of an already-cashed bet (engine result's
// Replay flag) is exempt — it never reaches the engine's adjudication
// logic again, so it must not be throttled away from the ledger's
// idempotent reply (spec §8 invariant 5, scenario S3).
func (c *Coordinator) Cashout(ctx context.Context, userID uuid.UUID) (CashoutOutcome, error) {
	view, ok := c.engine.CurrentView()
	if !ok {
		return CashoutOutcome{}, apperr.New(apperr.KindValidation, "no running round")
	}
	roundID := view.RoundID

	result, err := c.engine.Cashout(userID)
	if err != nil {
		return CashoutOutcome{}, err
	}

	if !result.Replay {
		if res := c.limiter.Check(userID.String()); !res.Allowed {
			return CashoutOutcome{}, apperr.New(apperr.KindRateLimited, "cashing out too frequently")
		}
	}

	settle, err := c.ledger.SettleCashout(ctx, userID, roundID, result.Win, result.Payout)
	if err != nil {
		return CashoutOutcome{}, err
	}

	return CashoutOutcome{
		Success:    result.Win,
		Payout:     settle.Payout,
		Multiplier: result.Multiplier,
		Balance:    settle.NewBalance,
		Idempotent: settle.Idempotent,
	}, nil
}
