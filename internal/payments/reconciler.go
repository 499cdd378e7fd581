package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashcore/internal/domain"
	"crashcore/internal/gateway"
	"crashcore/internal/money"
)

// Reconciler owns every PaymentIntent write and the background polling
// loop that drives intents to a terminal state (spec.md §4.6). Each intent
// gets its own polling goroutine; a bounded semaphore caps how many poll
// attempts (gateway call plus transition) run concurrently, per
// spec.md §9's "background polling coroutines -> worker pool / supervised
// tasks" redesign note.
type Reconciler struct {
	pool    *pgxpool.Pool
	gateway Gateway
	cfg     Config
	logger  *slog.Logger

	sem  chan struct{}
	wg   sync.WaitGroup
	stop chan struct{}
}

// New builds a Reconciler. MaxConcurrent caps simultaneous poll attempts;
// 0 defaults to 16.
func New(pool *pgxpool.Pool, gw Gateway, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 60
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	return &Reconciler{
		pool:    pool,
		gateway: gw,
		cfg:     cfg,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		stop:    make(chan struct{}),
	}
}

// Start resumes polling for every intent left pending/processing from a
// prior process lifetime — crash recovery for the background job set.
func (r *Reconciler) Start(ctx context.Context) error {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, amount, external_id, coalesce(gateway_txn_id, ''), status,
		       coalesce(gateway_status, ''), coalesce(error_reason, ''), poll_attempts, created_at, updated_at
		FROM payments WHERE status IN ('pending', 'processing')`)
	if err != nil {
		return fmt.Errorf("payments: resume scan: %w", err)
	}
	defer rows.Close()

	var resumed []domain.PaymentIntent
	for rows.Next() {
		var p domain.PaymentIntent
		if err := rows.Scan(&p.ID, &p.UserID, &p.Type, &p.Amount, &p.ExternalID, &p.GatewayTxnID, &p.Status,
			&p.GatewayStatus, &p.ErrorReason, &p.PollAttempts, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return fmt.Errorf("payments: scan resume row: %w", err)
		}
		resumed = append(resumed, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range resumed {
		p := resumed[i]
		if p.GatewayTxnID == "" {
			continue // never reached the gateway; nothing to poll
		}
		r.schedulePoll(&p)
	}
	r.logger.Info("payments: resumed polling for in-flight intents", "count", len(resumed))
	return nil
}

// Stop signals every polling goroutine to exit and waits up to deadline for
// them to finish their current attempt cleanly (spec.md §5's graceful
// shutdown: in-progress transitions must either commit or abort, never
// leave a dangling lock).
func (r *Reconciler) Stop(deadline time.Duration) {
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		r.logger.Warn("payments: shutdown deadline reached with polling goroutines still in flight")
	}
}

func (r *Reconciler) schedulePoll(intent *domain.PaymentIntent) {
	r.wg.Add(1)
	go r.pollLoop(*intent)
}

// pollLoop is the single background task per in-flight intent (spec.md
// §4.6/§9). It never holds the semaphore across a sleep — only across the
// gateway call and transition — so a slow gateway cannot starve the
// concurrency cap of capacity it isn't using.
func (r *Reconciler) pollLoop(intent domain.PaymentIntent) {
	defer r.wg.Done()
	defer r.recoverAndLog(intent.ID)

	for attempt := intent.PollAttempts + 1; attempt <= r.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-r.stop:
			return
		case <-time.After(r.cfg.PollInterval):
		}

		select {
		case r.sem <- struct{}{}:
		case <-r.stop:
			return
		}
		terminal := r.pollOnce(&intent, attempt)
		<-r.sem

		if terminal {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.applyExpire(ctx, intent.ID); err != nil {
		r.logger.Error("payments: failed to expire intent after max poll attempts", "intent_id", intent.ID, "error", err)
	}
}

// pollOnce queries the gateway once and applies whatever transition the
// result implies. Returns true once the intent has reached (or already
// was in) a terminal state.
func (r *Reconciler) pollOnce(intent *domain.PaymentIntent, attempt int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var rawStatus string
	var err error
	switch intent.Type {
	case domain.PaymentTypeDeposit:
		var resp gateway.StatusResponse
		resp, err = r.gateway.PollDepositStatus(ctx, intent.GatewayTxnID)
		rawStatus = resp.Status
	default:
		var resp gateway.StatusResponse
		resp, err = r.gateway.PollWithdrawStatus(ctx, intent.GatewayTxnID)
		rawStatus = resp.Status
	}
	if err != nil {
		r.logger.Warn("payments: poll attempt failed", "intent_id", intent.ID, "attempt", attempt, "error", err)
		_, _ = r.pool.Exec(ctx, `UPDATE payments SET poll_attempts = $1, updated_at = now() WHERE id = $2`, attempt, intent.ID)
		return false
	}

	mapped := gateway.MapStatus(rawStatus)
	changed, terminal, err := r.applyTransition(ctx, intent.ID, mapped, rawStatus)
	if err != nil {
		r.logger.Error("payments: apply transition failed", "intent_id", intent.ID, "error", err)
		return false
	}
	if changed {
		r.logger.Info("payments: intent transitioned", "intent_id", intent.ID, "status", mapped)
	}
	_, _ = r.pool.Exec(ctx, `UPDATE payments SET poll_attempts = $1 WHERE id = $2`, attempt, intent.ID)
	return terminal
}

// ReconcileCallback is the primary confirmation path: an external gateway
// webhook reports a terminal status directly, without this process having
// polled for it. It funnels through the same applyTransition the poller
// uses, so whichever path wins the race, at-most-once crediting holds
// (spec.md §9's Open Question, resolved as "callback primary, poller safety
// net" — see DESIGN.md).
func (r *Reconciler) ReconcileCallback(ctx context.Context, gatewayTxnID, rawStatus string) error {
	var intentID uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT id FROM payments WHERE gateway_txn_id = $1`, gatewayTxnID).Scan(&intentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("payments: callback for unknown gateway_txn_id %q", gatewayTxnID)
	}
	if err != nil {
		return fmt.Errorf("payments: callback lookup: %w", err)
	}
	_, _, err = r.applyTransition(ctx, intentID, gateway.MapStatus(rawStatus), rawStatus)
	return err
}

// applyTransition is the single place a PaymentIntent's balance effect is
// ever applied. It opens a transaction, locks the intent row, and exits
// immediately if the intent is already terminal — that row lock is what
// makes a duplicate gateway callback racing the poller (or two duplicate
// callbacks) safe: spec.md §8 invariant 6/7.
func (r *Reconciler) applyTransition(ctx context.Context, intentID uuid.UUID, mapped gateway.Status, rawStatus string) (changed, terminal bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, false, fmt.Errorf("payments: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	var typ domain.PaymentType
	var amount money.Amount
	var status domain.PaymentStatus
	err = tx.QueryRow(ctx, `
		SELECT user_id, type, amount, status FROM payments WHERE id = $1 FOR UPDATE`, intentID).Scan(&userID, &typ, &amount, &status)
	if err != nil {
		return false, false, fmt.Errorf("payments: lock intent: %w", err)
	}
	if status.Terminal() {
		return false, true, nil
	}

	switch mapped {
	case gateway.StatusPending:
		if _, err := tx.Exec(ctx, `UPDATE payments SET gateway_status = $1, updated_at = now() WHERE id = $2`, rawStatus, intentID); err != nil {
			return false, false, fmt.Errorf("payments: record pending gateway status: %w", err)
		}
		return false, false, tx.Commit(ctx)

	case gateway.StatusSuccessful:
		if typ == domain.PaymentTypeDeposit {
			if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance + $1, updated_at = now() WHERE id = $2`, amount, userID); err != nil {
				return false, false, fmt.Errorf("payments: credit deposit: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE payments SET status = 'confirmed', gateway_status = $1, updated_at = now() WHERE id = $2`,
			rawStatus, intentID); err != nil {
			return false, false, fmt.Errorf("payments: mark confirmed: %w", err)
		}

	case gateway.StatusFailed:
		if typ == domain.PaymentTypeWithdraw {
			if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance + $1, updated_at = now() WHERE id = $2`, amount, userID); err != nil {
				return false, false, fmt.Errorf("payments: refund failed withdraw: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE payments SET status = 'failed', gateway_status = $1, updated_at = now() WHERE id = $2`,
			rawStatus, intentID); err != nil {
			return false, false, fmt.Errorf("payments: mark failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, false, fmt.Errorf("payments: commit: %w", err)
	}
	return true, true, nil
}

// applyExpire transitions intentID to expired after exhausting every poll
// attempt with no terminal answer, refunding withdrawals per spec.md §4.6.
func (r *Reconciler) applyExpire(ctx context.Context, intentID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payments: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	var typ domain.PaymentType
	var amount money.Amount
	var status domain.PaymentStatus
	err = tx.QueryRow(ctx, `SELECT user_id, type, amount, status FROM payments WHERE id = $1 FOR UPDATE`, intentID).
		Scan(&userID, &typ, &amount, &status)
	if err != nil {
		return fmt.Errorf("payments: lock intent for expiry: %w", err)
	}
	if status.Terminal() {
		return nil
	}

	if typ == domain.PaymentTypeWithdraw {
		if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance + $1, updated_at = now() WHERE id = $2`, amount, userID); err != nil {
			return fmt.Errorf("payments: refund expired withdraw: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE payments SET status = 'expired', updated_at = now() WHERE id = $1`, intentID); err != nil {
		return fmt.Errorf("payments: mark expired: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Reconciler) recoverAndLog(intentID uuid.UUID) {
	if rec := recover(); rec != nil {
		r.logger.Error("payments: PANIC recovered in poll loop", "intent_id", intentID, "panic", rec)
	}
}
