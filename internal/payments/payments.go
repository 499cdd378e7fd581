// Package payments drives PaymentIntent rows (deposits and withdrawals)
// through their lifecycle against the external mobile-money gateway
// (spec.md §4.6). Creation is synchronous — it validates, opens the
// gateway-facing intent, and for withdrawals debits the balance up front.
// Reconciler (reconciler.go) then drives pending/processing intents to a
// terminal state in the background.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"crashcore/internal/apperr"
	"crashcore/internal/domain"
	"crashcore/internal/gateway"
	"crashcore/internal/money"
)

// Gateway is the subset of *gateway.Client the reconciler depends on.
type Gateway interface {
	InitiateDeposit(ctx context.Context, req gateway.Request) (gateway.InitiateResponse, error)
	InitiateWithdraw(ctx context.Context, req gateway.Request) (gateway.InitiateResponse, error)
	PollDepositStatus(ctx context.Context, gatewayTxnID string) (gateway.StatusResponse, error)
	PollWithdrawStatus(ctx context.Context, gatewayTxnID string) (gateway.StatusResponse, error)
}

// Config bundles the reconciler's tunables, mirroring config.PaymentConfig.
type Config struct {
	MinDeposit      money.Amount
	MaxDeposit      money.Amount
	MinWithdraw     money.Amount
	MaxWithdraw     money.Amount
	PollInterval    time.Duration
	MaxPollAttempts int
	MaxConcurrent   int
}

// CreateDeposit validates amount, rejects a second concurrent pending
// deposit for the user (spec.md §6's 409), opens the intent with the
// collections gateway, and persists it. The intent starts pending; the
// reconciler drives it to confirmed/failed/expired.
func (r *Reconciler) CreateDeposit(ctx context.Context, userID uuid.UUID, amount money.Amount, externalID string) (*domain.PaymentIntent, error) {
	if amount.LessThan(r.cfg.MinDeposit) || amount.GreaterThan(r.cfg.MaxDeposit) {
		return nil, apperr.New(apperr.KindValidation, "deposit amount outside allowed range")
	}

	var pendingCount int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM payments
		WHERE user_id = $1 AND type = 'deposit' AND status IN ('pending', 'processing')`, userID).Scan(&pendingCount)
	if err != nil {
		return nil, fmt.Errorf("payments: check pending deposit: %w", err)
	}
	if pendingCount > 0 {
		return nil, apperr.New(apperr.KindConflict, "a deposit is already pending for this user")
	}

	intent := &domain.PaymentIntent{
		ID:         uuid.New(),
		UserID:     userID,
		Type:       domain.PaymentTypeDeposit,
		Amount:     amount,
		ExternalID: externalID,
		Status:     domain.PaymentStatusPending,
	}

	resp, gwErr := r.gateway.InitiateDeposit(ctx, gateway.Request{
		Amount: amount, Receiver: userID.String(), UUID: externalID, Description: "deposit",
	})
	if gwErr != nil {
		intent.Status = domain.PaymentStatusFailed
		intent.ErrorReason = gwErr.Error()
	} else {
		intent.GatewayTxnID = resp.GatewayTxnID
		intent.GatewayStatus = resp.Status
		if gateway.MapStatus(resp.Status) == gateway.StatusFailed {
			intent.Status = domain.PaymentStatusFailed
		}
	}

	if err := r.insert(ctx, intent); err != nil {
		return nil, err
	}
	if !intent.Status.Terminal() {
		r.schedulePoll(intent)
	}
	return intent, nil
}

// CreateWithdraw validates amount, debits the user's balance atomically
// (pending->processing happens in the same transaction as the debit so the
// balance invariant in spec.md §3 always holds), then calls the
// disbursements gateway. A synchronous gateway rejection reverses the debit
// immediately; anything else leaves the intent processing for the
// reconciler to finish.
func (r *Reconciler) CreateWithdraw(ctx context.Context, userID uuid.UUID, amount money.Amount, externalID string) (*domain.PaymentIntent, error) {
	if amount.LessThan(r.cfg.MinWithdraw) || amount.GreaterThan(r.cfg.MaxWithdraw) {
		return nil, apperr.New(apperr.KindValidation, "withdraw amount outside allowed range")
	}

	intent, err := r.debitAndOpenWithdraw(ctx, userID, amount, externalID)
	if err != nil {
		return nil, err
	}

	resp, gwErr := r.gateway.InitiateWithdraw(ctx, gateway.Request{
		Amount: amount, Sender: userID.String(), UUID: externalID, Description: "withdraw",
	})
	if gwErr != nil || gateway.MapStatus(resp.Status) == gateway.StatusFailed {
		reason := ""
		if gwErr != nil {
			reason = gwErr.Error()
		}
		if err := r.failAndRefund(ctx, intent.ID, reason); err != nil {
			return nil, err
		}
		intent.Status = domain.PaymentStatusFailed
		intent.ErrorReason = reason
		return intent, nil
	}

	if err := r.attachGatewayTxn(ctx, intent.ID, resp.GatewayTxnID, resp.Status); err != nil {
		return nil, err
	}
	intent.GatewayTxnID = resp.GatewayTxnID
	intent.GatewayStatus = resp.Status
	r.schedulePoll(intent)
	return intent, nil
}

// debitAndOpenWithdraw performs the atomic balance check + debit + intent
// insert per spec.md §3's PaymentIntent invariant: "for withdraw, the
// user's balance was decremented by amount at the moment the intent was
// created".
func (r *Reconciler) debitAndOpenWithdraw(ctx context.Context, userID uuid.UUID, amount money.Amount, externalID string) (*domain.PaymentIntent, error) {
	var pendingCount int
	if err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM payments
		WHERE user_id = $1 AND type = 'withdraw' AND status IN ('pending', 'processing')`, userID).Scan(&pendingCount); err != nil {
		return nil, fmt.Errorf("payments: check pending withdraw: %w", err)
	}
	if pendingCount > 0 {
		return nil, apperr.New(apperr.KindConflict, "a withdrawal is already pending for this user")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("payments: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance money.Amount
	err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, fmt.Errorf("payments: lock user: %w", err)
	}
	if balance.LessThan(amount) {
		return nil, apperr.New(apperr.KindInsufficientFund, "insufficient balance")
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance - $1, updated_at = now() WHERE id = $2`, amount, userID); err != nil {
		return nil, fmt.Errorf("payments: debit balance: %w", err)
	}

	intent := &domain.PaymentIntent{
		ID:         uuid.New(),
		UserID:     userID,
		Type:       domain.PaymentTypeWithdraw,
		Amount:     amount,
		ExternalID: externalID,
		Status:     domain.PaymentStatusProcessing,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO payments (id, user_id, type, amount, external_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		intent.ID, intent.UserID, intent.Type, intent.Amount, intent.ExternalID, intent.Status)
	if err != nil {
		return nil, fmt.Errorf("payments: insert withdraw intent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("payments: commit: %w", err)
	}
	return intent, nil
}

// failAndRefund marks intentID failed and credits amount back to its owner
// in one transaction — used for a withdraw that the gateway synchronously
// rejects.
func (r *Reconciler) failAndRefund(ctx context.Context, intentID uuid.UUID, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payments: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	var amount money.Amount
	err = tx.QueryRow(ctx, `
		UPDATE payments SET status = 'failed', error_reason = $1, updated_at = now()
		WHERE id = $2 AND status = 'processing'
		RETURNING user_id, amount`, reason, intentID).Scan(&userID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // already transitioned elsewhere; idempotent no-op
		}
		return fmt.Errorf("payments: mark failed: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance + $1, updated_at = now() WHERE id = $2`, amount, userID); err != nil {
		return fmt.Errorf("payments: refund: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Reconciler) attachGatewayTxn(ctx context.Context, intentID uuid.UUID, gatewayTxnID, gatewayStatus string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE payments SET gateway_txn_id = $1, gateway_status = $2, updated_at = now() WHERE id = $3`,
		gatewayTxnID, gatewayStatus, intentID)
	if err != nil {
		return fmt.Errorf("payments: attach gateway txn: %w", err)
	}
	return nil
}

func (r *Reconciler) insert(ctx context.Context, intent *domain.PaymentIntent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payments (id, user_id, type, amount, external_id, gateway_txn_id, status, gateway_status, error_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, now(), now())`,
		intent.ID, intent.UserID, intent.Type, intent.Amount, intent.ExternalID,
		intent.GatewayTxnID, intent.Status, intent.GatewayStatus, intent.ErrorReason)
	if err != nil {
		return fmt.Errorf("payments: insert intent: %w", err)
	}
	return nil
}

// Get returns one intent by id.
func (r *Reconciler) Get(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, type, amount, external_id, coalesce(gateway_txn_id, ''), status,
		       coalesce(gateway_status, ''), coalesce(error_reason, ''), poll_attempts, created_at, updated_at
		FROM payments WHERE id = $1`, id).Scan(
		&p.ID, &p.UserID, &p.Type, &p.Amount, &p.ExternalID, &p.GatewayTxnID, &p.Status,
		&p.GatewayStatus, &p.ErrorReason, &p.PollAttempts, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payments: get: %w", err)
	}
	return &p, nil
}

// GetByExternalID looks up a payment intent by the caller-supplied
// idempotency key (the `transactionUUID` echoed back as `transactionId` on
// creation), scoped to userID — backs GET /payments/status/{transactionId}.
func (r *Reconciler) GetByExternalID(ctx context.Context, userID uuid.UUID, externalID string) (*domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, type, amount, external_id, coalesce(gateway_txn_id, ''), status,
		       coalesce(gateway_status, ''), coalesce(error_reason, ''), poll_attempts, created_at, updated_at
		FROM payments WHERE user_id = $1 AND external_id = $2`, userID, externalID).Scan(
		&p.ID, &p.UserID, &p.Type, &p.Amount, &p.ExternalID, &p.GatewayTxnID, &p.Status,
		&p.GatewayStatus, &p.ErrorReason, &p.PollAttempts, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payments: get by external id: %w", err)
	}
	return &p, nil
}

// ListForUser returns a page of userID's payment history, newest first,
// along with the total count (for the {transactions, count, limit, offset}
// response shape in spec.md §6).
func (r *Reconciler) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.PaymentIntent, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM payments WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("payments: count history: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, amount, external_id, coalesce(gateway_txn_id, ''), status,
		       coalesce(gateway_status, ''), coalesce(error_reason, ''), poll_attempts, created_at, updated_at
		FROM payments WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("payments: list history: %w", err)
	}
	defer rows.Close()

	var out []domain.PaymentIntent
	for rows.Next() {
		var p domain.PaymentIntent
		if err := rows.Scan(&p.ID, &p.UserID, &p.Type, &p.Amount, &p.ExternalID, &p.GatewayTxnID, &p.Status,
			&p.GatewayStatus, &p.ErrorReason, &p.PollAttempts, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("payments: scan history row: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}
