package domain

import (
	"time"

	"github.com/google/uuid"

	"crashcore/internal/money"
)

// PaymentType distinguishes deposits from withdrawals.
type PaymentType string

const (
	PaymentTypeDeposit  PaymentType = "deposit"
	PaymentTypeWithdraw PaymentType = "withdraw"
)

// PaymentStatus is the lifecycle state of a PaymentIntent.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusConfirmed  PaymentStatus = "confirmed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusExpired    PaymentStatus = "expired"
)

// Terminal reports whether no further state transition is expected.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusConfirmed || s == PaymentStatusFailed || s == PaymentStatusExpired
}

// PaymentIntent tracks an in-flight deposit or withdrawal against the
// external gateway. For withdraw, the balance is debited the moment the
// intent is created (pending->processing) and refunded on any non-confirmed
// terminal transition. For deposit, the balance is credited exactly once,
// only when the intent reaches confirmed.
type PaymentIntent struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	UserID        uuid.UUID     `db:"user_id" json:"userId"`
	Type          PaymentType   `db:"type" json:"type"`
	Amount        money.Amount  `db:"amount" json:"amount"`
	Phone         string        `db:"phone" json:"phone,omitempty"`
	ExternalID    string        `db:"external_id" json:"externalId"`
	GatewayTxnID  string        `db:"gateway_txn_id" json:"gatewayTxnId,omitempty"`
	Status        PaymentStatus `db:"status" json:"status"`
	GatewayStatus string        `db:"gateway_status" json:"gatewayStatus,omitempty"`
	ErrorReason   string        `db:"error_reason" json:"errorReason,omitempty"`
	PollAttempts  int           `db:"poll_attempts" json:"-"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updatedAt"`
}
