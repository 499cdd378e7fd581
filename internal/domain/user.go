package domain

import (
	"time"

	"github.com/google/uuid"

	"crashcore/internal/money"
)

// User is a player account. Balance is mutated exclusively by the ledger,
// always inside a transaction; never decremented below zero.
type User struct {
	ID                uuid.UUID    `db:"id" json:"id"`
	Phone             string       `db:"phone" json:"phone"`
	PasswordHash      string       `db:"password_hash" json:"-"`
	Balance           money.Amount `db:"balance" json:"balance"`
	ExternalPaymentID string       `db:"external_payment_id" json:"externalPaymentId"`
	CreatedAt         time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updatedAt"`
}
