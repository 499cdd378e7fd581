package domain

import (
	"time"

	"github.com/google/uuid"

	"crashcore/internal/money"
)

// BetStatus is the lifecycle state of a Bet.
type BetStatus string

const (
	BetStatusActive   BetStatus = "active"
	BetStatusCashed   BetStatus = "cashed"
	BetStatusLost     BetStatus = "lost"
	BetStatusRefunded BetStatus = "refunded"
)

// Bet is a single wager placed by a user on a round. At most one Bet with
// status=active exists per (user_id, round_id); the database enforces this
// with a partial unique index, the application checks are a convenience.
type Bet struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	RoundID      uuid.UUID    `db:"round_id" json:"roundId"`
	UserID       uuid.UUID    `db:"user_id" json:"userId"`
	BetAmount    money.Amount `db:"bet_amount" json:"betAmount"`
	Payout       money.Amount `db:"payout" json:"payout"`
	Status       BetStatus    `db:"status" json:"status"`
	BetPlacedAt  time.Time    `db:"bet_placed_at" json:"betPlacedAt"`
	ClaimedAt    *time.Time   `db:"claimed_at" json:"claimedAt,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updatedAt"`
}
