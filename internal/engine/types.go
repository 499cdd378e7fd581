package engine

import (
	"time"

	"github.com/google/uuid"

	"crashcore/internal/money"
)

// Status is the in-memory lifecycle state of the currently active round.
// Running and Crashed mirror domain.RoundStatus; Waiting has no persisted
// row of its own and the engine never assigns it to a round: it is what the
// status endpoint reports when there is no current round.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
	StatusCrashed Status = "crashed"
)

// PlayerBet is one participant's stake in the currently active round.
type PlayerBet struct {
	UserID     uuid.UUID
	BetAmount  money.Amount
	CashedOut  bool
	Multiplier float64 // snapshot at cashout, zero until cashed out
}

// RoundView is the engine's public snapshot of the active round, read by the
// tick broadcaster and by request handlers. Never exposes ServerSeed.
type RoundView struct {
	RoundID        uuid.UUID
	CommitIdx      *int64
	ServerSeedHash []byte
	Status         Status
	Multiplier     float64
	StartedAt      time.Time
	Degraded       bool
}

// RoundStarted is emitted exactly once per round, before any Tick or
// RoundCrashed for that round. The seed is never present here.
type RoundStarted struct {
	RoundID        uuid.UUID
	CommitIdx      *int64
	ServerSeedHash []byte
	CrashPoint     float64 // known to the server immediately, never broadcast
	StartedAt      time.Time
	Degraded       bool
}

// RoundCrashed is emitted exactly once per round, always after that round's
// RoundStarted. The seed is revealed here for the first time.
type RoundCrashed struct {
	RoundID        uuid.UUID
	CommitIdx      *int64
	ServerSeedHash []byte
	ServerSeed     []byte
	CrashPoint     float64
	StartedAt      time.Time
	EndedAt        time.Time
}

// Tick is a lossy, periodic snapshot of the active round. Consumers must
// tolerate drops — the next tick always reflects ground truth.
type Tick struct {
	RoundID        uuid.UUID
	CommitIdx      *int64
	ServerSeedHash []byte
	Status         Status
	Multiplier     float64
	StartedAt      time.Time
}

// JoinResult is returned by Engine.Join on success.
type JoinResult struct {
	RoundID        uuid.UUID
	CommitIdx      *int64
	ServerSeedHash []byte
	StartedAt      time.Time
}

// CashoutResult is returned by Engine.Cashout. Replay is set when the
// player had already cashed out and this call is returning the same
// snapshot rather than adjudicating a new one — callers must still run it
// through Ledger.SettleCashout, whose own idempotent-replay branch is the
// authoritative source of the repeated payout (spec §8 invariant 5).
type CashoutResult struct {
	Win        bool
	Multiplier float64
	Payout     money.Amount
	Replay     bool
}
