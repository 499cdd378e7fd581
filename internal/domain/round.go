package domain

import (
	"time"

	"github.com/google/uuid"
)

// RoundStatus is the persisted lifecycle state of a Round. The in-memory
// engine additionally has a transient "waiting" state with no row of its
// own (see internal/engine).
type RoundStatus string

const (
	RoundStatusRunning RoundStatus = "running"
	RoundStatusCrashed RoundStatus = "crashed"
)

// Round is one game instance: a single, undisclosed-until-reveal crash
// point shared by every participant.
type Round struct {
	RoundID                 uuid.UUID    `db:"round_id" json:"roundId"`
	CommitIdx               *int64       `db:"commit_idx" json:"commitIdx,omitempty"`
	ServerSeedHash          []byte       `db:"server_seed_hash" json:"serverSeedHash"`
	ServerSeed              []byte       `db:"server_seed" json:"serverSeed,omitempty"`
	CrashPoint              float64      `db:"crash_point" json:"crashPoint,omitempty"`
	StartedAt               time.Time    `db:"started_at" json:"startedAt"`
	EndedAt                 *time.Time   `db:"ended_at" json:"endedAt,omitempty"`
	SettlementWindowSeconds int64        `db:"settlement_window_seconds" json:"settlementWindowSeconds"`
	SettlementClosedAt      *time.Time   `db:"settlement_closed_at" json:"settlementClosedAt,omitempty"`
	Degraded                bool         `db:"-" json:"degraded,omitempty"`
}

// Status derives the persisted status from EndedAt, since the rounds table
// itself doesn't carry a status column (spec.md §6's logical layout keys
// "crashed" off ended_at being set).
func (r *Round) Status() RoundStatus {
	if r.EndedAt != nil {
		return RoundStatusCrashed
	}
	return RoundStatusRunning
}

// RoundSummary is the public, non-sensitive view of a round returned by
// GET /round/status and friends — it never carries ServerSeed before
// reveal.
type RoundSummary struct {
	RoundID        uuid.UUID `json:"roundId"`
	Status         string    `json:"status"`
	Multiplier     float64   `json:"multiplier"`
	StartedAt      int64     `json:"startedAt"` // milliseconds, per spec.md §6
	CommitIdx      *int64    `json:"commitIdx,omitempty"`
	ServerSeedHash string    `json:"serverSeedHash"`
}

// RoundReveal is returned by GET /reveal/{roundId} once a round has
// crashed.
type RoundReveal struct {
	RoundID        uuid.UUID `json:"roundId"`
	CommitIdx      *int64    `json:"commitIdx,omitempty"`
	ServerSeed     string    `json:"serverSeed"`
	ServerSeedHash string    `json:"serverSeedHash"`
	RevealedAt     time.Time `json:"revealedAt"`
	CrashPoint     float64   `json:"crashPoint"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt"`
}
