package domain

import "time"

// SeedCommit is one entry in the append-only chain of pre-committed seed
// hashes. A round's server_seed_hash must match exactly one SeedCommit.
type SeedCommit struct {
	Idx       int64     `db:"idx" json:"idx"`
	SeedHash  []byte    `db:"seed_hash" json:"seedHash"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// CommitmentView is the public response for GET /commitments/latest.
type CommitmentView struct {
	Idx       int64     `json:"idx"`
	SeedHash  string    `json:"seedHash"`
	CreatedAt time.Time `json:"createdAt"`
}
