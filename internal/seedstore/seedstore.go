// Package seedstore persists the append-only chain of seed commitments that
// the round engine consumes. It separates commitment (the public hash,
// published before a round starts) from revelation (the seed itself,
// recoverable deterministically from a master secret).
package seedstore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashcore/internal/domain"
)

// ErrDegradedSeed describes the condition SeedFor reports through its
// degraded result when no master secret is configured: the caller receives a
// fresh random seed instead of a deterministic one and must treat the round
// as degraded (see spec §9's nullable commit_idx note). SeedFor itself does
// not return this error.
var ErrDegradedSeed = errors.New("seedstore: no master secret configured, seed is not recoverable across restarts")

// Store manages the seed_commits table.
type Store struct {
	pool         *pgxpool.Pool
	masterSecret []byte
	logger       *slog.Logger
}

// New builds a Store. An empty masterSecret puts SeedFor into degraded mode.
func New(pool *pgxpool.Pool, masterSecret string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, masterSecret: []byte(masterSecret), logger: logger}
}

// Latest returns the highest-idx commit, or (nil, nil) if the chain is empty.
func (s *Store) Latest(ctx context.Context) (*domain.SeedCommit, error) {
	var c domain.SeedCommit
	err := s.pool.QueryRow(ctx, `
		SELECT idx, seed_hash, created_at FROM seed_commits
		ORDER BY idx DESC LIMIT 1
	`).Scan(&c.Idx, &c.SeedHash, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("seedstore: latest: %w", err)
	}
	return &c, nil
}

// EnsureNext derives the seed for max(idx)+1 (or 0 if the chain is empty),
// persists its commitment, and returns it. Idempotent under concurrent
// callers via the unique index on idx: a losing caller re-reads the row a
// winner just inserted.
func (s *Store) EnsureNext(ctx context.Context) (*domain.SeedCommit, error) {
	latest, err := s.Latest(ctx)
	if err != nil {
		return nil, err
	}
	nextIdx := int64(0)
	if latest != nil {
		nextIdx = latest.Idx + 1
	}

	seed, degraded := s.SeedFor(nextIdx)
	if degraded {
		s.logger.Warn("seedstore: generating ephemeral seed, provable fairness broken across restarts", "idx", nextIdx)
	}
	hash := HashSeed(seed)

	var c domain.SeedCommit
	err = s.pool.QueryRow(ctx, `
		INSERT INTO seed_commits (idx, seed_hash)
		VALUES ($1, $2)
		ON CONFLICT (idx) DO UPDATE SET idx = seed_commits.idx
		RETURNING idx, seed_hash, created_at
	`, nextIdx, hash).Scan(&c.Idx, &c.SeedHash, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("seedstore: ensure next: %w", err)
	}
	return &c, nil
}

// SeedFor deterministically recovers the seed for idx from the master
// secret. When no master secret is configured it returns a fresh random
// seed instead and reports degraded=true.
func (s *Store) SeedFor(idx int64) (seed []byte, degraded bool) {
	if len(s.masterSecret) == 0 {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			s.logger.Error("seedstore: rand.Read failed", "error", err)
		}
		return b, true
	}
	mac := hmac.New(sha256.New, s.masterSecret)
	fmt.Fprintf(mac, "%d", idx)
	return mac.Sum(nil), false
}

// HashSeed computes the public commitment for a seed.
func HashSeed(seed []byte) []byte {
	h := sha256.Sum256(seed)
	return h[:]
}

// HashSeedHex is HashSeed with hex-encoded output, handy for logs and the
// public /commitments/latest response.
func HashSeedHex(seed []byte) string {
	return hex.EncodeToString(HashSeed(seed))
}
