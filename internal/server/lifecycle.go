package server

import (
	"context"

	"crashcore/internal/domain"
	"crashcore/internal/engine"
)

// RunLifecycleSubscriber drains the engine's reliably-delivered lifecycle
// events and persists them to the ledger: a RoundStarted event opens the
// round's row, a RoundCrashed event writes the reveal and flips every
// still-active bet to lost. This is the one place outside the engine and
// the ledger that ties the two together — the engine never imports the
// ledger directly (spec.md §4's layering keeps game logic storage-agnostic).
func (s *FiberServer) RunLifecycleSubscriber(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.engine.Events():
			if !ok {
				return
			}
			s.handleLifecycleEvent(ctx, ev)
		}
	}
}

func (s *FiberServer) handleLifecycleEvent(ctx context.Context, ev engine.Event) {
	switch {
	case ev.Started != nil:
		round := &domain.Round{
			RoundID:                 ev.Started.RoundID,
			CommitIdx:               ev.Started.CommitIdx,
			ServerSeedHash:          ev.Started.ServerSeedHash,
			StartedAt:               ev.Started.StartedAt,
			SettlementWindowSeconds: s.cfg.Game.SettlementWindowSecs,
			Degraded:                ev.Started.Degraded,
		}
		if err := s.ledger.PersistRoundStart(ctx, round); err != nil {
			s.logger.Error("server: persist round start failed", "round_id", round.RoundID, "error", err)
		}

	case ev.Crashed != nil:
		settlementClosedAt := s.engine.SettlementClosedAt(ev.Crashed.EndedAt)
		if err := s.ledger.PersistRoundCrash(ctx, ev.Crashed.RoundID, ev.Crashed.ServerSeed,
			ev.Crashed.CrashPoint, ev.Crashed.EndedAt, settlementClosedAt); err != nil {
			s.logger.Error("server: persist round crash failed", "round_id", ev.Crashed.RoundID, "error", err)
		}
		if _, err := s.ledger.MarkBetsLost(ctx, ev.Crashed.RoundID); err != nil {
			s.logger.Error("server: mark bets lost failed", "round_id", ev.Crashed.RoundID, "error", err)
		}
	}
}
