// Package engine runs the perpetual crash-game round loop: it computes the
// crash point for each round from a committed seed, tracks joined players,
// adjudicates cashouts, and emits lifecycle events. Round state has a
// single owner — every Join, Cashout, and timer firing is serialized behind
// one mutex, so no round ever crosses the mutex boundary half-updated.
package engine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"crashcore/internal/apperr"
	"crashcore/internal/domain"
	"crashcore/internal/money"
)

// SeedSource is the subset of seedstore.Store the engine depends on. Kept as
// an interface so tests can substitute a deterministic fake without a
// database.
type SeedSource interface {
	EnsureNext(ctx context.Context) (*domain.SeedCommit, error)
	SeedFor(idx int64) (seed []byte, degraded bool)
}

// Event carries exactly one of Started or Crashed, in that order for any
// given round. Lifecycle events are delivered reliably; see Tick for the
// lossy counterpart.
type Event struct {
	Started *RoundStarted
	Crashed *RoundCrashed
}

type liveRound struct {
	roundID        uuid.UUID
	commitIdx      *int64
	serverSeedHash []byte
	serverSeed     []byte
	crashPoint     float64
	status         Status
	startedAt      time.Time
	endedAt        time.Time
	degraded       bool
	players        map[uuid.UUID]*PlayerBet
	timer          *time.Timer
}

// Engine owns the currently active round. Construct with New, call Start to
// begin the perpetual loop, and Dispose on shutdown.
type Engine struct {
	seeds               SeedSource
	logger              *slog.Logger
	interRoundGap       time.Duration
	allowDegraded       bool
	settlementWindowSec int64

	mu      sync.Mutex
	current *liveRound
	started bool
	stopped bool

	events chan Event
	stop   chan struct{}
	done   chan struct{}
}

// Config bundles the engine's tunables, mirroring config.GameConfig.
type Config struct {
	InterRoundGap        time.Duration
	AllowDegradedRounds  bool
	SettlementWindowSecs int64
}

// New constructs an Engine. Start must be called to run the round loop.
func New(seeds SeedSource, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InterRoundGap <= 0 {
		cfg.InterRoundGap = 5 * time.Second
	}
	if cfg.SettlementWindowSecs <= 0 {
		cfg.SettlementWindowSecs = 300
	}
	return &Engine{
		seeds:               seeds,
		logger:              logger,
		interRoundGap:       cfg.InterRoundGap,
		allowDegraded:       cfg.AllowDegradedRounds,
		settlementWindowSec: cfg.SettlementWindowSecs,
		events:              make(chan Event, 256),
		stop:                make(chan struct{}),
		done:                make(chan struct{}),
	}
}

// Events returns the channel of reliably-delivered lifecycle events.
func (e *Engine) Events() <-chan Event { return e.events }

// Start launches the first round and arms the perpetual next-round cycle.
// Returns immediately; the loop runs on its own goroutine until Dispose.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	go e.loop(ctx)
}

// loop is the engine's own recovery path: CreateRound errors (e.g. the DB
// is down and degraded rounds are disallowed) are logged and retried after
// interRoundGap rather than taking down the process.
func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := e.CreateRound(ctx); err != nil {
			e.logger.Error("engine: create round failed, will retry", "error", err)
			select {
			case <-time.After(e.interRoundGap):
				continue
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-e.roundEnded():
		}

		select {
		case <-time.After(e.interRoundGap):
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// roundEnded returns a channel that closes once the current round reaches
// Crashed. Polling on a short interval keeps the loop free of another layer
// of cross-goroutine signalling on top of the crash timer itself.
func (e *Engine) roundEnded() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			e.mu.Lock()
			crashed := e.current == nil || e.current.status == StatusCrashed
			e.mu.Unlock()
			if crashed {
				close(ch)
				return
			}
		}
	}()
	return ch
}

// CreateRound mints a new round from a freshly committed seed (or, if
// allowDegraded is set and no commitment is available, an ephemeral
// in-memory seed flagged Degraded). It arms the crash timer and emits
// RoundStarted before returning.
func (e *Engine) CreateRound(ctx context.Context) error {
	seed, commitIdx, degraded, err := e.acquireSeed(ctx)
	if err != nil {
		return err
	}

	crashPoint := DeriveCrashPoint(seed, "")
	hash := sha256Hex(seed)
	startedAt := time.Now()
	roundID := uuid.New()

	round := &liveRound{
		roundID:        roundID,
		commitIdx:      commitIdx,
		serverSeedHash: hash,
		serverSeed:     seed,
		crashPoint:     crashPoint,
		status:         StatusRunning,
		startedAt:      startedAt,
		degraded:       degraded,
		players:        make(map[uuid.UUID]*PlayerBet),
	}

	delay := time.Duration(DelayForCrashPoint(crashPoint)) * time.Millisecond
	round.timer = time.AfterFunc(delay, func() {
		e.markCrashed(roundID, "timer")
	})

	e.mu.Lock()
	e.current = round
	e.mu.Unlock()

	e.emit(Event{Started: &RoundStarted{
		RoundID:        roundID,
		CommitIdx:      commitIdx,
		ServerSeedHash: hash,
		CrashPoint:     crashPoint,
		StartedAt:      startedAt,
		Degraded:       degraded,
	}})
	return nil
}

// acquireSeed obtains the seed for the next round, honoring the
// refuse-without-commitment policy unless AllowDegradedRounds is set.
func (e *Engine) acquireSeed(ctx context.Context) (seed []byte, commitIdx *int64, degraded bool, err error) {
	if e.seeds == nil {
		if !e.allowDegraded {
			return nil, nil, false, apperr.Wrap(apperr.KindInternal, "no seed source configured", nil)
		}
		return ephemeralSeed(), nil, true, nil
	}

	commit, cErr := e.seeds.EnsureNext(ctx)
	if cErr != nil || commit == nil {
		if !e.allowDegraded {
			return nil, nil, false, apperr.Wrap(apperr.KindInternal, "seed commitment unavailable", cErr)
		}
		return ephemeralSeed(), nil, true, nil
	}

	s, seedDegraded := e.seeds.SeedFor(commit.Idx)
	if seedDegraded && !e.allowDegraded {
		return nil, nil, false, apperr.ErrDegradedSeed
	}
	idx := commit.Idx
	return s, &idx, seedDegraded, nil
}

func ephemeralSeed() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

// Join enrolls a player in the currently running round. Fails fast unless
// the round is running and the player has not already joined.
func (e *Engine) Join(userID uuid.UUID, amount money.Amount) (JoinResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil || e.current.status != StatusRunning {
		return JoinResult{}, apperr.New(apperr.KindValidation, "no running round")
	}
	if _, exists := e.current.players[userID]; exists {
		return JoinResult{}, apperr.New(apperr.KindConflict, "player already joined this round")
	}

	e.current.players[userID] = &PlayerBet{UserID: userID, BetAmount: amount}

	return JoinResult{
		RoundID:        e.current.roundID,
		CommitIdx:      e.current.commitIdx,
		ServerSeedHash: e.current.serverSeedHash,
		StartedAt:      e.current.startedAt,
	}, nil
}

// Cashout adjudicates a player's cashout request against the live
// multiplier. If the crash condition has already been reached the round is
// marked crashed (idempotently) and the player loses. A repeat call after a
// successful cashout is not an error: it replays the snapshot taken at the
// first cashout (Replay: true) so the caller can still settle it through
// the ledger, whose idempotent branch returns the original payout rather
// than crediting twice (spec §8 invariant 5, scenario S3).
func (e *Engine) Cashout(userID uuid.UUID) (CashoutResult, error) {
	e.mu.Lock()

	if e.current == nil {
		e.mu.Unlock()
		return CashoutResult{}, apperr.New(apperr.KindValidation, "no running round")
	}
	player, ok := e.current.players[userID]
	if !ok {
		e.mu.Unlock()
		return CashoutResult{}, apperr.New(apperr.KindValidation, "no active bet")
	}
	if player.CashedOut {
		multiplier := player.Multiplier
		payout := player.BetAmount.MulFloat(multiplier)
		e.mu.Unlock()
		return CashoutResult{Win: true, Multiplier: multiplier, Payout: payout, Replay: true}, nil
	}

	m := round2(Multiplier(time.Since(e.current.startedAt).Milliseconds()))
	crashPoint := e.current.crashPoint
	roundID := e.current.roundID
	running := e.current.status == StatusRunning

	if !running || m >= crashPoint {
		e.mu.Unlock()
		e.markCrashed(roundID, "cashout-race")
		return CashoutResult{Win: false, Multiplier: crashPoint, Payout: money.Zero}, nil
	}

	player.CashedOut = true
	player.Multiplier = m
	payout := player.BetAmount.MulFloat(m)
	e.mu.Unlock()

	return CashoutResult{Win: true, Multiplier: m, Payout: payout}, nil
}

// markCrashed transitions the round matching roundID to Crashed. Idempotent:
// calling it twice, or calling it for a round that has already rolled over,
// is a no-op.
func (e *Engine) markCrashed(roundID uuid.UUID, reason string) {
	e.mu.Lock()
	if e.current == nil || e.current.roundID != roundID || e.current.status == StatusCrashed {
		e.mu.Unlock()
		return
	}
	round := e.current
	round.status = StatusCrashed
	round.endedAt = time.Now()
	round.timer.Stop()
	e.mu.Unlock()

	e.logger.Info("engine: round crashed", "round_id", round.roundID, "crash_point", round.crashPoint, "reason", reason)

	e.emit(Event{Crashed: &RoundCrashed{
		RoundID:        round.roundID,
		CommitIdx:      round.commitIdx,
		ServerSeedHash: round.serverSeedHash,
		ServerSeed:     round.serverSeed,
		CrashPoint:     round.crashPoint,
		StartedAt:      round.startedAt,
		EndedAt:        round.endedAt,
	}})
}

// CurrentView returns a read-only snapshot of the current round (a crashed
// round stays current until the next one starts), or the zero value with
// ok=false when there is no round: before the first round or after Dispose.
func (e *Engine) CurrentView() (RoundView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return RoundView{}, false
	}
	r := e.current
	mult := r.crashPoint
	if r.status == StatusRunning {
		mult = round2(Multiplier(time.Since(r.startedAt).Milliseconds()))
	}
	return RoundView{
		RoundID:        r.roundID,
		CommitIdx:      r.commitIdx,
		ServerSeedHash: r.serverSeedHash,
		Status:         r.status,
		Multiplier:     mult,
		StartedAt:      r.startedAt,
		Degraded:       r.degraded,
	}, true
}

// SettlementClosedAt reports when the given round's settlement window
// closes, given its crash time — used by callers that need to compute this
// without round-tripping through the ledger.
func (e *Engine) SettlementClosedAt(endedAt time.Time) time.Time {
	return endedAt.Add(time.Duration(e.settlementWindowSec) * time.Second)
}

// emit delivers a lifecycle event, tolerating a slow or absent consumer for
// up to one second before logging a dropped-event error — lifecycle events
// are meant to be reliable, but a wedged consumer must never stall the
// round loop.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-time.After(time.Second):
		e.logger.Error("engine: lifecycle event dropped, consumer not draining events channel")
	}
}

// Dispose clears all timers, forgets the round, and zeroes the seed in
// memory. Safe to call whether or not Start was called; calls after the
// first return immediately.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	if e.current != nil {
		if e.current.timer != nil {
			e.current.timer.Stop()
		}
		for i := range e.current.serverSeed {
			e.current.serverSeed[i] = 0
		}
		e.current = nil
	}
	started := e.started
	e.mu.Unlock()

	close(e.stop)
	if started {
		<-e.done
	}
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func sha256Hex(seed []byte) []byte {
	h := sha256.Sum256(seed)
	return h[:]
}
