package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashcore/internal/apperr"
	"crashcore/internal/domain"
	"crashcore/internal/money"
)

// fakeSeedSource is a deterministic, in-memory SeedSource for tests — no
// database required.
type fakeSeedSource struct {
	seed        []byte
	idx         int64
	degraded    bool
	ensureErr   error
	ensureCalls int
}

func (f *fakeSeedSource) EnsureNext(ctx context.Context) (*domain.SeedCommit, error) {
	f.ensureCalls++
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	f.idx++
	return &domain.SeedCommit{Idx: f.idx, SeedHash: []byte("hash")}, nil
}

func (f *fakeSeedSource) SeedFor(idx int64) ([]byte, bool) {
	return f.seed, f.degraded
}

func newTestEngine(t *testing.T, seeds SeedSource) *Engine {
	t.Helper()
	e := New(seeds, Config{InterRoundGap: time.Hour, AllowDegradedRounds: true}, nil)
	t.Cleanup(e.Dispose)
	return e
}

func TestCreateRoundEmitsStartedAndArmsTimer(t *testing.T) {
	seeds := &fakeSeedSource{seed: []byte("create-round-seed")}
	e := newTestEngine(t, seeds)

	require.NoError(t, e.CreateRound(context.Background()))

	view, ok := e.CurrentView()
	require.True(t, ok)
	assert.Equal(t, StatusRunning, view.Status)
	assert.False(t, view.Degraded)
	assert.Equal(t, int64(1), *view.CommitIdx)

	select {
	case ev := <-e.Events():
		require.NotNil(t, ev.Started)
		assert.Equal(t, view.RoundID, ev.Started.RoundID)
	default:
		t.Fatal("CreateRound did not emit a RoundStarted event")
	}

	e.mu.Lock()
	assert.NotNil(t, e.current.timer)
	e.mu.Unlock()
}

func TestCreateRoundRefusesWithoutCommitmentUnlessDegradedAllowed(t *testing.T) {
	seeds := &fakeSeedSource{seed: []byte("x"), ensureErr: errors.New("db down")}
	e := New(seeds, Config{InterRoundGap: time.Hour, AllowDegradedRounds: false}, nil)
	defer e.Dispose()

	err := e.CreateRound(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestCreateRoundFallsBackToEphemeralSeedWhenDegradedAllowed(t *testing.T) {
	seeds := &fakeSeedSource{seed: []byte("x"), ensureErr: errors.New("db down")}
	e := newTestEngine(t, seeds)

	require.NoError(t, e.CreateRound(context.Background()))

	view, ok := e.CurrentView()
	require.True(t, ok)
	assert.True(t, view.Degraded)
	assert.Nil(t, view.CommitIdx)
}

func TestCreateRoundRefusesDegradedSeedFlag(t *testing.T) {
	seeds := &fakeSeedSource{seed: []byte("x"), degraded: true}
	e := New(seeds, Config{InterRoundGap: time.Hour, AllowDegradedRounds: false}, nil)
	defer e.Dispose()

	err := e.CreateRound(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDegradedSeed)
}

func TestJoinRequiresRunningRound(t *testing.T) {
	e := newTestEngine(t, &fakeSeedSource{seed: []byte("join-seed")})

	_, err := e.Join(uuid.New(), money.New(10))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestJoinRejectsDuplicatePlayer(t *testing.T) {
	seeds := &fakeSeedSource{seed: []byte("a-very-long-crash-seed-value")}
	e := newTestEngine(t, seeds)
	require.NoError(t, e.CreateRound(context.Background()))

	user := uuid.New()
	_, err := e.Join(user, money.New(10))
	require.NoError(t, err)

	_, err = e.Join(user, money.New(10))
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCashoutRequiresActiveBet(t *testing.T) {
	seeds := &fakeSeedSource{seed: []byte("another-crash-seed-value")}
	e := newTestEngine(t, seeds)
	require.NoError(t, e.CreateRound(context.Background()))

	_, err := e.Cashout(uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCashoutSucceedsBeforeCrash(t *testing.T) {
	// Chosen to reliably yield a crash point well above 1.00 so the window
	// to cash out isn't a race against the timer firing first.
	seeds := &fakeSeedSource{seed: []byte("a-seed-with-a-generous-multiplier")}
	e := newTestEngine(t, seeds)
	require.NoError(t, e.CreateRound(context.Background()))

	if DelayForCrashPoint(DeriveCrashPoint(seeds.seed, "")) < 200 {
		t.Skip("seed yields too short a round for a reliable pre-crash cashout window")
	}

	user := uuid.New()
	_, err := e.Join(user, money.New(100))
	require.NoError(t, err)

	result, err := e.Cashout(user)
	require.NoError(t, err)
	assert.True(t, result.Win)
	assert.True(t, result.Multiplier >= MinMultiplier)
}

func TestCashoutSecondAttemptReplaysFirstSnapshot(t *testing.T) {
	seeds := &fakeSeedSource{seed: []byte("yet-another-long-seed-value-here")}
	e := newTestEngine(t, seeds)
	require.NoError(t, e.CreateRound(context.Background()))

	user := uuid.New()
	_, err := e.Join(user, money.New(100))
	require.NoError(t, err)

	first, err := e.Cashout(user)
	require.NoError(t, err)
	if !first.Win {
		t.Skip("round crashed immediately, cannot exercise double-cashout path")
	}
	assert.False(t, first.Replay)

	second, err := e.Cashout(user)
	require.NoError(t, err)
	assert.True(t, second.Replay)
	assert.True(t, second.Win)
	assert.Equal(t, first.Multiplier, second.Multiplier)
	assert.True(t, second.Payout.Equal(first.Payout))
}

func TestMarkCrashedIsIdempotent(t *testing.T) {
	seeds := &fakeSeedSource{seed: []byte("idempotent-crash-seed")}
	e := newTestEngine(t, seeds)
	require.NoError(t, e.CreateRound(context.Background()))

	view, _ := e.CurrentView()
	e.markCrashed(view.RoundID, "test")
	e.markCrashed(view.RoundID, "test-again")

	after, ok := e.CurrentView()
	require.True(t, ok)
	assert.Equal(t, StatusCrashed, after.Status)
}

func TestCurrentViewFalseBeforeAnyRound(t *testing.T) {
	e := newTestEngine(t, &fakeSeedSource{seed: []byte("unused")})
	_, ok := e.CurrentView()
	assert.False(t, ok)
}

func TestSettlementClosedAtAddsWindow(t *testing.T) {
	e := New(&fakeSeedSource{}, Config{SettlementWindowSecs: 60}, nil)
	defer e.Dispose()

	end := time.Now()
	closed := e.SettlementClosedAt(end)
	assert.Equal(t, end.Add(60*time.Second), closed)
}

func TestDisposeIsIdempotent(t *testing.T) {
	e := New(&fakeSeedSource{seed: []byte("dispose-seed")}, Config{InterRoundGap: time.Hour, AllowDegradedRounds: true}, nil)
	require.NoError(t, e.CreateRound(context.Background()))
	e.Dispose()
	e.Dispose()
}
