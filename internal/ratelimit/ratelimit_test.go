package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAllowsUpToMax(t *testing.T) {
	l := New(time.Minute, 3, 0)

	for i := 0; i < 3; i++ {
		r := l.Check("alice")
		assert.True(t, r.Allowed)
	}
	r := l.Check("alice")
	assert.False(t, r.Allowed)
	assert.Equal(t, 0, r.Remaining)
}

func TestCheckTracksKeysIndependently(t *testing.T) {
	l := New(time.Minute, 1, 0)

	assert.True(t, l.Check("alice").Allowed)
	assert.False(t, l.Check("alice").Allowed)
	assert.True(t, l.Check("bob").Allowed)
}

func TestCheckWindowRollsOver(t *testing.T) {
	l := New(20*time.Millisecond, 1, 0)

	assert.True(t, l.Check("alice").Allowed)
	assert.False(t, l.Check("alice").Allowed)

	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.Check("alice").Allowed)
}

func TestCheckEvictsOldestWhenOverCapacity(t *testing.T) {
	l := New(time.Minute, 1, 2)

	l.Check("a")
	l.Check("b")
	l.Check("c") // evicts "a"

	l.mu.Lock()
	_, aStillTracked := l.entries["a"]
	_, cTracked := l.entries["c"]
	l.mu.Unlock()

	assert.False(t, aStillTracked)
	assert.True(t, cTracked)
}

func TestPruneRemovesExpiredEntries(t *testing.T) {
	l := New(10*time.Millisecond, 1, 0)
	l.Check("alice")

	time.Sleep(20 * time.Millisecond)
	l.prune()

	l.mu.Lock()
	_, tracked := l.entries["alice"]
	l.mu.Unlock()
	assert.False(t, tracked)
}

func TestStartStopIsSafe(t *testing.T) {
	l := New(10*time.Millisecond, 5, 100)
	l.Start(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	l.Stop()
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	l := New(time.Minute, 5, 0)
	l.Stop()
}

func TestMinIntervalLimiterUsage(t *testing.T) {
	// A cashout pacer is a Limiter with max=1 over the minimum interval.
	pacer := New(50*time.Millisecond, 1, 1000)

	assert.True(t, pacer.Check("user-1").Allowed)
	assert.False(t, pacer.Check("user-1").Allowed)

	time.Sleep(60 * time.Millisecond)
	assert.True(t, pacer.Check("user-1").Allowed)
}
