package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"crashcore/internal/seedstore"
)

func TestDeriveCrashPointIsDeterministic(t *testing.T) {
	seed := []byte("fixed-test-seed")

	r1 := DeriveCrashPoint(seed, "")
	r2 := DeriveCrashPoint(seed, "")

	assert.Equal(t, r1, r2)
	assert.GreaterOrEqual(t, r1, MinMultiplier)
}

func TestDeriveCrashPointDiffersByClientSeed(t *testing.T) {
	seed := []byte("fixed-test-seed")

	a := DeriveCrashPoint(seed, "alice")
	b := DeriveCrashPoint(seed, "bob")

	assert.NotEqual(t, a, b)
}

func TestDeriveCrashPointNeverBelowMinimum(t *testing.T) {
	for i := 0; i < 500; i++ {
		seed := []byte{byte(i), byte(i >> 8)}
		got := DeriveCrashPoint(seed, "")
		assert.GreaterOrEqual(t, got, MinMultiplier)
	}
}

func TestVerifyAcceptsGenuineReveal(t *testing.T) {
	seed := []byte("genuine-seed-for-verification")
	hash := seedstore.HashSeed(seed)
	crash := DeriveCrashPoint(seed, "")

	assert.True(t, Verify(hash, seed, crash))
}

func TestVerifyRejectsWrongSeed(t *testing.T) {
	seed := []byte("genuine-seed-for-verification")
	hash := seedstore.HashSeed(seed)
	crash := DeriveCrashPoint(seed, "")

	assert.False(t, Verify(hash, []byte("tampered-seed"), crash))
}

func TestVerifyRejectsWrongCrashPoint(t *testing.T) {
	seed := []byte("genuine-seed-for-verification")
	hash := seedstore.HashSeed(seed)
	crash := DeriveCrashPoint(seed, "")

	assert.False(t, Verify(hash, seed, crash+0.5))
}

func TestDelayAndMultiplierAgreeAtCrash(t *testing.T) {
	seed := []byte("delay-consistency-seed")
	crash := DeriveCrashPoint(seed, "")

	delay := DelayForCrashPoint(crash)
	assert.InDelta(t, crash, Multiplier(delay), 0.001)
}

func TestDelayForCrashPointHasFloor(t *testing.T) {
	assert.Equal(t, int64(100), DelayForCrashPoint(1.00))
}
