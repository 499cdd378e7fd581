package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := load()
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Game.BroadcastInterval)
	assert.Equal(t, int64(300), cfg.Game.SettlementWindowSecs)
	assert.False(t, cfg.Game.AllowDegradedRounds)
}

func TestValidateRejectsInvertedBetRange(t *testing.T) {
	cfg := load()
	cfg.Game.MinBetAmount = 100
	cfg.Game.MaxBetAmount = 10
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := load()
	require.NoError(t, cfg.Validate())
}

func TestGetDurationMSFallsBackOnGarbage(t *testing.T) {
	t.Setenv("BROADCAST_INTERVAL_MS", "not-a-number")
	assert.Equal(t, 100*time.Millisecond, getDurationMS("BROADCAST_INTERVAL_MS", 100))
}
