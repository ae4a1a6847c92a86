package raft

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidateFillsDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 150*time.Millisecond, cfg.ElectionTimeoutMin)
	assert.Equal(t, 50*time.Millisecond, cfg.HeartbeatInterval)
	assert.NotNil(t, cfg.AppendBackoff)
	assert.NotNil(t, cfg.Logger)
}

func TestConfigValidateRejectsBadRanges(t *testing.T) {
	t.Run("inverted election range", func(t *testing.T) {
		cfg := &Config{ElectionTimeoutMin: 300 * time.Millisecond, ElectionTimeoutMax: 150 * time.Millisecond}
		assert.Error(t, cfg.Validate())
	})
	t.Run("heartbeat above election timeout", func(t *testing.T) {
		cfg := &Config{HeartbeatInterval: 200 * time.Millisecond}
		assert.Error(t, cfg.Validate())
	})
	t.Run("unknown verbosity level", func(t *testing.T) {
		cfg := &Config{Verbosity: map[string]string{"appender": "chatty"}}
		assert.Error(t, cfg.Validate())
	})
}

func TestRandomElectionTimeoutStaysInRange(t *testing.T) {
	cfg := DefaultConfig()
	for i := 0; i < 100; i++ {
		d := cfg.RandomElectionTimeout()
		assert.GreaterOrEqual(t, d, cfg.ElectionTimeoutMin)
		assert.Less(t, d, cfg.ElectionTimeoutMax)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.LessOrEqual(t, cfg.Backoff(1), cfg.AppendBackoffCap)
	// Exponential growth would blow past the cap long before attempt 30.
	assert.Equal(t, cfg.AppendBackoffCap, cfg.Backoff(30))
}

func TestComponentLoggerHonorsVerbosity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Verbosity = map[string]string{"appender": "debug"}
	require.NoError(t, cfg.Validate())

	appender := cfg.ComponentLogger("appender", nil)
	assert.Equal(t, logrus.DebugLevel, appender.Logger.GetLevel())

	// Other components keep the base level; the override never leaks.
	updater := cfg.ComponentLogger("updater", nil)
	assert.Equal(t, cfg.Logger.GetLevel(), updater.Logger.GetLevel())
	assert.Equal(t, logrus.InfoLevel, cfg.Logger.GetLevel())
}
