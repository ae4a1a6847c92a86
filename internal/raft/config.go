package raft

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/Rican7/retry/backoff"
	"github.com/sirupsen/logrus"
)

// Config carries every tuning knob of the consensus engine. It is passed at
// group construction; nothing in the engine mutates shared logger or other
// global state.
type Config struct {
	// ElectionTimeoutMin/Max bound the randomized election timeout. The
	// 150-300ms default follows the recommendation at the end of Section 9.3
	// from the [Raft paper](https://raft.github.io/raft.pdf).
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is how often an idle leader pings each follower. It
	// must be an order of magnitude below the election timeout (Section 5.6).
	HeartbeatInterval time.Duration

	// RPCTimeout bounds a single RPC attempt.
	RPCTimeout time.Duration

	// MaxAppendEntries caps the number of entries in one AppendEntries call.
	MaxAppendEntries int

	// AppendBackoff computes the sleep before retry attempt n of a failing
	// log appender. The appender retries indefinitely while leadership holds;
	// only the pacing is configurable. Capped at AppendBackoffCap.
	AppendBackoff    backoff.Algorithm
	AppendBackoffCap time.Duration

	// SnapshotThreshold is the number of applied entries after which the
	// group snapshots the state machine and compacts the log. 0 disables
	// automatic snapshots.
	SnapshotThreshold uint64

	// SnapshotChunkSize is the size of one InstallSnapshot chunk.
	SnapshotChunkSize int

	// SnapshotRateLimit caps snapshot streaming in bytes per second per
	// follower. 0 means unlimited.
	SnapshotRateLimit int

	// RetryCacheExpiry is how long a completed client invocation stays
	// replayable from the retry cache.
	RetryCacheExpiry time.Duration

	// RetryCacheSweepInterval is how often expired cache entries are evicted.
	RetryCacheSweepInterval time.Duration

	// SubmitTimeout is the default deadline for client submissions that carry
	// no deadline of their own.
	SubmitTimeout time.Duration

	// Logger is the base logger. Defaults to a quiet logrus logger.
	Logger *logrus.Logger

	// Verbosity overrides the log level per component ("role", "appender",
	// "updater", "storage", "transport", ...). Values are logrus level names.
	Verbosity map[string]string
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		ElectionTimeoutMin:      150 * time.Millisecond,
		ElectionTimeoutMax:      300 * time.Millisecond,
		HeartbeatInterval:       50 * time.Millisecond,
		RPCTimeout:              50 * time.Millisecond,
		MaxAppendEntries:        64,
		AppendBackoff:           backoff.BinaryExponential(10 * time.Millisecond),
		AppendBackoffCap:        time.Second,
		SnapshotThreshold:       8192,
		SnapshotChunkSize:       256 * 1024,
		SnapshotRateLimit:       0,
		RetryCacheExpiry:        60 * time.Second,
		RetryCacheSweepInterval: 10 * time.Second,
		SubmitTimeout:           10 * time.Second,
	}
}

// Validate checks invariants and fills unset fields from DefaultConfig.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = def.ElectionTimeoutMin
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = def.ElectionTimeoutMax
	}
	if c.ElectionTimeoutMin >= c.ElectionTimeoutMax {
		return fmt.Errorf("election timeout min %v must be below max %v",
			c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("heartbeat interval %v must be below election timeout min %v",
			c.HeartbeatInterval, c.ElectionTimeoutMin)
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = def.RPCTimeout
	}
	if c.MaxAppendEntries <= 0 {
		c.MaxAppendEntries = def.MaxAppendEntries
	}
	if c.AppendBackoff == nil {
		c.AppendBackoff = def.AppendBackoff
	}
	if c.AppendBackoffCap == 0 {
		c.AppendBackoffCap = def.AppendBackoffCap
	}
	if c.SnapshotChunkSize <= 0 {
		c.SnapshotChunkSize = def.SnapshotChunkSize
	}
	if c.SnapshotRateLimit < 0 {
		return fmt.Errorf("snapshot rate limit must not be negative, got %d", c.SnapshotRateLimit)
	}
	if c.RetryCacheExpiry == 0 {
		c.RetryCacheExpiry = def.RetryCacheExpiry
	}
	if c.RetryCacheSweepInterval == 0 {
		c.RetryCacheSweepInterval = def.RetryCacheSweepInterval
	}
	if c.SubmitTimeout == 0 {
		c.SubmitTimeout = def.SubmitTimeout
	}
	if c.Logger == nil {
		c.Logger = newDefaultLogger()
	}
	for component, level := range c.Verbosity {
		if _, err := logrus.ParseLevel(level); err != nil {
			return fmt.Errorf("verbosity for %q: %w", component, err)
		}
	}
	return nil
}

// RandomElectionTimeout draws a fresh randomized election timeout from the
// configured range. A new value is drawn for every election round to break
// repeated split votes (Section 5.2).
func (c *Config) RandomElectionTimeout() time.Duration {
	spread := c.ElectionTimeoutMax - c.ElectionTimeoutMin
	return c.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(spread)))
}

// Backoff returns the capped backoff duration for retry attempt n.
func (c *Config) Backoff(attempt uint) time.Duration {
	d := c.AppendBackoff(attempt)
	if d > c.AppendBackoffCap {
		d = c.AppendBackoffCap
	}
	return d
}

// ComponentLogger builds the logger for one engine component, honoring the
// per-component verbosity override. Components get their own logger instance
// so adjusting one component's level never mutates another's.
func (c *Config) ComponentLogger(component string, fields logrus.Fields) *logrus.Entry {
	base := c.Logger
	level := base.GetLevel()
	if name, ok := c.Verbosity[component]; ok {
		if parsed, err := logrus.ParseLevel(name); err == nil {
			level = parsed
		}
	}
	lg := logrus.New()
	lg.SetOutput(base.Out)
	lg.SetFormatter(base.Formatter)
	lg.SetLevel(level)
	entry := lg.WithField("component", component)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	return entry
}

func newDefaultLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.InfoLevel)
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return lg
}
