package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"quorumd/internal/raft"
)

// serveConfig is the YAML configuration of one quorumd server process.
type serveConfig struct {
	Server struct {
		ID      string `yaml:"id"`
		Address string `yaml:"address"`
	} `yaml:"server"`

	// Group is the replicated group this server hosts.
	Group string `yaml:"group"`

	// DataDir holds the bbolt log database.
	DataDir string `yaml:"data_dir"`

	// Peers is the bootstrap membership, used only the first time the server
	// starts with an empty log.
	Peers []struct {
		ID      string `yaml:"id"`
		Address string `yaml:"address"`
	} `yaml:"peers"`

	Raft struct {
		ElectionTimeoutMin duration `yaml:"election_timeout_min"`
		ElectionTimeoutMax duration `yaml:"election_timeout_max"`
		HeartbeatInterval  duration `yaml:"heartbeat_interval"`
		RPCTimeout         duration `yaml:"rpc_timeout"`
		MaxAppendEntries   int      `yaml:"max_append_entries"`
		SnapshotThreshold  uint64   `yaml:"snapshot_threshold"`
		SnapshotChunkSize  int      `yaml:"snapshot_chunk_size"`
		SnapshotRateLimit  int      `yaml:"snapshot_rate_limit"`
		RetryCacheExpiry   duration `yaml:"retry_cache_expiry"`
		SubmitTimeout      duration `yaml:"submit_timeout"`
	} `yaml:"raft"`

	Logging struct {
		Level     string            `yaml:"level"`
		Verbosity map[string]string `yaml:"verbosity"`
	} `yaml:"logging"`
}

// duration lets YAML carry durations as "150ms" style strings.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = duration(parsed)
	return nil
}

func loadServeConfig(path string) (*serveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &serveConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Server.ID == "" {
		// Servers meant to survive restarts should configure a stable id; a
		// generated one gets a fresh data file on every start.
		cfg.Server.ID = string(raft.NewServerID())
	}
	if cfg.Server.Address == "" {
		return nil, fmt.Errorf("config %s: server.address is required", path)
	}
	if cfg.Group == "" {
		cfg.Group = "default"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	return cfg, nil
}

// raftConfig maps the YAML knobs onto an engine Config. Unset fields keep
// engine defaults.
func (c *serveConfig) raftConfig() (*raft.Config, error) {
	cfg := raft.DefaultConfig()
	if c.Raft.ElectionTimeoutMin != 0 {
		cfg.ElectionTimeoutMin = time.Duration(c.Raft.ElectionTimeoutMin)
	}
	if c.Raft.ElectionTimeoutMax != 0 {
		cfg.ElectionTimeoutMax = time.Duration(c.Raft.ElectionTimeoutMax)
	}
	if c.Raft.HeartbeatInterval != 0 {
		cfg.HeartbeatInterval = time.Duration(c.Raft.HeartbeatInterval)
	}
	if c.Raft.RPCTimeout != 0 {
		cfg.RPCTimeout = time.Duration(c.Raft.RPCTimeout)
	}
	if c.Raft.MaxAppendEntries != 0 {
		cfg.MaxAppendEntries = c.Raft.MaxAppendEntries
	}
	if c.Raft.SnapshotThreshold != 0 {
		cfg.SnapshotThreshold = c.Raft.SnapshotThreshold
	}
	if c.Raft.SnapshotChunkSize != 0 {
		cfg.SnapshotChunkSize = c.Raft.SnapshotChunkSize
	}
	if c.Raft.SnapshotRateLimit != 0 {
		cfg.SnapshotRateLimit = c.Raft.SnapshotRateLimit
	}
	if c.Raft.RetryCacheExpiry != 0 {
		cfg.RetryCacheExpiry = time.Duration(c.Raft.RetryCacheExpiry)
	}
	if c.Raft.SubmitTimeout != 0 {
		cfg.SubmitTimeout = time.Duration(c.Raft.SubmitTimeout)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if c.Logging.Level != "" {
		level, err := logrus.ParseLevel(c.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		logger.SetLevel(level)
	}
	cfg.Logger = logger
	cfg.Verbosity = c.Logging.Verbosity

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bootstrap builds the initial configuration from the peers list.
func (c *serveConfig) bootstrap() *raft.Configuration {
	if len(c.Peers) == 0 {
		return nil
	}
	conf := &raft.Configuration{}
	for _, p := range c.Peers {
		conf.Peers = append(conf.Peers, raft.Peer{
			ID:      raft.ServerID(p.ID),
			Address: raft.ServerAddress(p.Address),
		})
	}
	return conf
}
