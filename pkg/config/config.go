package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	LoadModeLoad     = "load"
	LoadModeTruncate = "truncate"
)

// Config - корневая структура конфигурации приложения
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	Raft   RaftConfig   `yaml:"raft"`
	DB     DB           `yaml:"db"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type RaftConfig struct {
	ID                        uint64           `yaml:"id"`
	ElectionTick              int              `yaml:"election_tick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick"`
	TickInterval              time.Duration    `yaml:"tick_interval"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	Peers                     []RaftPeerConfig `yaml:"peers"`
}

// DB - настройки движка хранения
type DB struct {
	Path        string            `yaml:"path"`
	LoadMode    string            `yaml:"load_mode"`
	Memtable    MemtableConfig    `yaml:"memtable"`
	Segment     SegmentConfig     `yaml:"segment"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter"`
	Compactor   CompactorConfig   `yaml:"compactor"`
}

type MemtableConfig struct {
	FlushThresholdBytes int64 `yaml:"flush_threshold"`
}

type SegmentConfig struct {
	LevelFlushThresholdBytes int64 `yaml:"level_flush_threshold"`
	LevelSizeMultiplier      int64 `yaml:"level_size_multiplier"`
	IndexStride              int   `yaml:"index_stride"`
}

type BloomFilterConfig struct {
	FPRate float64 `yaml:"fp_rate"`
}

type CompactorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Raft: RaftConfig{
			ID:                        1,
			ElectionTick:              10,
			HeartbeatTick:             1,
			TickInterval:              100 * time.Millisecond,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			Peers:                     []RaftPeerConfig{{ID: 1, Address: "http://127.0.0.1:8080"}},
		},
		DB: DefaultDB(),
	}
}

// DefaultDB returns engine settings suitable for a single local node.
func DefaultDB() DB {
	return DB{
		Path:     "./data",
		LoadMode: LoadModeLoad,
		Memtable: MemtableConfig{
			FlushThresholdBytes: 4 << 20,
		},
		Segment: SegmentConfig{
			LevelFlushThresholdBytes: 16 << 20,
			LevelSizeMultiplier:      1,
			IndexStride:              1,
		},
		BloomFilter: BloomFilterConfig{
			FPRate: 0.01,
		},
		Compactor: CompactorConfig{
			Interval: time.Second,
		},
	}
}

func (c *Config) Validate() error {
	var errs []error

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level: unknown level %q", c.Logger.Level))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port: %d out of range", c.Server.Port))
	}
	if err := c.Raft.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.DB.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *RaftConfig) Validate() error {
	var errs []error
	if c.ID == 0 {
		errs = append(errs, errors.New("raft.id: must be non-zero"))
	}
	if c.HeartbeatTick < 1 || c.ElectionTick <= c.HeartbeatTick {
		errs = append(errs, errors.New("raft: election_tick must be greater than heartbeat_tick >= 1"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("raft.tick_interval: must be positive"))
	}

	self := false
	seen := make(map[uint64]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if _, dup := seen[p.ID]; dup {
			errs = append(errs, fmt.Errorf("raft.peers: duplicate id %d", p.ID))
		}
		seen[p.ID] = struct{}{}
		self = self || p.ID == c.ID
	}
	if !self {
		errs = append(errs, fmt.Errorf("raft.peers: node %d is not listed", c.ID))
	}

	return errors.Join(errs...)
}

func (c *DB) Validate() error {
	var errs []error
	if c.Path == "" {
		errs = append(errs, errors.New("db.path: required"))
	}
	if c.LoadMode != LoadModeLoad && c.LoadMode != LoadModeTruncate {
		errs = append(errs, fmt.Errorf("db.load_mode: %q is neither %q nor %q", c.LoadMode, LoadModeLoad, LoadModeTruncate))
	}
	if c.Memtable.FlushThresholdBytes < 1 {
		errs = append(errs, errors.New("db.memtable.flush_threshold: must be positive"))
	}
	if c.Segment.LevelFlushThresholdBytes < 1 {
		errs = append(errs, errors.New("db.segment.level_flush_threshold: must be positive"))
	}
	if c.Segment.LevelSizeMultiplier < 1 {
		errs = append(errs, errors.New("db.segment.level_size_multiplier: must be >= 1"))
	}
	if c.Segment.IndexStride < 1 {
		errs = append(errs, errors.New("db.segment.index_stride: must be >= 1"))
	}
	if c.BloomFilter.FPRate <= 0 || c.BloomFilter.FPRate >= 1 {
		errs = append(errs, errors.New("db.bloom_filter.fp_rate: must be in (0, 1)"))
	}
	if c.Compactor.Interval <= 0 {
		errs = append(errs, errors.New("db.compactor.interval: must be positive"))
	}
	return errors.Join(errs...)
}
