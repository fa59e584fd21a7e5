// Package config loads gateway configuration from YAML with environment
// variable overrides, the same layering clawbernetes has always used.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the gateway's top-level configuration tree.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Node        NodeSessionConfig `yaml:"node_session"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Redis       RedisConfig       `yaml:"redis"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// ServerConfig configures the WebSocket + REST listeners.
type ServerConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	Env             string   `yaml:"env"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	ShutdownGraceMs int      `yaml:"shutdown_grace_ms"`
	MaxFrameBytes   int      `yaml:"max_frame_bytes"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// NodeSessionConfig configures node agent liveness and the defaults handed
// back in the Registered reply.
type NodeSessionConfig struct {
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	MetricsIntervalSec   int `yaml:"metrics_interval_sec"`
	ProtocolVersion      int `yaml:"protocol_version"`
	OfflineGraceSec      int `yaml:"offline_grace_sec"`
}

// SchedulerConfig tunes the assignment loop.
type SchedulerConfig struct {
	TickIntervalMs       int  `yaml:"tick_interval_ms"`
	PreemptionEnabled    bool `yaml:"preemption_enabled"`
	DefaultLogCapacity   int  `yaml:"default_log_capacity"`
	WorkloadRetentionMin int  `yaml:"workload_retention_min"`
}

// MarketplaceConfig tunes escrow fees and the expiry sweeper.
type MarketplaceConfig struct {
	FeeBps            int `yaml:"fee_bps"`
	SweepIntervalSec  int `yaml:"sweep_interval_sec"`
	DefaultReputation int `yaml:"default_reputation"`
}

// PersistenceConfig controls the on-disk checkpoint directory.
type PersistenceConfig struct {
	StateDir   string `yaml:"state_dir"`
	DebounceMs int    `yaml:"debounce_ms"`
}

// RedisConfig optionally wires a shared event bus for SSE fan-out across
// multiple REST front-ends sitting in front of one gateway process.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig throttles operator CLI RPCs per connection.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide config singleton, loaded from
// CLAWBERNETES_CONFIG_PATH (default "config.yaml") with env overrides
// and defaults applied.
func Get() *Config {
	once.Do(func() {
		path := getEnv("CLAWBERNETES_CONFIG_PATH", "config.yaml")
		cfg, err := Load(path)
		if err != nil {
			slog.Warn("config: failed to load file, using defaults", "path", path, "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// Load reads a YAML config file from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.ListenAddr = getEnv("CLAWBERNETES_LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.Env = getEnv("CLAWBERNETES_ENV", c.Server.Env)
	if v := getEnvInt("CLAWBERNETES_MAX_FRAME_BYTES", 0); v > 0 {
		c.Server.MaxFrameBytes = v
	}
	if origins := getEnv("CLAWBERNETES_ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitCSV(origins)
	}

	if v := getEnvInt("CLAWBERNETES_HEARTBEAT_INTERVAL_SEC", 0); v > 0 {
		c.Node.HeartbeatIntervalSec = v
	}
	if v := getEnvInt("CLAWBERNETES_METRICS_INTERVAL_SEC", 0); v > 0 {
		c.Node.MetricsIntervalSec = v
	}

	c.Persistence.StateDir = getEnv("CLAWBERNETES_STATE_DIR", c.Persistence.StateDir)

	c.Redis.Enabled = getEnvBool("CLAWBERNETES_REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("CLAWBERNETES_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("CLAWBERNETES_REDIS_PASSWORD", c.Redis.Password)

	if v := getEnvInt("CLAWBERNETES_MARKETPLACE_FEE_BPS", -1); v >= 0 {
		c.Marketplace.FeeBps = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":7650"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 60
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 10
	}
	if c.Server.ShutdownGraceMs == 0 {
		c.Server.ShutdownGraceMs = 2000
	}
	if c.Server.MaxFrameBytes == 0 {
		c.Server.MaxFrameBytes = 1 << 20 // 1 MiB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.Node.HeartbeatIntervalSec == 0 {
		c.Node.HeartbeatIntervalSec = 10
	}
	if c.Node.MetricsIntervalSec == 0 {
		c.Node.MetricsIntervalSec = 15
	}
	if c.Node.ProtocolVersion == 0 {
		c.Node.ProtocolVersion = 1
	}
	if c.Node.OfflineGraceSec == 0 {
		c.Node.OfflineGraceSec = 300
	}

	if c.Scheduler.TickIntervalMs == 0 {
		c.Scheduler.TickIntervalMs = 1000
	}
	if c.Scheduler.DefaultLogCapacity == 0 {
		c.Scheduler.DefaultLogCapacity = 10000
	}
	if c.Scheduler.WorkloadRetentionMin == 0 {
		c.Scheduler.WorkloadRetentionMin = 60
	}

	if c.Marketplace.FeeBps == 0 {
		c.Marketplace.FeeBps = 500 // 5%
	}
	if c.Marketplace.SweepIntervalSec == 0 {
		c.Marketplace.SweepIntervalSec = 60
	}
	if c.Marketplace.DefaultReputation == 0 {
		c.Marketplace.DefaultReputation = 500
	}

	if c.Persistence.StateDir == "" {
		c.Persistence.StateDir = "./clawbernetes-state"
	}
	if c.Persistence.DebounceMs == 0 {
		c.Persistence.DebounceMs = 100
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
}

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func splitCSV(s string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
